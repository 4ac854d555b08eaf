package bulkmatch

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ehr/bulkmatch/internal/platform/telemetry"
)

// StatusReport is the outcome of one status poll. Kind is one of the
// telemetry.Poll* values.
type StatusReport struct {
	Kind string
	Job  *Job
	// RetryAfter is set for in-progress and throttled polls.
	RetryAfter time.Duration
	// Expires is set for completed jobs.
	Expires time.Time
}

// Status applies the polling protocol to job id. A client that keeps
// polling ahead of the advertised time has its job destroyed.
func (e *Engine) Status(ctx context.Context, id string) (*StatusReport, error) {
	retry := e.cfg.RetryAfter
	report := &StatusReport{}

	job, err := e.store.Update(ctx, id, func(j *Job) error {
		if j.Error != "" {
			report.Kind = telemetry.PollFailed
			return errSkipSave
		}
		if j.Percentage >= 100 {
			report.Kind = telemetry.PollComplete
			if j.CompletedAt != nil {
				report.Expires = j.CompletedAt.Add(e.cfg.CompletedLifetime)
			}
			return errSkipSave
		}

		now := e.now()
		if now.Before(j.NotBefore) {
			next := j.NotBefore.Add(j.NotBefore.Sub(now)).Add(retry)
			wait := next.Sub(now)
			if wait > terminationFactor*retry {
				report.Kind = telemetry.PollTerminated
				return errSkipSave
			}
			j.NotBefore = next
			report.Kind = telemetry.PollThrottled
			report.RetryAfter = wait
			return nil
		}

		j.NotBefore = now.Add(retry)
		report.Kind = telemetry.PollInProgress
		report.RetryAfter = retry
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Job = job

	if report.Kind == telemetry.PollTerminated {
		if err := e.Abort(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
		e.logger.Warn().Str("job_id", id).Msg("session terminated for ignoring Retry-After")
	}
	return report, nil
}

// Get returns the current record of job id.
func (e *Engine) Get(ctx context.Context, id string) (*Job, error) {
	return e.store.Get(ctx, id)
}

// Abort cancels a running job and destroys its record and files.
func (e *Engine) Abort(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	telemetry.JobsAborted.Inc()
	return nil
}

// DestroyIfNeeded destroys job id when it is a completed job past its
// retention window or any job past the maximum lifetime.
func (e *Engine) DestroyIfNeeded(ctx context.Context, id string) (bool, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := e.now()
	expired := false
	if job.State() == StateCompleted && job.CompletedAt != nil && e.cfg.CompletedLifetime > 0 &&
		now.Sub(*job.CompletedAt) > e.cfg.CompletedLifetime {
		expired = true
	}
	if e.cfg.MaxLifetime > 0 && now.Sub(job.CreatedAt) > e.cfg.MaxLifetime {
		expired = true
	}
	if !expired {
		return false, nil
	}
	if err := e.Abort(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Sweep runs DestroyIfNeeded over every stored job and returns how many
// were destroyed. Unreadable jobs are logged and skipped.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	ids, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return destroyed, err
		}
		ok, err := e.DestroyIfNeeded(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				e.logger.Warn().Err(err).Str("job_id", id).Msg("sweep skipped job")
			}
			continue
		}
		if ok {
			destroyed++
			e.logger.Info().Str("job_id", id).Msg("expired job destroyed")
		}
	}
	return destroyed, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("job sweep failed")
			}
		}
	}
}

// OpenFile opens one result file of job id.
func (e *Engine) OpenFile(ctx context.Context, id, name string) (io.ReadCloser, error) {
	return e.store.OpenFile(ctx, id, name)
}
