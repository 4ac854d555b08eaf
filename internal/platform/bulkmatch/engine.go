package bulkmatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
	"github.com/ehr/bulkmatch/internal/platform/matching"
	"github.com/ehr/bulkmatch/internal/platform/telemetry"
)

const terminationFactor = 10

// Config tunes the job engine.
type Config struct {
	// RetryAfter is the base interval between status polls.
	RetryAfter time.Duration
	// Throttle delays each fragment.
	Throttle time.Duration
	// MaxRunningJobs caps concurrently running jobs. Zero means no cap.
	MaxRunningJobs int
	// CompletedLifetime is how long a completed job is kept.
	CompletedLifetime time.Duration
	// MaxLifetime is how long any job is kept.
	MaxLifetime time.Duration
	// ProxyFailureThreshold fails a delegated job when more than this
	// percentage of fragments could not be matched upstream.
	ProxyFailureThreshold int
}

// Engine owns job lifecycles.
type Engine struct {
	store   Store
	matcher *matching.Engine
	proxy   ProxyMatcher
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	running atomic.Int64

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(store Store, matcher *matching.Engine, proxy ProxyMatcher, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &Engine{
		store:   store,
		matcher: matcher,
		proxy:   proxy,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Running returns the number of jobs holding an admission slot.
func (e *Engine) Running() int {
	return int(e.running.Load())
}

func (e *Engine) acquireSlot() bool {
	for {
		n := e.running.Load()
		if e.cfg.MaxRunningJobs > 0 && n >= int64(e.cfg.MaxRunningJobs) {
			return false
		}
		if e.running.CompareAndSwap(n, n+1) {
			telemetry.JobsRunning.Inc()
			return true
		}
	}
}

func (e *Engine) releaseSlot() {
	e.running.Add(-1)
	telemetry.JobsRunning.Dec()
}

// ---------------------------------------------------------------------------
// Create / Start / Run
// ---------------------------------------------------------------------------

// Create admits and persists a new job. The caller must Start it; until
// then it holds an admission slot.
func (e *Engine) Create(ctx context.Context, requestURL string, opts Options) (*Job, error) {
	if opts.Err == FaultTooManyJobs || !e.acquireSlot() {
		telemetry.JobsRejected.Inc()
		return nil, ErrTooManyJobs
	}

	now := e.now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Options:   opts,
		CreatedAt: now,
		Manifest: Manifest{
			TransactionTime:     now,
			Request:             requestURL,
			RequiresAccessToken: opts.Authenticated,
			Output:              []OutputFile{},
			Error:               []OutputFile{},
		},
	}
	if opts.FakeMatches > 0 || opts.Duplicates > 0 {
		job.Manifest.Extension = map[string]interface{}{
			"fakeMatches": opts.FakeMatches,
			"duplicates":  opts.Duplicates,
		}
	}

	if err := e.store.Create(ctx, job); err != nil {
		e.releaseSlot()
		return nil, fmt.Errorf("creating job: %w", err)
	}
	telemetry.JobsCreated.Inc()
	return job, nil
}

// Start runs job in the background. Failures and panics are logged and
// recorded on the job, never returned.
func (e *Engine) Start(job *Job, fragments []*patient.Patient) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, job.ID)
			e.mu.Unlock()
			cancel()
			e.releaseSlot()
		}()
		defer func() {
			if r := recover(); r != nil {
				var stack [4096]byte
				n := runtime.Stack(stack[:], false)
				e.logger.Error().
					Str("job_id", job.ID).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(stack[:n])).
					Msg("job panicked")
				e.fail(job.ID, fmt.Errorf("panic: %v", r))
			}
		}()

		if err := e.Run(ctx, job, fragments); err != nil {
			if ctx.Err() != nil {
				e.logger.Debug().Str("job_id", job.ID).Msg("job cancelled")
				return
			}
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("job failed")
			e.fail(job.ID, err)
		}
	}()
}

// Wait blocks until every started job has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run processes fragments in order, one result file per fragment. It
// returns an error when the job must be marked failed.
func (e *Engine) Run(ctx context.Context, job *Job, fragments []*patient.Patient) error {
	opts := job.Options
	total := len(fragments)
	fake := newFakePlan(fragments, opts.FakeMatches, opts.Duplicates)
	proxyFailures := 0

	e.logger.Info().Str("job_id", job.ID).Int("fragments", total).Msg("job started")

	for i, frag := range fragments {
		if err := e.throttle(ctx); err != nil {
			return err
		}

		var bundle *fhir.Bundle
		switch {
		case fake != nil:
			bundle = e.fakeBundle(fake, frag, opts)
		case opts.MatchServer != "" && e.proxy != nil:
			var failed bool
			bundle, failed = e.proxyBundle(ctx, frag, opts)
			if failed {
				proxyFailures++
			}
		default:
			bundle = matching.BuildBundle(frag.ID, e.matcher.MatchAll(frag, matchOptions(opts)), opts.FHIRBase, e.now())
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var buf bytes.Buffer
		w := fhir.NewNDJSONWriter(&buf)
		if err := w.WriteResource(bundle); err != nil {
			return fmt.Errorf("encoding bundle %d: %w", i+1, err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("encoding bundle %d: %w", i+1, err)
		}

		name := fmt.Sprintf("%d.ndjson", i+1)
		if err := e.store.WriteFile(ctx, job.ID, name, buf.Bytes()); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}

		done := i + 1
		last := done == total
		thresholdHit := last && opts.MatchServer != "" && proxyFailures*100 > e.cfg.ProxyFailureThreshold*total
		stop := thresholdHit || opts.Err == FaultTransientError
		entry := OutputFile{
			Type:  "Bundle",
			URL:   fmt.Sprintf("%s/jobs/%s/files/%s", opts.FHIRBase, job.ID, name),
			Count: w.Lines(),
		}
		if _, err := e.store.Update(ctx, job.ID, func(j *Job) error {
			j.Manifest.Output = append(j.Manifest.Output, entry)
			if stop && last {
				return nil
			}
			j.Percentage = done * 100 / total
			if last {
				completed := e.now().UTC()
				j.Percentage = 100
				j.CompletedAt = &completed
			}
			return nil
		}); err != nil {
			return fmt.Errorf("saving progress: %w", err)
		}

		if thresholdHit {
			return &visibleError{msg: fmt.Sprintf("%d of %d fragments failed on the match server", proxyFailures, total)}
		}
		if opts.Err == FaultTransientError {
			return &visibleError{msg: "simulated transient error"}
		}
	}

	if total == 0 {
		if _, err := e.store.Update(ctx, job.ID, func(j *Job) error {
			completed := e.now().UTC()
			j.Percentage = 100
			j.CompletedAt = &completed
			return nil
		}); err != nil {
			return fmt.Errorf("saving progress: %w", err)
		}
	}

	telemetry.JobsCompleted.Inc()
	e.logger.Info().Str("job_id", job.ID).Int("files", total).Msg("job completed")
	return nil
}

func (e *Engine) throttle(ctx context.Context) error {
	if e.cfg.Throttle <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(e.cfg.Throttle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fail records err on the job. The stored message is generic for
// unexpected failures; the cause stays server side.
func (e *Engine) fail(id string, cause error) {
	msg := "Job failed: internal error"
	var ve *visibleError
	if errors.As(cause, &ve) {
		msg = "Job failed: " + ve.msg
	}
	_, err := e.store.Update(context.Background(), id, func(j *Job) error {
		if j.Error != "" {
			return errSkipSave
		}
		j.Error = msg
		j.Cause = cause.Error()
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrJobNotFound) {
			e.logger.Error().Err(err).Str("job_id", id).Msg("recording job failure")
		}
		return
	}
	telemetry.JobsFailed.Inc()
}

// visibleError is a run failure whose message may be shown to clients.
type visibleError struct {
	msg string
}

func (e *visibleError) Error() string { return e.msg }

func matchOptions(opts Options) matching.Options {
	return matching.Options{
		OnlySingleMatch:    opts.OnlySingleMatch,
		OnlyCertainMatches: opts.OnlyCertainMatches,
		Limit:              opts.Count,
	}
}
