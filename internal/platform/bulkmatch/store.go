package bulkmatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	jobFileName  = "job.json"
	lockFileName = "job.lock"
	filesDirName = "files"
)

// errSkipSave, returned from an Update callback, ends the update without
// writing and without error.
var errSkipSave = errors.New("skip save")

var (
	jobIDPattern    = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	fileNamePattern = regexp.MustCompile(`^[0-9]{1,9}\.ndjson$`)
)

// Store persists jobs and their result files.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update loads the job, applies fn and saves the result, all under
	// the job's lock. It returns the job as saved.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	WriteFile(ctx context.Context, id, name string, data []byte) error
	OpenFile(ctx context.Context, id, name string) (io.ReadCloser, error)
}

// StoreConfig configures a FileStore.
type StoreConfig struct {
	Dir string
	// LockTimeout bounds how long one operation waits for a job lock.
	LockTimeout time.Duration
	// LockRetryDelay is the pause between lock attempts.
	LockRetryDelay time.Duration
}

// FileStore keeps each job under <Dir>/<id>/ as job.json plus a files/
// directory. Every read and read-modify-write of job.json holds an
// in-process mutex and an exclusive flock on job.lock. The cache maps ids
// to the last reconciled record; disk is authoritative.
type FileStore struct {
	cfg StoreConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]*Job
}

func NewFileStore(cfg StoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("job store directory is required")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 25 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}
	return &FileStore{
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*Job),
	}, nil
}

func (s *FileStore) jobDir(id string) string   { return filepath.Join(s.cfg.Dir, id) }
func (s *FileStore) filesDir(id string) string { return filepath.Join(s.cfg.Dir, id, filesDirName) }

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

func (s *FileStore) jobMutex(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

// withLock runs fn holding the job's mutex and file lock. A job whose
// directory is gone reports ErrJobNotFound.
func (s *FileStore) withLock(ctx context.Context, id string, fn func() error) error {
	if !jobIDPattern.MatchString(id) {
		return ErrJobNotFound
	}
	m := s.jobMutex(id)
	m.Lock()
	defer m.Unlock()

	if _, err := os.Stat(s.jobDir(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrJobNotFound
		}
		return fmt.Errorf("%w: %v", ErrJobUnreadable, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTimeout)
	defer cancel()

	fl := flock.New(filepath.Join(s.jobDir(id), lockFileName))
	ok, err := fl.TryLockContext(lockCtx, s.cfg.LockRetryDelay)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return ErrJobNotFound
	}
	if err != nil || !ok {
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return fmt.Errorf("%w: locking job %s: %v", ErrJobUnreadable, id, err)
	}
	defer fl.Unlock()

	return fn()
}

// ---------------------------------------------------------------------------
// Record I/O (callers hold the lock)
// ---------------------------------------------------------------------------

// load reads job.json and reconciles it onto the cached object.
func (s *FileStore) load(id string) (*Job, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), jobFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrJobUnreadable, err)
	}
	var fresh Job
	if err := json.Unmarshal(data, &fresh); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJobCorrupted, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.cache[id]
	if !ok {
		cached = &Job{}
		s.cache[id] = cached
	}
	*cached = fresh
	return cached, nil
}

// save overwrites job.json through a temp file and rename.
func (s *FileStore) save(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	path := filepath.Join(s.jobDir(job.ID), jobFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing job: %v", ErrJobUnreadable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: writing job: %v", ErrJobUnreadable, err)
	}

	s.mu.Lock()
	s.cache[job.ID] = job.clone()
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func (s *FileStore) Create(ctx context.Context, job *Job) error {
	if !jobIDPattern.MatchString(job.ID) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	if err := os.MkdirAll(s.filesDir(job.ID), 0o755); err != nil {
		return fmt.Errorf("%w: creating job directory: %v", ErrJobUnreadable, err)
	}
	return s.withLock(ctx, job.ID, func() error {
		return s.save(job)
	})
}

func (s *FileStore) Get(ctx context.Context, id string) (*Job, error) {
	var out *Job
	err := s.withLock(ctx, id, func() error {
		job, err := s.load(id)
		if err != nil {
			return err
		}
		out = job.clone()
		return nil
	})
	return out, err
}

func (s *FileStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var out *Job
	err := s.withLock(ctx, id, func() error {
		job, err := s.load(id)
		if err != nil {
			return err
		}
		work := job.clone()
		if err := fn(work); err != nil {
			if errors.Is(err, errSkipSave) {
				out = work
				return nil
			}
			return err
		}
		if err := s.save(work); err != nil {
			return err
		}
		out = work.clone()
		return nil
	})
	return out, err
}

// Delete removes the job directory and evicts the cache entry.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	err := s.withLock(ctx, id, func() error {
		if err := os.RemoveAll(s.jobDir(id)); err != nil {
			return fmt.Errorf("%w: removing job: %v", ErrJobUnreadable, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobNotFound) {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	delete(s.locks, id)
	s.mu.Unlock()
	return err
}

// List returns the ids of every job directory, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() && jobIDPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// WriteFile writes one result file. It fails fast once ctx is cancelled
// and never recreates a deleted job directory.
func (s *FileStore) WriteFile(ctx context.Context, id, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !jobIDPattern.MatchString(id) || !fileNamePattern.MatchString(name) {
		return fmt.Errorf("invalid file %s/%s", id, name)
	}
	if err := os.WriteFile(filepath.Join(s.filesDir(id), name), data, 0o644); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrJobNotFound
		}
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return ctx.Err()
}

func (s *FileStore) OpenFile(ctx context.Context, id, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !jobIDPattern.MatchString(id) || !fileNamePattern.MatchString(name) {
		return nil, ErrFileNotFound
	}
	f, err := os.Open(filepath.Join(s.filesDir(id), name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	return f, nil
}
