package bulkmatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(StoreConfig{
		Dir:            t.TempDir(),
		LockTimeout:    200 * time.Millisecond,
		LockRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func newStoredJob(t *testing.T, s *FileStore, id string) *Job {
	t.Helper()
	job := &Job{
		ID:        id,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Manifest: Manifest{
			Request: "http://localhost/fhir/Patient/$bulk-match",
			Output:  []OutputFile{},
			Error:   []OutputFile{},
		},
		Options: Options{MatchToken: "secret"},
	}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return job
}

func TestFileStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")

	for _, name := range []string{jobFileName, lockFileName, filesDirName} {
		if _, err := os.Stat(filepath.Join(s.cfg.Dir, "job-1", name)); err != nil {
			t.Errorf("expected %s in job directory: %v", name, err)
		}
	}

	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "job-1" || got.Manifest.Request == "" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.Options.MatchToken != "" {
		t.Error("match token must not be persisted")
	}
}

func TestFileStore_GetErrors(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.Get(context.Background(), "../etc"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound for a path id, got %v", err)
	}

	newStoredJob(t, s, "job-1")
	if err := os.WriteFile(filepath.Join(s.cfg.Dir, "job-1", jobFileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "job-1"); !errors.Is(err, ErrJobCorrupted) {
		t.Errorf("expected ErrJobCorrupted, got %v", err)
	}

	newStoredJob(t, s, "job-2")
	if err := os.Remove(filepath.Join(s.cfg.Dir, "job-2", jobFileName)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "job-2"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound for a missing record, got %v", err)
	}
}

func TestFileStore_ReconcilesFromDisk(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")

	// A second store over the same directory stands in for another process.
	other, err := NewFileStore(s.cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Update(context.Background(), "job-1", func(j *Job) error {
		j.Percentage = 40
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Percentage != 40 {
		t.Errorf("expected percentage from disk (40), got %d", got.Percentage)
	}
	if cached := s.cache["job-1"]; cached == nil || cached.Percentage != 40 {
		t.Errorf("expected cache to be reconciled, got %+v", cached)
	}
}

func TestFileStore_UpdateSkipSave(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")

	got, err := s.Update(context.Background(), "job-1", func(j *Job) error {
		j.Percentage = 99
		return errSkipSave
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if got.Percentage != 99 {
		t.Error("expected the callback's view to be returned")
	}
	stored, _ := s.Get(context.Background(), "job-1")
	if stored.Percentage != 0 {
		t.Errorf("expected nothing saved, got percentage %d", stored.Percentage)
	}

	boom := errors.New("boom")
	if _, err := s.Update(context.Background(), "job-1", func(*Job) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestFileStore_ConcurrentUpdatesSerialize(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(context.Background(), "job-1", func(j *Job) error {
				j.Manifest.Output = append(j.Manifest.Output, OutputFile{Type: "Bundle"})
				return nil
			}); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Manifest.Output) != 20 {
		t.Errorf("expected 20 outputs, got %d", len(got.Manifest.Output))
	}
}

func TestFileStore_LockTimeout(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")

	held := flock.New(filepath.Join(s.cfg.Dir, "job-1", lockFileName))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("failed to take external lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	start := time.Now()
	_, err := s.Get(context.Background(), "job-1")
	if !errors.Is(err, ErrJobUnreadable) {
		t.Fatalf("expected ErrJobUnreadable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("lock wait was not bounded by LockTimeout")
	}
}

func TestFileStore_DeleteAndList(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-b")
	newStoredJob(t, s, "job-a")
	if err := os.WriteFile(filepath.Join(s.cfg.Dir, "stray.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "job-a" || ids[1] != "job-b" {
		t.Errorf("unexpected ids: %v", ids)
	}

	if err := s.Delete(context.Background(), "job-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.cfg.Dir, "job-a")); !os.IsNotExist(err) {
		t.Error("expected job directory to be removed")
	}
	if _, ok := s.cache["job-a"]; ok {
		t.Error("expected cache entry to be evicted")
	}
	if err := s.Delete(context.Background(), "job-a"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound on second delete, got %v", err)
	}
}

func TestFileStore_Files(t *testing.T) {
	s := newTestStore(t)
	newStoredJob(t, s, "job-1")
	ctx := context.Background()

	if err := s.WriteFile(ctx, "job-1", "1.ndjson", []byte("{}\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	rc, err := s.OpenFile(ctx, "job-1", "1.ndjson")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "{}\n" {
		t.Errorf("unexpected file content %q", data)
	}

	for _, name := range []string{"2.ndjson", "../job.json", "job.json"} {
		if _, err := s.OpenFile(ctx, "job-1", name); !errors.Is(err, ErrFileNotFound) {
			t.Errorf("OpenFile(%q): expected ErrFileNotFound, got %v", name, err)
		}
	}
	if err := s.WriteFile(ctx, "job-1", "x.json", nil); err == nil {
		t.Error("expected invalid file name to be rejected")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.WriteFile(cancelled, "job-1", "2.ndjson", []byte("{}\n")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := s.Delete(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile(ctx, "job-1", "2.ndjson", []byte("{}\n")); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after delete, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.cfg.Dir, "job-1")); !os.IsNotExist(err) {
		t.Error("WriteFile must not recreate a deleted job")
	}
}
