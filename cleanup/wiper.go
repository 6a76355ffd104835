package cleanup

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/substratehq/substrate/id"
)

// DefaultPasses is the number of random-data overwrite passes applied to
// each file before it is unlinked.
const DefaultPasses = 3

// wipeChunkSize is the write granularity for overwrite passes.
const wipeChunkSize = 32 * 1024

// Failure records a path that could not be cleaned and why.
type Failure struct {
	Path string
	Err  error
}

// Wiper tracks artifact paths per job and securely removes them once the
// job reaches a terminal state. All operations are best effort: a failure
// on one path never stops the remaining paths from being processed.
type Wiper struct {
	mu    sync.Mutex
	paths map[string][]string // job ID → registered artifact paths

	logger *slog.Logger
	passes int
}

// WiperOption configures a Wiper.
type WiperOption func(*Wiper)

// WithPasses sets the number of overwrite passes per file.
func WithPasses(n int) WiperOption {
	return func(w *Wiper) {
		if n > 0 {
			w.passes = n
		}
	}
}

// NewWiper creates an artifact wiper.
func NewWiper(logger *slog.Logger, opts ...WiperOption) *Wiper {
	w := &Wiper{
		paths:  make(map[string][]string),
		logger: logger,
		passes: DefaultPasses,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register records an artifact path to be wiped when the job finishes.
// Duplicate registrations of the same path are collapsed.
func (w *Wiper) Register(jobID id.JobID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := jobID.String()
	for _, p := range w.paths[key] {
		if p == path {
			return
		}
	}
	w.paths[key] = append(w.paths[key], path)
}

// Paths returns a copy of the registered artifact paths for a job.
func (w *Wiper) Paths(jobID id.JobID) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	src := w.paths[jobID.String()]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Forget drops all registered paths for a job without wiping them.
func (w *Wiper) Forget(jobID id.JobID) {
	w.mu.Lock()
	delete(w.paths, jobID.String())
	w.mu.Unlock()
}

// Run wipes every artifact registered for the job and forgets the job.
// Paths that no longer exist count as cleaned. The context is checked
// between paths, not mid-file; a cancelled run leaves unprocessed paths
// in the returned failures.
func (w *Wiper) Run(ctx context.Context, jobID id.JobID) []Failure {
	w.mu.Lock()
	paths := w.paths[jobID.String()]
	delete(w.paths, jobID.String())
	w.mu.Unlock()

	var failures []Failure
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			for _, remaining := range paths[i:] {
				failures = append(failures, Failure{Path: remaining, Err: err})
			}
			break
		}
		if err := Wipe(path, w.passes); err != nil {
			w.logger.Warn("artifact cleanup failed",
				slog.String("job_id", jobID.String()),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			failures = append(failures, Failure{Path: path, Err: err})
			continue
		}
		w.logger.Debug("artifact wiped",
			slog.String("job_id", jobID.String()),
			slog.String("path", path),
		)
	}
	return failures
}

// Wipe securely removes a path. Regular files are overwritten with
// random data and unlinked. Directories are walked depth-first and every
// regular file inside is wiped, then the tree is removed. Symlinks are
// unlinked without following the target. A missing path is not an error.
func Wipe(path string, passes int) error {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cleanup: stat %s: %w", path, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("cleanup: remove symlink %s: %w", path, err)
		}
		return nil

	case info.IsDir():
		var wipeErr error
		walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if err := Overwrite(p, passes); err != nil && wipeErr == nil {
				wipeErr = err
			}
			return nil
		})
		if walkErr != nil {
			return fmt.Errorf("cleanup: walk %s: %w", path, walkErr)
		}
		if wipeErr != nil {
			return wipeErr
		}
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("cleanup: remove %s: %w", path, err)
		}
		return nil

	default:
		if info.Mode().IsRegular() {
			if err := Overwrite(path, passes); err != nil {
				return err
			}
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("cleanup: remove %s: %w", path, err)
		}
		return nil
	}
}

// Overwrite replaces the contents of a regular file with random data,
// syncing to disk after each pass. The file's size is unchanged; only
// its contents are destroyed.
func Overwrite(path string, passes int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cleanup: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cleanup: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, wipeChunkSize)
	for pass := 0; pass < passes; pass++ {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("cleanup: seek %s: %w", path, err)
		}
		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if _, err := rand.Read(buf[:n]); err != nil {
				return fmt.Errorf("cleanup: random data: %w", err)
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("cleanup: overwrite %s: %w", path, err)
			}
			remaining -= n
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("cleanup: sync %s: %w", path, err)
		}
	}
	return nil
}
