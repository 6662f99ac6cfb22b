package scheduler

import (
	"errors"
	"io/fs"
	"os"
	"sync"
)

// TempFiles collects intermediate files that must be removed when the run
// ends, whatever the outcome.
type TempFiles struct {
	mu    sync.Mutex
	paths []string
}

// Track registers path for cleanup.
func (t *TempFiles) Track(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paths = append(t.paths, path)
}

// Paths returns the registered paths.
func (t *TempFiles) Paths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.paths...)
}

// Cleanup removes every registered path and forgets them. Missing files are
// not an error.
func (t *TempFiles) Cleanup() error {
	t.mu.Lock()
	paths := t.paths
	t.paths = nil
	t.mu.Unlock()

	var errs []error
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
