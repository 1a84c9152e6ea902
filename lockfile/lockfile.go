// Package lockfile guards a data dir against concurrent use by more than one
// process.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// LockFile is an exclusively held lock file.
type LockFile struct {
	f *lockedfile.File
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf == nil || lf.f == nil {
		return errors.New("lockfile not held")
	}
	return lf.f.Close()
}

type openResult struct {
	f   *lockedfile.File
	err error
}

// Create blocks until the lock file at filePath is exclusively held by this
// process or ctx is done.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}

	c := make(chan openResult, 1)
	go func() {
		f, err := lockedfile.Create(filePath)
		c <- openResult{f: f, err: err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, res.err
		}
		// Ownership info is only informative.
		host, _ := os.Hostname()
		fmt.Fprintf(res.f, "pid=%d\nhost=%q\n", os.Getpid(), host)
		return &LockFile{f: res.f}, nil

	case <-ctx.Done():
		// The lock may still be acquired later. Release it if it is.
		go func() {
			if res := <-c; res.err == nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
