// Package jsonfile reads and atomically writes single-value json files.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// Write encodes data into a temp file that is then renamed to fname, so that
// readers never observe a partially written file.
//
// log is used for cleanup warnings that do not fail the Write. It may be nil.
func Write(fname string, data interface{}, log slog.Logger) (err error) {
	dir, base := filepath.Split(fname)
	if dir == "" {
		dir = "."
	}
	tempFname := filepath.Join(dir, "."+base+".new")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	f, err := os.Create(tempFname)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			if cerr := f.Close(); cerr != nil && log != nil {
				log.Warnf("Unable to close temp file %s: %v", tempFname, cerr)
			}
		}
		if rerr := os.Remove(tempFname); rerr != nil && log != nil {
			log.Warnf("Unable to remove temp file %s: %v", tempFname, rerr)
		}
	}()

	if err := json.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}
	if err := os.Rename(tempFname, fname); err != nil {
		return fmt.Errorf("unable to rename temp file: %w", err)
	}
	return nil
}

// Read decodes the json value in fname into data. It returns ErrNotFound if
// the file does not exist.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(data); err != nil {
		return fmt.Errorf("unable to decode %s: %w", fname, err)
	}
	return nil
}

// Exists returns true if the specified file exists.
func Exists(fname string) bool {
	_, err := os.Stat(fname)
	return err == nil
}

// RemoveIfExists removes fname. A missing file is not an error.
func RemoveIfExists(fname string) error {
	if err := os.Remove(fname); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
