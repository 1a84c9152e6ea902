package jsonfile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/decred/slog"
	"golang.org/x/exp/slices"
)

// Sequence writes json files named with an increasing number in a dir.
type Sequence struct {
	dir     string
	re      *regexp.Regexp
	nameFmt string

	mtx  sync.Mutex
	last uint64
	init bool
}

// NewSequence returns a sequence of files named prefix<number>suffix in dir.
// It panics if prefix and suffix do not form a valid regexp.
func NewSequence(dir, prefix, suffix string) *Sequence {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `([0-9]+)` +
		regexp.QuoteMeta(suffix) + "$")
	return &Sequence{
		dir:     dir,
		re:      re,
		nameFmt: prefix + "%08d" + suffix,
	}
}

// SequenceFile is a file of a sequence.
type SequenceFile struct {
	ID       uint64
	Filename string
}

// Files returns the existing files of the sequence, ordered by number.
func (s *Sequence) Files() ([]SequenceFile, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []SequenceFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := s.re.FindStringSubmatch(e.Name())
		if len(m) < 2 {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		res = append(res, SequenceFile{ID: id, Filename: filepath.Join(s.dir, e.Name())})
	}
	slices.SortFunc(res, func(a, b SequenceFile) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return res, nil
}

// Append writes data as the next file of the sequence and returns its
// number.
func (s *Sequence) Append(data interface{}, log slog.Logger) (uint64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.init {
		files, err := s.Files()
		if err != nil {
			return 0, err
		}
		if len(files) > 0 {
			s.last = files[len(files)-1].ID
		}
		s.init = true
	}

	id := s.last + 1
	fname := filepath.Join(s.dir, fmt.Sprintf(s.nameFmt, id))
	if err := Write(fname, data, log); err != nil {
		return 0, err
	}
	s.last = id
	return id, nil
}
