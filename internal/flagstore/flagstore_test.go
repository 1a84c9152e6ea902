package flagstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
)

func TestNeedsMessagePullSurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "flagstore")
	s := New(dir, testutils.TestLoggerSys(t, "FLAG"))

	v, err := s.NeedsMessagePull()
	assert.NilErr(t, err)
	assert.BoolIs(t, v, false)

	assert.NilErr(t, s.SetNeedsMessagePull(true))

	// A new store on the same dir (i.e. after a restart) sees the flag.
	s2 := New(dir, nil)
	v, err = s2.NeedsMessagePull()
	assert.NilErr(t, err)
	assert.BoolIs(t, v, true)

	assert.NilErr(t, s2.SetNeedsMessagePull(false))
	last, err := s2.LastSuccess()
	assert.NilErr(t, err)
	assert.BoolIs(t, last.IsZero(), false)

	s3 := New(dir, nil)
	v, err = s3.NeedsMessagePull()
	assert.NilErr(t, err)
	assert.BoolIs(t, v, false)
}

func TestCorruptFlags(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "flagstore")
	err := os.WriteFile(filepath.Join(dir, flagsFilename), []byte("{"), 0o600)
	assert.NilErr(t, err)

	s := New(dir, nil)
	_, err = s.NeedsMessagePull()
	assert.NonNilErr(t, err)
}
