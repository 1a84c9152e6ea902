package jsonfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/companyzero/msgpull/internal/assert"
	"github.com/companyzero/msgpull/internal/testutils"
)

type testData struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteRead(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "jsonfile")
	fname := filepath.Join(dir, "sub", "data.json")

	var got testData
	err := Read(fname, &got)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.BoolIs(t, Exists(fname), false)

	want := testData{Name: "x", Count: 2}
	assert.NilErr(t, Write(fname, want, nil))
	assert.NilErr(t, Read(fname, &got))
	assert.DeepEqual(t, got, want)

	// The temp file was renamed.
	_, err = os.Stat(filepath.Join(dir, "sub", ".data.json.new"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected temp file stat error: %v", err)
	}

	assert.NilErr(t, RemoveIfExists(fname))
	assert.NilErr(t, RemoveIfExists(fname))
	assert.BoolIs(t, Exists(fname), false)
}

func TestWriteUnencodable(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "jsonfile")
	fname := filepath.Join(dir, "bad.json")
	err := Write(fname, make(chan int), testutils.TestLoggerSys(t, "JSON"))
	assert.NonNilErr(t, err)
	assert.BoolIs(t, Exists(fname), false)
	assert.BoolIs(t, Exists(filepath.Join(dir, ".bad.json.new")), false)
}

func TestSequence(t *testing.T) {
	t.Parallel()

	dir := testutils.TempTestDir(t, "jsonfile")
	seq := NewSequence(dir, "msg-", ".json")
	for i := 1; i <= 3; i++ {
		id, err := seq.Append(testData{Count: i}, nil)
		assert.NilErr(t, err)
		assert.DeepEqual(t, id, uint64(i))
	}

	// Unrelated files are ignored.
	assert.NilErr(t, os.WriteFile(filepath.Join(dir, "other.json"), nil, 0o600))

	// A new sequence on the same dir continues the numbering.
	seq = NewSequence(dir, "msg-", ".json")
	id, err := seq.Append(testData{Count: 4}, nil)
	assert.NilErr(t, err)
	assert.DeepEqual(t, id, uint64(4))

	files, err := seq.Files()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(files), 4)
	for i, f := range files {
		var got testData
		assert.NilErr(t, Read(f.Filename, &got))
		assert.DeepEqual(t, got.Count, i+1)
	}
}
