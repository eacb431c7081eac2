package run

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orevatech/opsportal/errors"
)

func TestReadLogChunkIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0o644))
	job := &Job{LogFilePath: path}

	chunk, err := ReadLogChunk(job, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", chunk.Data)
	assert.Equal(t, int64(18), chunk.NewOffset)

	// Nothing new yet.
	chunk, err = ReadLogChunk(job, chunk.NewOffset, 0)
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)
	assert.Equal(t, int64(18), chunk.NewOffset)

	// Append and resume from the saved offset.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("line three\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	chunk, err = ReadLogChunk(job, 18, 0)
	require.NoError(t, err)
	assert.Equal(t, "line three\n", chunk.Data)
	assert.Equal(t, int64(29), chunk.NewOffset)
}

func TestReadLogChunkRespectsMaxBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0o644))
	job := &Job{LogFilePath: path}

	chunk, err := ReadLogChunk(job, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", chunk.Data)
	assert.Equal(t, int64(4), chunk.NewOffset)
}

func TestReadLogChunkMissingFile(t *testing.T) {
	job := &Job{LogFilePath: filepath.Join(t.TempDir(), "never-written.log")}

	chunk, err := ReadLogChunk(job, 7, 0)
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)
	assert.Equal(t, int64(7), chunk.NewOffset)

	// No log path recorded at all behaves the same.
	chunk, err = ReadLogChunk(&Job{}, 3, 0)
	require.NoError(t, err)
	assert.Empty(t, chunk.Data)
	assert.Equal(t, int64(3), chunk.NewOffset)
}

func TestReadLogChunkNegativeOffset(t *testing.T) {
	_, err := ReadLogChunk(&Job{}, -1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestReadLogChunkReplacesInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte{'o', 'k', 0xff, 0xfe, '!'}, 0o644))
	job := &Job{LogFilePath: path}

	chunk, err := ReadLogChunk(job, 0, 0)
	require.NoError(t, err)
	assert.Contains(t, chunk.Data, "ok")
	assert.Contains(t, chunk.Data, "!")
	assert.True(t, len(chunk.Data) > 0)
	assert.Equal(t, int64(5), chunk.NewOffset)
}
