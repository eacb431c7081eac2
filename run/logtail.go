package run

import (
	"io"
	"os"
	"strings"

	"github.com/orevatech/opsportal/errors"
)

// MaxLogChunkBytes bounds a single log read.
const MaxLogChunkBytes = 65536

// LogChunk is one incremental read of a run's log file.
type LogChunk struct {
	Data      string
	NewOffset int64
}

// ReadLogChunk reads up to maxBytes from the job's log file starting at
// offset. A missing file is not an error: the run may not have produced
// output yet. Invalid UTF-8 sequences are replaced rather than breaking
// the stream.
func ReadLogChunk(job *Job, offset int64, maxBytes int) (*LogChunk, error) {
	if offset < 0 {
		return nil, errors.NewInvalidRequestError(errors.New("log offset must be non-negative"))
	}
	if maxBytes <= 0 || maxBytes > MaxLogChunkBytes {
		maxBytes = MaxLogChunkBytes
	}
	if job.LogFilePath == "" {
		return &LogChunk{NewOffset: offset}, nil
	}

	file, err := os.Open(job.LogFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &LogChunk{NewOffset: offset}, nil
		}
		return nil, errors.Wrap(err, "failed to open run log")
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to seek run log")
	}

	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "failed to read run log")
	}

	return &LogChunk{
		Data:      strings.ToValidUTF8(string(buf[:n]), "�"),
		NewOffset: offset + int64(n),
	}, nil
}
