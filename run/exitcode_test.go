package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribeExitCodeAllCodes(t *testing.T) {
	assert.Equal(t, "completed successfully", DescribeExitCode(0))
	assert.Equal(t, "pipeline failure", DescribeExitCode(1))
	// Code 2 covers both ways the pipeline refuses to start.
	assert.Equal(t, "blocked by an active lock or invalid arguments", DescribeExitCode(2))
	assert.Equal(t, "subprocess failed to start", DescribeExitCode(ExitSpawnFailed))
	assert.Equal(t, "process disappeared without reporting an exit code", DescribeExitCode(ExitReaped))
	assert.Equal(t, "pipeline binary not found", DescribeExitCode(127))
	assert.Equal(t, "killed by signal 9", DescribeExitCode(-9))
	assert.Equal(t, "exited with code 42", DescribeExitCode(42))
}
