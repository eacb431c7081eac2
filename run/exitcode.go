package run

import "fmt"

// Synthetic exit codes recorded by the portal itself, never produced by
// the subprocess.
const (
	// ExitSpawnFailed is recorded when the subprocess could not start.
	ExitSpawnFailed = 3
	// ExitReaped is recorded when the reaper finds a running job whose
	// process has disappeared.
	ExitReaped = -1
)

// DescribeExitCode renders an operator-facing explanation of a pipeline
// exit code. Negative codes other than ExitReaped indicate death by
// signal.
func DescribeExitCode(code int) string {
	switch code {
	case 0:
		return "completed successfully"
	case 1:
		return "pipeline failure"
	case 2:
		return "blocked by an active lock or invalid arguments"
	case ExitSpawnFailed:
		return "subprocess failed to start"
	case ExitReaped:
		return "process disappeared without reporting an exit code"
	case 126:
		return "pipeline binary is not executable"
	case 127:
		return "pipeline binary not found"
	}
	if code < 0 {
		return fmt.Sprintf("killed by signal %d", -code)
	}
	return fmt.Sprintf("exited with code %d", code)
}
