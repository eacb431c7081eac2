//go:build !windows

package run

import (
	"os"
	"syscall"
)

// waitExitCode maps a finished process state to the recorded exit code.
// Death by signal records the negated signal number.
func waitExitCode(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}
