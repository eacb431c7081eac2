//go:build windows

package run

import "os"

func waitExitCode(state *os.ProcessState) int {
	return state.ExitCode()
}
