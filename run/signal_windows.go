//go:build windows

package run

import "os"

// Windows has no graceful termination signal, so both paths kill.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func killProcess(pid int) error {
	return terminateProcess(pid)
}
