//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup only reaches the root process on platforms without process groups.
func signalGroup(cmd *exec.Cmd, force bool) error {
	if force {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(os.Interrupt)
}

func renice(int, int) error { return nil }
