//go:build linux

package server

import (
	"os"
	"os/exec"
	"syscall"
)

// setPlatformProcessAttrs starts the server in its own process group so a
// terminal Ctrl+C reaches the bridge first and the server is stopped
// through its console.
func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// terminateProcessPlatform kills the whole process group so launcher
// scripts do not leave the server behind.
func terminateProcessPlatform(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
