//go:build !linux

package server

import (
	"os"
	"os/exec"
)

func setPlatformProcessAttrs(cmd *exec.Cmd) {}

func terminateProcessPlatform(p *os.Process) error {
	return p.Kill()
}
