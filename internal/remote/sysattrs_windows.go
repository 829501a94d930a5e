//go:build windows

package remote

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// terminate has no polite equivalent for detached console processes.
func terminate(p *os.Process) error { return nil }

func hardKill(p *os.Process) error { return p.Kill() }
