//go:build unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup makes the child the leader of a new process group so that
// terminateGroup reaches every descendant.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateGroup kills the process group led by p. Signalling a group that
// has already exited is not an error.
func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	// kill(-1) and kill(0) would hit every user process or our own group.
	if p.Pid <= 1 {
		return nil
	}
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}
