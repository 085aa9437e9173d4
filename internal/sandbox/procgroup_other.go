//go:build !unix

package sandbox

import (
	"errors"
	"os"
	"os/exec"
)

// setProcessGroup is a no-op where process groups are unavailable.
func setProcessGroup(*exec.Cmd) {}

// terminateGroup kills only the direct child. Grandchildren started by the
// command may survive on these platforms.
func terminateGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
