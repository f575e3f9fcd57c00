//go:build !unix

package worker

import (
	"errors"
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// Without process groups both steps kill the leader; descendants are
// collected separately.
func terminateGroup(p *os.Process) error {
	return killLeader(p)
}

func killGroup(p *os.Process) error {
	return killLeader(p)
}

func killLeader(p *os.Process) error {
	err := p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
