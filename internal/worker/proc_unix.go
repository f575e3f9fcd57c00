//go:build unix

package worker

import (
	"errors"
	"os"
	"syscall"
)

// sysProcAttr starts the worker in its own process group so signals reach its children
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the worker's process group to stop
func terminateGroup(p *os.Process) error {
	return signalGroup(p.Pid, syscall.SIGTERM)
}

// killGroup forcibly stops the worker's process group
func killGroup(p *os.Process) error {
	return signalGroup(p.Pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
