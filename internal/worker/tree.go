package worker

import (
	"github.com/shirou/gopsutil/v3/process"
)

// descendants snapshots the process tree below pid. Errors (including no
// children) end that branch of the walk.
func descendants(pid int) []*process.Process {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}

	var found []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		found = append(found, children...)
		queue = append(queue, children...)
	}
	return found
}

// killStragglers kills snapshotted descendants that are still running,
// such as children that moved to their own session.
func killStragglers(procs []*process.Process) int {
	killed := 0
	for _, p := range procs {
		running, err := p.IsRunning()
		if err != nil || !running {
			continue
		}
		if err := p.Kill(); err == nil {
			killed++
		}
	}
	return killed
}

// Alive reports whether a process with the given pid still exists and has not
// been reaped
func Alive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
