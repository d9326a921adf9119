package pipeline

import (
	"os/exec"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// groupAlive reports whether the child's process group still has a member
// that is not a zombie. Orphans reparented to a PID 1 that never reaps stay
// in the group as zombies and keep kill(-pgid, 0) succeeding.
func groupAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pgid := cmd.Process.Pid
	if unix.Kill(-pgid, 0) != nil {
		return false
	}
	procs, err := procfs.AllProcs()
	if err != nil {
		return true
	}
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// exited while listing
			continue
		}
		if st.PGRP == pgid && live(st.State) {
			return true
		}
	}
	return false
}

func live(state string) bool {
	return state != "Z" && state != "X"
}
