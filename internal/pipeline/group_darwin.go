package pipeline

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// groupAlive reports whether any member of the child's process group exists.
// Without procfs zombies count as members.
func groupAlive(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	return unix.Kill(-cmd.Process.Pid, 0) == nil
}
