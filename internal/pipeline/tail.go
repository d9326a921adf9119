package pipeline

import (
	"strings"
	"sync"
)

const tailLimit = 4096

// tailBuffer keeps the last few KiB a process wrote to stderr so failures can
// be reported with the tool's own message.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailLimit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

// Lines returns up to n trailing non-empty lines joined by " | ".
func (t *tailBuffer) Lines(n int) string {
	t.mu.Lock()
	s := string(t.buf)
	t.mu.Unlock()

	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
