// Package pipeline runs the retrieval and segmenting processes that produce
// one generation of HLS output for a single playlist entry.
package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSourceUnavailable is reported when the retrieval step cannot resolve
	// or fetch an entry.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrPipelineCrashed is reported when the segmenting step exits non-zero
	// or is killed unexpectedly.
	ErrPipelineCrashed = errors.New("pipeline crashed")

	// ErrTimeout is returned by Stop when graceful termination did not finish
	// within the grace period and the processes were killed.
	ErrTimeout = errors.New("graceful termination timed out")

	// ErrStartupTimeout marks a generation that never produced consumable
	// output. It always wraps ErrPipelineCrashed.
	ErrStartupTimeout = errors.New("startup timed out")
)

// HandleState is the lifecycle state of a Handle.
type HandleState int32

const (
	StateStarting HandleState = iota
	StateRunning
	StateFinished
	StateFailed
	StateTerminated
)

func (s HandleState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no process of the handle can still be running.
func (s HandleState) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateTerminated
}

// Handle is one running instance of the process chain for a single entry.
// Each handle owns a fresh generation identifier; the output directory is
// stamped with it so readers can tell generations apart.
type Handle struct {
	Generation string
	Index      int
	Entry      string
	StartedAt  time.Time

	state atomic.Int32

	mu   sync.Mutex
	err  error
	done chan struct{}

	chain    *chain
	stopOnce sync.Once
	stopErr  error
}

// NewHandle returns a handle in the Starting state with a new generation ID.
func NewHandle(index int, entry string) *Handle {
	return &Handle{
		Generation: uuid.NewString(),
		Index:      index,
		Entry:      entry,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

// Done is closed once the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure detail of a Failed handle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setRunning() {
	h.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

// finish moves the handle to a terminal state exactly once.
func (h *Handle) finish(state HandleState, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State().Terminal() {
		return
	}
	h.err = err
	h.state.Store(int32(state))
	close(h.done)
}

// OutcomeKind tags the result of polling a handle.
type OutcomeKind int

const (
	// Running means at least one process is still alive.
	Running OutcomeKind = iota
	// Finished means the media played out and both processes exited cleanly.
	Finished
	// Failed means retrieval or segmenting failed; Outcome.Err says which.
	Failed
	// Stopped means the handle was terminated through Stop.
	Stopped
)

func (k OutcomeKind) String() string {
	switch k {
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of Runner.Poll. Err is set only for Failed.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// OutcomeOf maps a handle's state to an Outcome.
func OutcomeOf(h *Handle) Outcome {
	switch h.State() {
	case StateFinished:
		return Outcome{Kind: Finished}
	case StateFailed:
		return Outcome{Kind: Failed, Err: h.Err()}
	case StateTerminated:
		return Outcome{Kind: Stopped}
	default:
		return Outcome{Kind: Running}
	}
}
