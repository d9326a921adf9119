package orchestrator

import (
	"errors"
	"fmt"
	"strconv"
)

// Entry is one opaque playlist item, resolvable by the retrieval tool.
type Entry string

// Playlist is the ordered, 1-indexed list of entries. It is immutable once built.
type Playlist struct {
	entries []Entry
}

// NewPlaylist copies entries into a playlist. Empty playlists are rejected.
func NewPlaylist(entries []Entry) (*Playlist, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyPlaylist
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Playlist{entries: cp}, nil
}

// Len returns the number of entries.
func (p *Playlist) Len() int { return len(p.entries) }

// At returns the entry at the 1-based index. Callers keep index in range.
func (p *Playlist) At(index int) Entry { return p.entries[index-1] }

// IndexOf returns the 1-based index of the first matching entry, or 0.
func (p *Playlist) IndexOf(e Entry) int {
	for i, x := range p.entries {
		if x == e {
			return i + 1
		}
	}
	return 0
}

// Readiness is the client-facing loading/ready flag.
type Readiness string

const (
	ReadinessLoading Readiness = "loading"
	ReadinessReady   Readiness = "ready"
)

// State is the supervisor's state machine position.
type State int

const (
	StateInitializing State = iota
	StateLoading
	StateReady
	StateRestarting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateRestarting:
		return "restarting"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// StreamStatus is the snapshot returned by the status endpoint.
type StreamStatus struct {
	Status     Readiness `json:"status"`
	Video      int       `json:"video"`
	Total      int       `json:"total"`
	Generation string    `json:"generation,omitempty"`
	State      string    `json:"state"`
}

// CommandKind enumerates control commands.
type CommandKind int

const (
	CommandNext CommandKind = iota
	CommandPrev
	CommandSkip
)

func (k CommandKind) String() string {
	switch k {
	case CommandNext:
		return "next"
	case CommandPrev:
		return "prev"
	case CommandSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Command is a control request. Index is used by CommandSkip only.
type Command struct {
	Kind  CommandKind
	Index int
}

func (c Command) String() string {
	if c.Kind == CommandSkip {
		return "skip(" + strconv.Itoa(c.Index) + ")"
	}
	return c.Kind.String()
}

// ParseCommand maps "next" and "prev" to commands.
func ParseCommand(name string) (Command, error) {
	switch name {
	case "next":
		return Command{Kind: CommandNext}, nil
	case "prev":
		return Command{Kind: CommandPrev}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

var (
	// ErrInvalidIndex is returned for a jump outside [1, total].
	ErrInvalidIndex = errors.New("invalid playlist index")

	// ErrBusy is returned when commands are rejected during a transition.
	ErrBusy = errors.New("transition in progress")

	// ErrStopped is returned once the supervisor has shut down.
	ErrStopped = errors.New("supervisor stopped")

	// ErrEmptyPlaylist is returned when a playlist has no entries.
	ErrEmptyPlaylist = errors.New("playlist is empty")

	// ErrUnknownCommand is returned for unsupported control commands.
	ErrUnknownCommand = errors.New("unknown command")
)
