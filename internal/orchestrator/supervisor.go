package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hls-restreamer/internal/pipeline"
)

const (
	DefaultMaxRetries     = 2
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultStartupTimeout = 20 * time.Second
	DefaultRetryDelay     = 3 * time.Second
)

// Transition causes, used in logs and metrics.
const (
	causeInitial  = "initial"
	causeCommand  = "command"
	causeFinished = "finished"
	causeRetry    = "retry"
	causeSkip     = "skip"
)

// Diagnostic event kinds.
const (
	eventSourceUnavailable = "source_unavailable"
	eventPipelineCrashed   = "pipeline_crashed"
	eventTimeout           = "timeout"
	eventSkipped           = "skipped"
	eventFinished          = "finished"
)

// Artifacts answers whether a generation's output can be served.
type Artifacts interface {
	Ready(generation string) (bool, error)
}

// Recorder receives supervisor diagnostics. *metrics.Metrics satisfies it.
type Recorder interface {
	IncTransition(cause string)
	IncPipelineEvent(kind string)
	SetCurrent(index int, ready bool)
}

type noopRecorder struct{}

func (noopRecorder) IncTransition(string)    {}
func (noopRecorder) IncPipelineEvent(string) {}
func (noopRecorder) SetCurrent(int, bool)    {}

// SupervisorConfig tunes the state machine. Zero PollInterval and
// StartupTimeout take the defaults; zero RetryDelay restarts immediately.
type SupervisorConfig struct {
	// MaxRetries is how many times a failing index is restarted before it is skipped.
	MaxRetries int
	// PollInterval is the monitor tick; keep it sub-second.
	PollInterval time.Duration
	// StartupTimeout bounds how long a generation may stay loading.
	StartupTimeout time.Duration
	RetryDelay     time.Duration
	// RejectWhileBusy makes commands fail with ErrBusy while a transition is
	// pending or running. Otherwise the latest command wins.
	RejectWhileBusy bool
	Store           PositionStore
	Recorder        Recorder
	Logger          *slog.Logger
}

// snapshot is the immutable view Status reads.
type snapshot struct {
	state      State
	index      int
	generation string
}

// Supervisor drives the playlist: it keeps exactly one pipeline generation
// alive, restarts it on commands, natural completion and failure, and
// publishes a consistent status snapshot.
//
// All transitions run on the goroutine executing Run. Control only records the
// requested target under mu; Status never takes a lock.
type Supervisor struct {
	runner    pipeline.Runner
	artifacts Artifacts
	playlist  *Playlist
	cfg       SupervisorConfig
	log       *slog.Logger
	rec       Recorder

	mu      sync.Mutex
	cursor  *Cursor
	pending *int
	busy    bool
	stopped bool

	wake    chan struct{}
	snap    atomic.Pointer[snapshot]
	running atomic.Bool
	done    chan struct{}

	// Owned by the Run goroutine.
	handle       *pipeline.Handle
	loadingSince time.Time
	failures     int
	retry        *retryPlan
}

type retryPlan struct {
	at    time.Time
	move  func(*Cursor) int
	cause string
}

// NewSupervisor builds a supervisor positioned at the stored position, or at 1.
func NewSupervisor(runner pipeline.Runner, artifacts Artifacts, playlist *Playlist, cfg SupervisorConfig) (*Supervisor, error) {
	if runner == nil || artifacts == nil || playlist == nil {
		return nil, errors.New("orchestrator: runner, artifacts and playlist are required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	start := 1
	if cfg.Store != nil {
		pos, ok, err := cfg.Store.LoadPosition()
		switch {
		case err != nil:
			cfg.Logger.Warn("ignoring saved position", slog.String("error", err.Error()))
		case ok:
			start = resumeIndex(pos, playlist)
		}
	}
	cursor, err := NewCursor(playlist.Len(), start)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		runner:    runner,
		artifacts: artifacts,
		playlist:  playlist,
		cfg:       cfg,
		log:       cfg.Logger,
		rec:       cfg.Recorder,
		cursor:    cursor,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.publish(snapshot{state: StateInitializing, index: cursor.Current()})
	return s, nil
}

// Status returns the current snapshot without blocking.
func (s *Supervisor) Status() StreamStatus {
	snap := s.snap.Load()
	st := StreamStatus{
		Status:     ReadinessLoading,
		Video:      snap.index,
		Total:      s.playlist.Len(),
		Generation: snap.generation,
		State:      snap.state.String(),
	}
	if snap.state == StateReady {
		st.Status = ReadinessReady
	}
	return st
}

// Next selects the following entry.
func (s *Supervisor) Next() error { return s.Control(Command{Kind: CommandNext}) }

// Prev selects the preceding entry.
func (s *Supervisor) Prev() error { return s.Control(Command{Kind: CommandPrev}) }

// Skip selects the 1-based index n.
func (s *Supervisor) Skip(n int) error { return s.Control(Command{Kind: CommandSkip, Index: n}) }

// Control accepts a command and returns before the restart happens; callers
// poll Status for the outcome. Commands arriving while another is pending are
// applied on top of it, so several quick "next" calls collapse into a single
// restart at the final target.
func (s *Supervisor) Control(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	total := s.playlist.Len()
	if cmd.Kind == CommandSkip && (cmd.Index < 1 || cmd.Index > total) {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidIndex, cmd.Index, total)
	}
	if s.cfg.RejectWhileBusy && (s.busy || s.pending != nil) {
		return ErrBusy
	}

	base := s.cursor.Current()
	collapsed := s.pending != nil
	if collapsed {
		base = *s.pending
	}
	c := Cursor{index: base, total: total}
	switch cmd.Kind {
	case CommandNext:
		c.Advance()
	case CommandPrev:
		c.Retreat()
	case CommandSkip:
		if _, err := c.JumpTo(cmd.Index); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnknownCommand, cmd.Kind)
	}
	target := c.Current()
	s.pending = &target

	s.log.Info("command accepted",
		slog.String("command", cmd.String()),
		slog.Int("target", target),
		slog.Bool("collapsed", collapsed))
	s.signal()
	return nil
}

// Notify wakes the monitor early, e.g. when the output directory changes.
func (s *Supervisor) Notify() { s.signal() }

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Run starts the first pipeline and supervises until ctx is cancelled, then
// stops the active pipeline and returns. Output artifacts are left in place.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator: supervisor already running")
	}
	defer close(s.done)

	s.log.Info("supervisor starting",
		slog.Int("index", s.snap.Load().index),
		slog.Int("total", s.playlist.Len()),
		slog.Int("max_retries", s.cfg.MaxRetries))
	s.restart(ctx, (*Cursor).Current, causeInitial)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-s.wake:
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			continue
		}
		s.step(ctx)
	}
}

// step performs at most one transition.
func (s *Supervisor) step(ctx context.Context) {
	if target, ok := s.takePending(); ok {
		s.failures = 0
		s.retry = nil
		s.restart(ctx, func(c *Cursor) int {
			if _, err := c.JumpTo(target); err != nil {
				s.log.Error("pending target rejected, restarting current entry",
					slog.Int("target", target),
					slog.String("error", err.Error()))
			}
			return c.Current()
		}, causeCommand)
		return
	}

	if s.retry != nil {
		if time.Now().Before(s.retry.at) {
			return
		}
		plan := s.retry
		s.retry = nil
		s.restart(ctx, plan.move, plan.cause)
		return
	}

	if s.handle == nil {
		return
	}

	out := s.runner.Poll(s.handle)
	switch out.Kind {
	case pipeline.Running:
		s.checkReadiness()
	case pipeline.Finished:
		if s.snap.Load().state != StateReady {
			// Short media can finish between two ticks.
			if ok, _ := s.artifacts.Ready(s.handle.Generation); !ok {
				s.fail(fmt.Errorf("%w: exited before producing output", pipeline.ErrPipelineCrashed))
				return
			}
		}
		s.rec.IncPipelineEvent(eventFinished)
		s.log.Info("entry finished, advancing",
			slog.Int("index", s.handle.Index),
			slog.String("generation", s.handle.Generation))
		s.failures = 0
		s.restart(ctx, (*Cursor).Advance, causeFinished)
	case pipeline.Failed:
		s.fail(out.Err)
	case pipeline.Stopped:
		// Only the supervisor stops handles and it always replaces them.
		s.handle = nil
	}
}

func (s *Supervisor) takePending() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return 0, false
	}
	target := *s.pending
	s.pending = nil
	return target, true
}

func (s *Supervisor) checkReadiness() {
	snap := s.snap.Load()
	if snap.state == StateReady {
		return
	}
	h := s.handle

	ok, err := s.artifacts.Ready(h.Generation)
	if err != nil {
		s.log.Warn("readiness check failed",
			slog.Int("index", h.Index),
			slog.String("generation", h.Generation),
			slog.String("error", err.Error()))
	}
	if ok {
		s.failures = 0
		s.publish(snapshot{state: StateReady, index: h.Index, generation: h.Generation})
		s.log.Info("stream ready",
			slog.Int("index", h.Index),
			slog.String("generation", h.Generation),
			slog.Duration("startup", time.Since(s.loadingSince)))
		return
	}

	if time.Since(s.loadingSince) > s.cfg.StartupTimeout {
		s.stopHandle()
		s.fail(fmt.Errorf("%w: %w: no output after %s",
			pipeline.ErrPipelineCrashed, pipeline.ErrStartupTimeout, s.cfg.StartupTimeout))
	}
}

// fail records a failure of the current index and schedules either a retry of
// the same index or, past the retry bound, a skip to the next one.
func (s *Supervisor) fail(err error) {
	kind := eventPipelineCrashed
	if errors.Is(err, pipeline.ErrSourceUnavailable) {
		kind = eventSourceUnavailable
	}
	s.rec.IncPipelineEvent(kind)
	s.stopHandle()

	index := s.currentIndex()
	s.failures++

	attrs := []any{
		slog.Int("index", index),
		slog.String("kind", kind),
		slog.Int("attempt", s.failures),
		slog.Int("max_retries", s.cfg.MaxRetries),
		slog.String("error", errString(err)),
	}

	if s.failures <= s.cfg.MaxRetries {
		s.log.Warn("pipeline failed, retrying", attrs...)
		s.scheduleRetry((*Cursor).Current, causeRetry)
		return
	}

	s.log.Error("entry unplayable, skipping", attrs...)
	s.rec.IncPipelineEvent(eventSkipped)
	s.failures = 0
	s.scheduleRetry((*Cursor).Advance, causeSkip)
}

func (s *Supervisor) scheduleRetry(move func(*Cursor) int, cause string) {
	s.retry = &retryPlan{at: time.Now().Add(s.cfg.RetryDelay), move: move, cause: cause}
	s.publish(snapshot{state: StateLoading, index: s.currentIndex()})
	if s.cfg.RetryDelay == 0 {
		s.signal()
	}
}

// restart stops the current generation, moves the cursor and starts the next
// generation. Stop blocks until the old processes are gone, so two
// generations never write the output directory at once.
func (s *Supervisor) restart(ctx context.Context, move func(*Cursor) int, cause string) {
	s.mu.Lock()
	s.busy = true
	from := s.cursor.Current()
	to := move(s.cursor)
	s.mu.Unlock()
	defer s.setBusy(false)

	s.publish(snapshot{state: StateRestarting, index: to})
	s.stopHandle()

	if ctx.Err() != nil {
		return
	}

	entry := s.playlist.At(to)
	s.rec.IncTransition(cause)
	s.log.Info("starting entry",
		slog.Int("from", from),
		slog.Int("index", to),
		slog.Int("total", s.playlist.Len()),
		slog.String("entry", string(entry)),
		slog.String("cause", cause))

	h, err := s.runner.Start(ctx, to, string(entry))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(err)
		return
	}
	s.handle = h
	s.loadingSince = time.Now()
	s.publish(snapshot{state: StateLoading, index: to, generation: h.Generation})
	s.savePosition(to, entry, h.Generation)
}

func (s *Supervisor) stopHandle() {
	if s.handle == nil {
		return
	}
	h := s.handle
	s.handle = nil
	if err := s.runner.Stop(h); err != nil {
		if errors.Is(err, pipeline.ErrTimeout) {
			s.rec.IncPipelineEvent(eventTimeout)
			s.log.Warn("pipeline killed after grace period",
				slog.Int("index", h.Index),
				slog.String("generation", h.Generation))
			return
		}
		s.log.Error("stop pipeline failed",
			slog.Int("index", h.Index),
			slog.String("generation", h.Generation),
			slog.String("error", err.Error()))
	}
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	s.stopped = true
	s.pending = nil
	index := s.cursor.Current()
	s.mu.Unlock()

	s.log.Info("supervisor shutting down", slog.Int("index", index))
	s.stopHandle()
	s.retry = nil
	s.publish(snapshot{state: StateShutdown, index: index})
	s.log.Info("supervisor stopped")
}

func (s *Supervisor) savePosition(index int, entry Entry, generation string) {
	if s.cfg.Store == nil {
		return
	}
	err := s.cfg.Store.SavePosition(Position{
		Index:      index,
		Entry:      entry,
		Generation: generation,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("save position failed", slog.Int("index", index), slog.String("error", err.Error()))
	}
}

func (s *Supervisor) publish(snap snapshot) {
	s.snap.Store(&snap)
	s.rec.SetCurrent(snap.index, snap.state == StateReady)
}

func (s *Supervisor) currentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Current()
}

func (s *Supervisor) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
