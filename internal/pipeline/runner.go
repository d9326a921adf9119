package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultGracePeriod bounds graceful termination when Config leaves it unset.
const DefaultGracePeriod = 5 * time.Second

// Runner owns the lifecycle of the process chain for one entry at a time.
// Callers must Stop the previous handle before starting the next one.
type Runner interface {
	// Start clears the previous generation's artifacts and launches the chain.
	Start(ctx context.Context, index int, entry string) (*Handle, error)
	// Stop terminates the chain gracefully, killing it after the grace period.
	// It returns ErrTimeout when the kill was needed. Stopping twice is a no-op.
	Stop(h *Handle) error
	// Poll classifies the chain without blocking.
	Poll(h *Handle) Outcome
}

// Command is an executable and its argument template. Arguments may contain
// {placeholders}; see ProcessRunner.
type Command struct {
	Path string
	Args []string
}

// Config configures a ProcessRunner.
type Config struct {
	Output    *OutputDir
	Retrieval Command
	Segmenter Command
	// Vars are substituted into argument templates, e.g. "format" -> "best".
	Vars        map[string]string
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// ProcessRunner pipes the retrieval tool's stdout into the segmenting tool's
// stdin, so segments appear while the source is still downloading.
//
// Argument templates may use {entry}, {generation}, {output_dir}, {manifest},
// {segment_pattern} and any key of Config.Vars.
type ProcessRunner struct {
	out       *OutputDir
	retrieval Command
	segmenter Command
	vars      map[string]string
	grace     time.Duration
	log       *slog.Logger
}

// NewProcessRunner validates cfg and returns a runner.
func NewProcessRunner(cfg Config) (*ProcessRunner, error) {
	if cfg.Output == nil {
		return nil, fmt.Errorf("pipeline: output dir is required")
	}
	if cfg.Retrieval.Path == "" || cfg.Segmenter.Path == "" {
		return nil, fmt.Errorf("pipeline: retrieval and segmenter commands are required")
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ProcessRunner{
		out:       cfg.Output,
		retrieval: cfg.Retrieval,
		segmenter: cfg.Segmenter,
		vars:      cfg.Vars,
		grace:     grace,
		log:       log,
	}, nil
}

// chain is the pair of processes behind a Handle.
type chain struct {
	retrieval *exec.Cmd
	segmenter *exec.Cmd

	retrievalTail *tailBuffer
	segmenterTail *tailBuffer

	retrievalDone chan struct{}
	segmenterDone chan struct{}
	retrievalErr  error
	segmenterErr  error

	// retrievalFirst is set when retrieval had already exited by the time the
	// segmenter did, which makes it the root cause of any failure.
	retrievalFirst bool
	// reaped is set when the retrieval step outlived the segmenter and had to
	// be killed; its exit status is then meaningless.
	reaped   atomic.Bool
	stopping atomic.Bool
}

func (r *ProcessRunner) expand(args []string, h *Handle) []string {
	pairs := []string{
		"{entry}", h.Entry,
		"{generation}", h.Generation,
		"{output_dir}", r.out.Path(),
		"{manifest}", r.out.ManifestPath(),
		"{segment_pattern}", r.out.SegmentPath(),
	}
	for k, v := range r.vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	rep := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rep.Replace(a)
	}
	return out
}

// Start implements Runner.Start.
func (r *ProcessRunner) Start(ctx context.Context, index int, entry string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := NewHandle(index, entry)
	if err := r.out.Reset(h.Generation); err != nil {
		return nil, fmt.Errorf("reset output: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}

	c := &chain{
		retrievalTail: &tailBuffer{},
		segmenterTail: &tailBuffer{},
		retrievalDone: make(chan struct{}),
		segmenterDone: make(chan struct{}),
	}

	c.segmenter = exec.Command(r.segmenter.Path, r.expand(r.segmenter.Args, h)...) // #nosec G204
	c.segmenter.Dir = r.out.Path()
	c.segmenter.Stdin = pr
	c.segmenter.Stderr = c.segmenterTail
	c.segmenter.WaitDelay = r.grace
	setProcessGroup(c.segmenter)

	c.retrieval = exec.Command(r.retrieval.Path, r.expand(r.retrieval.Args, h)...) // #nosec G204
	c.retrieval.Stdout = pw
	c.retrieval.Stderr = c.retrievalTail
	c.retrieval.WaitDelay = r.grace
	setProcessGroup(c.retrieval)

	if err := c.segmenter.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrPipelineCrashed, r.segmenter.Path, err)
	}
	if err := c.retrieval.Start(); err != nil {
		pr.Close()
		pw.Close()
		_ = killGroup(c.segmenter)
		_ = c.segmenter.Wait()
		return nil, fmt.Errorf("%w: start %s: %v", ErrSourceUnavailable, r.retrieval.Path, err)
	}
	// The children hold their own copies; the segmenter sees EOF only once
	// every write end is closed.
	pr.Close()
	pw.Close()

	h.chain = c
	h.setRunning()

	r.log.Info("pipeline started",
		slog.Int("index", index),
		slog.String("entry", entry),
		slog.String("generation", h.Generation),
		slog.Int("retrieval_pid", c.retrieval.Process.Pid),
		slog.Int("segmenter_pid", c.segmenter.Process.Pid))

	go r.monitor(h, c)
	return h, nil
}

func (r *ProcessRunner) monitor(h *Handle, c *chain) {
	go func() {
		c.retrievalErr = c.retrieval.Wait()
		close(c.retrievalDone)
	}()
	go func() {
		c.segmenterErr = c.segmenter.Wait()
		close(c.segmenterDone)
	}()

	<-c.segmenterDone
	select {
	case <-c.retrievalDone:
		c.retrievalFirst = true
	default:
	}

	timer := time.NewTimer(r.grace)
	select {
	case <-c.retrievalDone:
	case <-timer.C:
		c.reaped.Store(true)
		_ = killGroup(c.retrieval)
		<-c.retrievalDone
	}
	timer.Stop()

	r.sweep(c)

	state, err := r.classify(h, c)
	h.finish(state, err)

	attrs := []any{
		slog.Int("index", h.Index),
		slog.String("generation", h.Generation),
		slog.String("state", state.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	r.log.Info("pipeline exited", attrs...)
}

// sweep kills helpers left behind in either process group and waits, bounded
// by the grace period, until neither group has a live member.
func (r *ProcessRunner) sweep(c *chain) {
	_ = killGroup(c.retrieval)
	_ = killGroup(c.segmenter)
	deadline := time.Now().Add(r.grace)
	for (groupAlive(c.retrieval) || groupAlive(c.segmenter)) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

func (r *ProcessRunner) classify(h *Handle, c *chain) (HandleState, error) {
	if c.stopping.Load() {
		return StateTerminated, nil
	}
	sourceErr := func() error {
		return fmt.Errorf("%w: entry %q: %s: %v%s",
			ErrSourceUnavailable, h.Entry, r.retrieval.Path, c.retrievalErr, detail(c.retrievalTail))
	}
	retrievalFailed := c.retrievalErr != nil && !c.reaped.Load()
	if retrievalFailed && c.retrievalFirst {
		return StateFailed, sourceErr()
	}
	if c.segmenterErr != nil {
		return StateFailed, fmt.Errorf("%w: entry %q: %s: %v%s",
			ErrPipelineCrashed, h.Entry, r.segmenter.Path, c.segmenterErr, detail(c.segmenterTail))
	}
	if retrievalFailed {
		return StateFailed, sourceErr()
	}
	return StateFinished, nil
}

func detail(t *tailBuffer) string {
	if s := t.Lines(3); s != "" {
		return ": " + s
	}
	return ""
}

// Stop implements Runner.Stop.
func (r *ProcessRunner) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		h.stopErr = r.stop(h)
	})
	return h.stopErr
}

func (r *ProcessRunner) stop(h *Handle) error {
	c := h.chain
	if c == nil {
		h.finish(StateTerminated, nil)
		return nil
	}
	if h.State().Terminal() {
		return nil
	}

	c.stopping.Store(true)
	_ = terminateGroup(c.segmenter)
	_ = terminateGroup(c.retrieval)

	// The outcome depends on the two leaders only. Leftover helpers are the
	// sweep's job, and h.Done waits for it.
	timer := time.NewTimer(r.grace)
	defer timer.Stop()
	if waitClosed(timer.C, c.segmenterDone, c.retrievalDone) {
		<-h.Done()
		r.log.Info("pipeline stopped", slog.Int("index", h.Index), slog.String("generation", h.Generation))
		return nil
	}

	r.log.Warn("pipeline ignored termination, killing",
		slog.Int("index", h.Index),
		slog.String("generation", h.Generation),
		slog.Duration("grace_period", r.grace))
	_ = killGroup(c.segmenter)
	_ = killGroup(c.retrieval)
	<-h.Done()
	return fmt.Errorf("%w: generation %s", ErrTimeout, h.Generation)
}

// waitClosed waits for every channel in chs to close and reports false if
// timeout fires first.
func waitClosed(timeout <-chan time.Time, chs ...<-chan struct{}) bool {
	for _, ch := range chs {
		select {
		case <-ch:
		case <-timeout:
			return false
		}
	}
	return true
}

// Poll implements Runner.Poll.
func (r *ProcessRunner) Poll(h *Handle) Outcome {
	return OutcomeOf(h)
}
