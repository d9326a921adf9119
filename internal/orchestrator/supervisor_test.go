package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"hls-restreamer/internal/pipeline"
	"hls-restreamer/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeRunner records starts and lets tests decide how each generation ends.
type fakeRunner struct {
	mu        sync.Mutex
	starts    []int
	handles   []*pipeline.Handle
	outcomes  map[string]pipeline.Outcome
	alive     map[string]bool
	active    int
	maxActive int

	// failEntries makes generations of these entries fail right away.
	failEntries map[string]error
	// finishEntries makes generations of these entries finish right away.
	finishEntries map[string]bool
	startErr      error
	stopErr       error

	// artifacts receives the output of every generation that does not fail,
	// unless holdOutput is set and the test writes it itself.
	artifacts  *fakeArtifacts
	holdOutput bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes:      map[string]pipeline.Outcome{},
		alive:         map[string]bool{},
		failEntries:   map[string]error{},
		finishEntries: map[string]bool{},
	}
}

func (r *fakeRunner) Start(_ context.Context, index int, entry string) (*pipeline.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, index)
	if r.startErr != nil {
		return nil, r.startErr
	}
	h := pipeline.NewHandle(index, entry)
	r.handles = append(r.handles, h)

	switch {
	case r.failEntries[entry] != nil:
		r.outcomes[h.Generation] = pipeline.Outcome{Kind: pipeline.Failed, Err: r.failEntries[entry]}
	case r.finishEntries[entry]:
		r.outcomes[h.Generation] = pipeline.Outcome{Kind: pipeline.Finished}
		r.writeOutput(h)
	default:
		r.writeOutput(h)
		r.outcomes[h.Generation] = pipeline.Outcome{Kind: pipeline.Running}
		r.alive[h.Generation] = true
		r.active++
		if r.active > r.maxActive {
			r.maxActive = r.active
		}
	}
	return h, nil
}

func (r *fakeRunner) Stop(h *pipeline.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alive[h.Generation] {
		r.alive[h.Generation] = false
		r.active--
		r.outcomes[h.Generation] = pipeline.Outcome{Kind: pipeline.Stopped}
	}
	return r.stopErr
}

func (r *fakeRunner) Poll(h *pipeline.Handle) pipeline.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[h.Generation]
}

func (r *fakeRunner) writeOutput(h *pipeline.Handle) {
	if r.artifacts != nil && !r.holdOutput {
		r.artifacts.write(h.Generation)
	}
}

func (r *fakeRunner) latest() *pipeline.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) == 0 {
		return nil
	}
	return r.handles[len(r.handles)-1]
}

// complete ends the latest generation as if the media played out.
func (r *fakeRunner) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[len(r.handles)-1]
	if r.alive[h.Generation] {
		r.alive[h.Generation] = false
		r.active--
	}
	r.outcomes[h.Generation] = pipeline.Outcome{Kind: pipeline.Finished}
}

func (r *fakeRunner) startedIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.starts...)
}

func (r *fakeRunner) activeCount() (active, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.maxActive
}

// fakeArtifacts reports a generation ready once its output has been written,
// unless disabled.
type fakeArtifacts struct {
	mu       sync.Mutex
	written  map[string]bool
	disabled bool
	calls    int
}

func (a *fakeArtifacts) write(generation string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.written == nil {
		a.written = map[string]bool{}
	}
	a.written[generation] = true
}

func (a *fakeArtifacts) Ready(generation string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return !a.disabled && a.written[generation], nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	transitions map[string]int
	events      map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{transitions: map[string]int{}, events: map[string]int{}}
}

func (f *fakeRecorder) IncTransition(cause string) {
	f.mu.Lock()
	f.transitions[cause]++
	f.mu.Unlock()
}

func (f *fakeRecorder) IncPipelineEvent(kind string) {
	f.mu.Lock()
	f.events[kind]++
	f.mu.Unlock()
}

func (f *fakeRecorder) SetCurrent(int, bool) {}

func (f *fakeRecorder) event(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[kind]
}

func (f *fakeRecorder) transition(cause string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitions[cause]
}

type testEnv struct {
	sup       *Supervisor
	runner    *fakeRunner
	artifacts *fakeArtifacts
	rec       *fakeRecorder
	cancel    context.CancelFunc
}

func testPlaylist(t *testing.T) *Playlist {
	t.Helper()
	pl, err := NewPlaylist([]Entry{"A", "B", "C"})
	require.NoError(t, err)
	return pl
}

func newTestEnv(t *testing.T, cfg SupervisorConfig, setup func(*fakeRunner, *fakeArtifacts)) *testEnv {
	t.Helper()
	env := &testEnv{runner: newFakeRunner(), artifacts: &fakeArtifacts{}, rec: newFakeRecorder()}
	env.runner.artifacts = env.artifacts
	if setup != nil {
		setup(env.runner, env.artifacts)
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	cfg.Recorder = env.rec
	cfg.Logger = logger.Discard()

	sup, err := NewSupervisor(env.runner, env.artifacts, testPlaylist(t), cfg)
	require.NoError(t, err)
	env.sup = sup
	return env
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go func() { _ = e.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.sup.Done()
	})
}

func (e *testEnv) waitReady(t *testing.T, video int) StreamStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		st := e.sup.Status()
		return st.Status == ReadinessReady && st.Video == video
	}, waitFor, time.Millisecond, "video %d never became ready", video)
	return e.sup.Status()
}

func TestNewSupervisor_requires_dependencies(t *testing.T) {
	_, err := NewSupervisor(nil, &fakeArtifacts{}, testPlaylist(t), SupervisorConfig{})
	assert.Error(t, err)
	_, err = NewSupervisor(newFakeRunner(), nil, testPlaylist(t), SupervisorConfig{})
	assert.Error(t, err)
	_, err = NewSupervisor(newFakeRunner(), &fakeArtifacts{}, nil, SupervisorConfig{})
	assert.Error(t, err)
}

func TestSupervisor_initial_status(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)

	st := env.sup.Status()
	assert.Equal(t, ReadinessLoading, st.Status)
	assert.Equal(t, 1, st.Video)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, "initializing", st.State)
	assert.Empty(t, st.Generation)
}

func TestSupervisor_commands_walk_playlist(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)

	first := env.waitReady(t, 1)
	assert.NotEmpty(t, first.Generation)
	assert.Equal(t, "ready", first.State)

	require.NoError(t, env.sup.Next())
	second := env.waitReady(t, 2)
	assert.NotEqual(t, first.Generation, second.Generation)

	require.NoError(t, env.sup.Skip(3))
	env.waitReady(t, 3)

	require.NoError(t, env.sup.Next())
	env.waitReady(t, 1)

	require.NoError(t, env.sup.Prev())
	env.waitReady(t, 3)

	assert.Equal(t, []int{1, 2, 3, 1, 3}, env.runner.startedIndices())
	assert.Equal(t, 4, env.rec.transition(causeCommand))
}

func TestSupervisor_skip_to_current_restarts(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)

	before := env.waitReady(t, 1)
	require.NoError(t, env.sup.Skip(1))

	require.Eventually(t, func() bool {
		st := env.sup.Status()
		return st.Status == ReadinessReady && st.Generation != before.Generation
	}, waitFor, time.Millisecond)
	assert.Equal(t, []int{1, 1}, env.runner.startedIndices())
}

func TestSupervisor_advances_when_finished(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)

	env.waitReady(t, 1)
	require.NoError(t, env.sup.Skip(3))
	env.waitReady(t, 3)

	env.runner.complete()
	env.waitReady(t, 1)

	assert.Equal(t, 1, env.rec.transition(causeFinished))
	assert.Equal(t, 1, env.rec.event(eventFinished))
}

func TestSupervisor_retries_then_skips(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{MaxRetries: 2}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.failEntries["A"] = pipeline.ErrSourceUnavailable
	})
	env.run(t)

	env.waitReady(t, 2)

	assert.Equal(t, []int{1, 1, 1, 2}, env.runner.startedIndices())
	assert.Equal(t, 3, env.rec.event(eventSourceUnavailable))
	assert.Equal(t, 1, env.rec.event(eventSkipped))
	assert.Equal(t, 2, env.rec.transition(causeRetry))
	assert.Equal(t, 1, env.rec.transition(causeSkip))
}

func TestSupervisor_zero_retries_skips_immediately(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.failEntries["A"] = pipeline.ErrPipelineCrashed
	})
	env.run(t)

	env.waitReady(t, 2)
	assert.Equal(t, []int{1, 2}, env.runner.startedIndices())
	assert.Equal(t, 1, env.rec.event(eventPipelineCrashed))
}

func TestSupervisor_retry_delay_reports_loading(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{MaxRetries: 1, RetryDelay: time.Hour}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.failEntries["A"] = pipeline.ErrSourceUnavailable
	})
	env.run(t)

	require.Eventually(t, func() bool {
		return env.rec.event(eventSourceUnavailable) == 1 && env.sup.Status().State == "loading" &&
			env.sup.Status().Generation == ""
	}, waitFor, time.Millisecond)

	st := env.sup.Status()
	assert.Equal(t, ReadinessLoading, st.Status)
	assert.Equal(t, 1, st.Video)
	assert.Empty(t, st.Generation)
	assert.Equal(t, []int{1}, env.runner.startedIndices())

	// A command overrides the pending retry.
	require.NoError(t, env.sup.Skip(3))
	env.waitReady(t, 3)
}

func TestSupervisor_finished_without_output_is_failure(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, func(r *fakeRunner, a *fakeArtifacts) {
		r.finishEntries["A"] = true
		a.disabled = true
	})
	env.run(t)

	require.Eventually(t, func() bool {
		return len(env.runner.startedIndices()) >= 2
	}, waitFor, time.Millisecond)

	assert.Equal(t, []int{1, 2}, env.runner.startedIndices()[:2])
	assert.Equal(t, 1, env.rec.event(eventPipelineCrashed))
	assert.Zero(t, env.rec.event(eventFinished))
}

func TestSupervisor_startup_timeout(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{StartupTimeout: 20 * time.Millisecond}, func(_ *fakeRunner, a *fakeArtifacts) {
		a.disabled = true
	})
	env.run(t)

	require.Eventually(t, func() bool {
		idx := env.runner.startedIndices()
		return len(idx) >= 2 && idx[1] == 2
	}, waitFor, time.Millisecond)

	assert.GreaterOrEqual(t, env.rec.event(eventPipelineCrashed), 1)
	active, max := env.runner.activeCount()
	assert.LessOrEqual(t, active, 1)
	assert.Equal(t, 1, max)
}

func TestSupervisor_start_error_counts_as_failure(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{RetryDelay: time.Hour}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.startErr = pipeline.ErrSourceUnavailable
	})
	env.run(t)

	require.Eventually(t, func() bool {
		return env.rec.event(eventSkipped) == 1 && env.sup.Status().State == "loading"
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1, env.rec.event(eventSourceUnavailable))
	assert.Equal(t, []int{1}, env.runner.startedIndices())
}

func TestSupervisor_stop_timeout_still_restarts(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.stopErr = pipeline.ErrTimeout
	})
	env.run(t)

	env.waitReady(t, 1)
	require.NoError(t, env.sup.Next())
	env.waitReady(t, 2)

	assert.GreaterOrEqual(t, env.rec.event(eventTimeout), 1)
}

func TestSupervisor_ready_only_for_latest_generation(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, func(r *fakeRunner, _ *fakeArtifacts) {
		r.holdOutput = true
	})
	env.run(t)

	require.Eventually(t, func() bool { return env.runner.latest() != nil }, waitFor, time.Millisecond)
	first := env.runner.latest()
	env.artifacts.write(first.Generation)
	st := env.waitReady(t, 1)
	assert.Equal(t, first.Generation, st.Generation)

	require.NoError(t, env.sup.Next())
	require.Eventually(t, func() bool { return env.runner.latest() != first }, waitFor, time.Millisecond)
	second := env.runner.latest()

	// The first generation's output is still on record; it must not make
	// the second one look ready.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		st := env.sup.Status()
		assert.NotEqual(t, ReadinessReady, st.Status, "ready before generation %s wrote output", second.Generation)
		time.Sleep(time.Millisecond)
	}

	env.artifacts.write(second.Generation)
	st = env.waitReady(t, 2)
	assert.Equal(t, second.Generation, st.Generation)
	assert.Equal(t, second.Generation, env.runner.latest().Generation)
}

func TestSupervisor_never_runs_two_generations(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)
	env.waitReady(t, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if (i+j)%2 == 0 {
					_ = env.sup.Next()
				} else {
					_ = env.sup.Prev()
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return env.sup.Status().Status == ReadinessReady
	}, waitFor, time.Millisecond)

	active, max := env.runner.activeCount()
	assert.LessOrEqual(t, active, 1)
	assert.Equal(t, 1, max)
}

func TestSupervisor_commands_collapse_to_latest(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)

	// Queued before the loop runs, so both apply to the same pending target.
	require.NoError(t, env.sup.Next())
	require.NoError(t, env.sup.Next())

	env.run(t)
	env.waitReady(t, 3)

	assert.Equal(t, []int{1, 3}, env.runner.startedIndices())
}

func TestSupervisor_reject_while_busy(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{RejectWhileBusy: true}, nil)

	require.NoError(t, env.sup.Next())
	assert.ErrorIs(t, env.sup.Next(), ErrBusy)
	assert.ErrorIs(t, env.sup.Skip(3), ErrBusy)

	env.run(t)
	env.waitReady(t, 2)

	require.NoError(t, env.sup.Skip(3))
	env.waitReady(t, 3)
}

// lockedBuffer collects log output written from the Run goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSupervisor_out_of_range_pending_target_is_logged(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	var logs lockedBuffer
	env.sup.log = slog.New(slog.NewTextHandler(&logs, nil))
	target := 9
	env.sup.pending = &target

	env.run(t)
	require.Eventually(t, func() bool {
		return len(env.runner.startedIndices()) == 2
	}, waitFor, time.Millisecond)
	env.waitReady(t, 1)

	assert.Equal(t, []int{1, 1}, env.runner.startedIndices())
	assert.Contains(t, logs.String(), "pending target rejected")
	assert.Contains(t, logs.String(), "target=9")
}

func TestSupervisor_invalid_index_changes_nothing(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{RejectWhileBusy: true}, nil)
	env.run(t)
	before := env.waitReady(t, 1)

	for _, n := range []int{0, -1, 4, 100} {
		err := env.sup.Skip(n)
		assert.ErrorIs(t, err, ErrInvalidIndex, "skip(%d)", n)
	}

	// A pending command would make this fail with ErrBusy.
	require.NoError(t, env.sup.Next())
	env.waitReady(t, 2)

	assert.Equal(t, []int{1, 2}, env.runner.startedIndices())
	assert.NotEqual(t, before.Generation, env.sup.Status().Generation)
}

func TestSupervisor_shutdown(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)
	env.waitReady(t, 1)

	env.cancel()
	select {
	case <-env.sup.Done():
	case <-time.After(waitFor):
		t.Fatal("supervisor did not stop")
	}

	st := env.sup.Status()
	assert.Equal(t, "shutdown", st.State)
	assert.Equal(t, ReadinessLoading, st.Status)
	assert.ErrorIs(t, env.sup.Next(), ErrStopped)
	assert.ErrorIs(t, env.sup.Skip(2), ErrStopped)

	active, _ := env.runner.activeCount()
	assert.Zero(t, active)
}

func TestSupervisor_run_twice(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{}, nil)
	env.run(t)
	env.waitReady(t, 1)

	err := env.sup.Run(context.Background())
	assert.Error(t, err)
}

func TestSupervisor_resumes_from_store(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.SavePosition(Position{Index: 1, Entry: "C"}))

	env := newTestEnv(t, SupervisorConfig{Store: store}, nil)
	assert.Equal(t, 3, env.sup.Status().Video)

	env.run(t)
	st := env.waitReady(t, 3)

	pos, ok, err := store.LoadPosition()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, pos.Index)
	assert.Equal(t, Entry("C"), pos.Entry)
	assert.Equal(t, st.Generation, pos.Generation)
}

type brokenStore struct{}

func (brokenStore) LoadPosition() (Position, bool, error) {
	return Position{}, false, errors.New("corrupt")
}
func (brokenStore) SavePosition(Position) error { return errors.New("read-only") }

func TestSupervisor_store_errors_are_not_fatal(t *testing.T) {
	env := newTestEnv(t, SupervisorConfig{Store: brokenStore{}}, nil)
	env.run(t)
	env.waitReady(t, 1)
}
