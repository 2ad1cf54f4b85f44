package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forgelab/agentforge/internal/fallback"
	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

type fakeStep struct {
	name string
	runs int32
	fn   func(ctx context.Context, sc *step.Context) (*step.Result, error)
}

func (f *fakeStep) Name() string { return f.name }

func (f *fakeStep) Run(ctx context.Context, sc *step.Context) (*step.Result, error) {
	atomic.AddInt32(&f.runs, 1)
	if f.fn != nil {
		return f.fn(ctx, sc)
	}
	return &step.Result{
		Output:  map[string]interface{}{f.name + "_done": true},
		Message: f.name + " finished",
	}, nil
}

func (f *fakeStep) runCount() int32 { return atomic.LoadInt32(&f.runs) }

type fakeResolver struct {
	resolution *fallback.Resolution
	err        error
	calls      int32
}

func (r *fakeResolver) Resolve(ctx context.Context, req fallback.Request) (*fallback.Resolution, error) {
	atomic.AddInt32(&r.calls, 1)
	return r.resolution, r.err
}

func newTask(s *task.Store, id string, steps []step.Runner) {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Name()
	}
	s.Create(task.CreateParams{
		ID:           id,
		Instructions: "build a question answering agent from this document",
		Document:     task.Document{Name: "doc.txt", Path: "/tmp/doc.txt"},
		Steps:        names,
	})
}

func joinEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("pipelines did not finish: %v", err)
	}
}

func hasLog(v task.View, level, substr string) bool {
	for _, l := range v.Logs {
		if l.Level == level && strings.Contains(l.Message, substr) {
			return true
		}
	}
	return false
}

func TestEngineHappyPath(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	var views []task.View
	store.OnCommit(func(v task.View) { views = append(views, v) })

	alpha := &fakeStep{name: "alpha"}
	beta := &fakeStep{name: "beta"}
	e := NewEngine(store, []step.Runner{alpha, beta}, nil, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{alpha, beta})
	if _, err := e.Start("t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusComplete {
		t.Fatalf("expected complete, got %s (error %q)", v.Status, v.Error)
	}
	if v.CurrentStep != "" {
		t.Errorf("terminal view should have no current step, got %q", v.CurrentStep)
	}
	if len(v.StepsCompleted) != 2 || v.StepsCompleted[0] != "alpha" || v.StepsCompleted[1] != "beta" {
		t.Errorf("unexpected completed sequence: %v", v.StepsCompleted)
	}
	if v.Progress.Percentage != 100 {
		t.Errorf("expected 100%%, got %d", v.Progress.Percentage)
	}
	if v.AgentConfig["alpha_done"] != true || v.AgentConfig["beta_done"] != true {
		t.Errorf("step outputs not merged: %v", v.AgentConfig)
	}
	if !hasLog(v, task.LevelSuccess, "all steps completed") {
		t.Errorf("missing completion log: %v", v.Logs)
	}

	// Transition sequence: created, 2x(started+done), complete.
	if len(views) != 6 {
		t.Fatalf("expected 6 commits, got %d", len(views))
	}
	if views[0].Status != task.StatusPending || views[5].Status != task.StatusComplete {
		t.Errorf("unexpected first/last transitions: %s / %s", views[0].Status, views[5].Status)
	}
	if views[1].CurrentStep != "alpha" || views[3].CurrentStep != "beta" {
		t.Errorf("step starts out of order: %q, %q", views[1].CurrentStep, views[3].CurrentStep)
	}
}

func TestEngineStartIdempotent(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	gate := make(chan struct{})
	slow := &fakeStep{name: "slow", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		<-gate
		return &step.Result{}, nil
	}}
	e := NewEngine(store, []step.Runner{slow}, nil, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{slow})
	e.Start("t1")
	if _, err := e.Start("t1"); err != nil {
		t.Fatalf("duplicate start errored: %v", err)
	}
	close(gate)
	joinEngine(t, e)

	if n := slow.runCount(); n != 1 {
		t.Errorf("duplicate start ran the pipeline %d times", n)
	}

	// Starting a finished task reports its view without running anything.
	v, err := e.Start("t1")
	if err != nil {
		t.Fatalf("start after completion: %v", err)
	}
	if v.Status != task.StatusComplete {
		t.Errorf("expected complete view, got %s", v.Status)
	}
	joinEngine(t, e)
	if n := slow.runCount(); n != 1 {
		t.Errorf("restart ran a completed task, %d runs", n)
	}

	if _, err := e.Start("missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestEngineFailureWithoutResolver(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	bad := &fakeStep{name: "bad", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		return nil, errors.New("permission denied")
	}}
	after := &fakeStep{name: "after"}
	e := NewEngine(store, []step.Runner{bad, after}, nil, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{bad, after})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", v.Status)
	}
	if v.Error != "permission denied" {
		t.Errorf("expected failure cause, got %q", v.Error)
	}
	if len(v.StepsCompleted) != 0 {
		t.Errorf("failed step should not complete: %v", v.StepsCompleted)
	}
	if after.runCount() != 0 {
		t.Error("pipeline continued past a failed step")
	}
	if !hasLog(v, task.LevelError, "step failed") {
		t.Errorf("missing failure log: %v", v.Logs)
	}
}

func TestEngineRetryRecovery(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	var attempts int32
	flaky := &fakeStep{name: "flaky", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("timeout talking to parser")
		}
		return &step.Result{Output: map[string]interface{}{"ok": true}}, nil
	}}
	// The real advisor classifies "timeout" as transient and retries.
	e := NewEngine(store, []step.Runner{flaky}, fallback.NewAdvisor(zap.NewNop()), Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{flaky})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusComplete {
		t.Fatalf("expected recovery to complete, got %s (error %q)", v.Status, v.Error)
	}
	if v.Error != "" {
		t.Errorf("error should clear on recovery, got %q", v.Error)
	}
	if flaky.runCount() != 2 {
		t.Errorf("expected initial run plus one retry, got %d", flaky.runCount())
	}
	if !hasLog(v, task.LevelSuccess, "step recovered after retry") {
		t.Errorf("missing recovery log: %v", v.Logs)
	}
}

func TestEngineRetryFailsAgain(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	bad := &fakeStep{name: "bad", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		return nil, errors.New("timeout reaching index")
	}}
	resolver := &fakeResolver{resolution: &fallback.Resolution{Recovered: true, Action: fallback.ActionRetry}}
	e := NewEngine(store, []step.Runner{bad}, resolver, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{bad})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusFailed {
		t.Fatalf("expected failed after second attempt, got %s", v.Status)
	}
	if bad.runCount() != 2 {
		t.Errorf("expected exactly one retry, got %d runs", bad.runCount())
	}
	if atomic.LoadInt32(&resolver.calls) != 1 {
		t.Errorf("expected one fallback consult per failed step, got %d", resolver.calls)
	}
}

func TestEngineSkipResolution(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	bad := &fakeStep{name: "bad", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		return nil, errors.New("parser crashed")
	}}
	after := &fakeStep{name: "after"}
	resolver := &fakeResolver{resolution: &fallback.Resolution{
		Recovered: true,
		Action:    fallback.ActionSkip,
		Result: &step.Result{
			Output:  map[string]interface{}{"substitute": "default"},
			Message: "substituted default output",
		},
	}}
	e := NewEngine(store, []step.Runner{bad, after}, resolver, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{bad, after})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusComplete {
		t.Fatalf("expected complete, got %s (error %q)", v.Status, v.Error)
	}
	if v.AgentConfig["substitute"] != "default" {
		t.Errorf("fallback output not merged: %v", v.AgentConfig)
	}
	if len(v.StepsCompleted) != 2 {
		t.Errorf("skipped step should count as completed: %v", v.StepsCompleted)
	}
	if bad.runCount() != 1 {
		t.Errorf("skip resolution must not re-run the step, got %d runs", bad.runCount())
	}
	if !hasLog(v, task.LevelSuccess, "step satisfied by fallback") {
		t.Errorf("missing fallback log: %v", v.Logs)
	}
}

func TestEngineUnrecoveredFailureKeepsGuidance(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	bad := &fakeStep{name: "bad", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		return nil, errors.New("permission denied on upload")
	}}
	e := NewEngine(store, []step.Runner{bad}, fallback.NewAdvisor(zap.NewNop()), Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{bad})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusFailed {
		t.Fatalf("expected failed, got %s", v.Status)
	}
	if !hasLog(v, task.LevelInfo, "suggestions:") {
		t.Errorf("suggestions not folded into logs: %v", v.Logs)
	}
	if !hasLog(v, task.LevelError, "permission failure") {
		t.Errorf("analysis not folded into logs: %v", v.Logs)
	}
}

func TestEngineStepTimeout(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	stuck := &fakeStep{name: "stuck", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		time.Sleep(2 * time.Second)
		return &step.Result{}, nil
	}}
	e := NewEngine(store, []step.Runner{stuck}, nil, Timeouts{Step: 30 * time.Millisecond}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{stuck})
	e.Start("t1")
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusFailed {
		t.Fatalf("expected timeout to fail the task, got %s", v.Status)
	}
	if !strings.Contains(v.Error, "timeout after") {
		t.Errorf("expected timeout cause, got %q", v.Error)
	}
}

func TestEngineCancelUnclaimed(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	e := NewEngine(store, []step.Runner{&fakeStep{name: "s"}}, nil, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{&fakeStep{name: "s"}})
	v, err := e.Cancel("t1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if v.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", v.Status)
	}

	// Cancelling a terminal task reports the view unchanged.
	v, err = e.Cancel("t1")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if v.Status != task.StatusCancelled {
		t.Errorf("terminal cancel changed status: %s", v.Status)
	}

	if _, err := e.Cancel("missing"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestEngineCancelAtStepBoundary(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	first := &fakeStep{name: "first", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		started <- struct{}{}
		<-gate
		return &step.Result{Output: map[string]interface{}{"first_done": true}}, nil
	}}
	second := &fakeStep{name: "second"}
	e := NewEngine(store, []step.Runner{first, second}, nil, Timeouts{}, 2, zap.NewNop())

	newTask(store, "t1", []step.Runner{first, second})
	e.Start("t1")
	<-started

	// Cancel mid-step: the in-flight step finishes, the next never starts.
	if _, err := e.Cancel("t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(gate)
	joinEngine(t, e)

	v, _ := store.Get("t1")
	if v.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", v.Status)
	}
	if len(v.StepsCompleted) != 1 || v.StepsCompleted[0] != "first" {
		t.Errorf("in-flight step should commit before cancellation: %v", v.StepsCompleted)
	}
	if second.runCount() != 0 {
		t.Error("cancelled pipeline ran the next step")
	}
}

func TestEnginePoolBound(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	var active, peak int32
	gate := make(chan struct{})
	busy := &fakeStep{name: "busy", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&active, -1)
		return &step.Result{}, nil
	}}
	e := NewEngine(store, []step.Runner{busy}, nil, Timeouts{}, 2, zap.NewNop())

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		newTask(store, id, []step.Runner{busy})
		e.Start(id)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	joinEngine(t, e)

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("pool of 2 allowed %d concurrent pipelines", p)
	}
	for i := 0; i < 5; i++ {
		v, _ := store.Get(fmt.Sprintf("t%d", i))
		if v.Status != task.StatusComplete {
			t.Errorf("task t%d ended %s", i, v.Status)
		}
	}
}

func TestEngineCancelWhileQueued(t *testing.T) {
	store := task.NewStore(zap.NewNop())
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	busy := &fakeStep{name: "busy", fn: func(ctx context.Context, sc *step.Context) (*step.Result, error) {
		started <- struct{}{}
		<-gate
		return &step.Result{}, nil
	}}
	e := NewEngine(store, []step.Runner{busy}, nil, Timeouts{}, 1, zap.NewNop())

	// Fill the single slot, then queue another task behind it.
	newTask(store, "hog", []step.Runner{busy})
	e.Start("hog")
	<-started
	newTask(store, "queued", []step.Runner{busy})
	e.Start("queued")
	time.Sleep(20 * time.Millisecond)

	if _, err := e.Cancel("queued"); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	close(gate)
	joinEngine(t, e)

	v, _ := store.Get("queued")
	if v.Status != task.StatusCancelled {
		t.Errorf("queued task should cancel without running, got %s", v.Status)
	}
	if busy.runCount() != 1 {
		t.Errorf("queued task ran despite cancellation, %d runs", busy.runCount())
	}
	hog, _ := store.Get("hog")
	if hog.Status != task.StatusComplete {
		t.Errorf("slot holder should finish, got %s", hog.Status)
	}
}
