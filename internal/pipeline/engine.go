// Package pipeline drives task records through the ordered step list. Each
// task runs as its own goroutine through a bounded pool; within a task, steps
// execute strictly sequentially and every transition is committed to the
// store before the next step starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forgelab/agentforge/internal/fallback"
	"github.com/forgelab/agentforge/internal/step"
	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

// Timeouts bound each unit of pipeline work. Exceeding a bound is that
// unit's failure, not a system error.
type Timeouts struct {
	Step     time.Duration
	Fallback time.Duration
}

// Engine executes pipelines for submitted tasks.
type Engine struct {
	store    *task.Store
	steps    []step.Runner
	resolver fallback.Resolver
	timeouts Timeouts
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]*runState
	pool    chan struct{} // semaphore-based pool
	wg      sync.WaitGroup
}

// runState tracks one claimed task. The cancel channel is closed at most
// once; the run loop checks it at step boundaries only.
type runState struct {
	cancel chan struct{}
	once   sync.Once
}

func (rs *runState) signalCancel() {
	rs.once.Do(func() { close(rs.cancel) })
}

func (rs *runState) cancelled() bool {
	select {
	case <-rs.cancel:
		return true
	default:
		return false
	}
}

// NewEngine creates an engine with a bounded worker pool. A nil resolver
// disables fallback: failed steps go straight to the failed state.
func NewEngine(store *task.Store, steps []step.Runner, resolver fallback.Resolver, timeouts Timeouts, poolSize int, logger *zap.Logger) *Engine {
	if poolSize <= 0 {
		poolSize = 10
	}
	if timeouts.Step <= 0 {
		timeouts.Step = 120 * time.Second
	}
	if timeouts.Fallback <= 0 {
		timeouts.Fallback = 30 * time.Second
	}
	return &Engine{
		store:    store,
		steps:    steps,
		resolver: resolver,
		timeouts: timeouts,
		logger:   logger,
		running:  make(map[string]*runState),
		pool:     make(chan struct{}, poolSize),
	}
}

// StepNames returns the configured step order.
func (e *Engine) StepNames() []string {
	names := make([]string, len(e.steps))
	for i, s := range e.steps {
		names[i] = s.Name()
	}
	return names
}

// Running returns the ids of tasks currently claimed by a pipeline goroutine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Start launches the pipeline for a pending task. Starting a task that is
// already running or finished is a no-op reporting the current view, so
// duplicate starts never produce duplicate pipelines.
func (e *Engine) Start(id string) (task.View, error) {
	v, err := e.store.Get(id)
	if err != nil {
		return task.View{}, err
	}
	if v.Status != task.StatusPending {
		return v, nil
	}

	e.mu.Lock()
	if _, claimed := e.running[id]; claimed {
		e.mu.Unlock()
		return v, nil
	}
	rs := &runState{cancel: make(chan struct{})}
	e.running[id] = rs
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unclaim(id)

		select {
		case e.pool <- struct{}{}: // acquire slot
		case <-rs.cancel:
			e.commitCancelled(id)
			return
		}
		defer func() { <-e.pool }() // release slot

		e.run(id, rs)
	}()

	return v, nil
}

// Cancel requests cancellation. A claimed task stops at its next step
// boundary; an in-flight step runs to completion or its timeout first. A
// pending, unclaimed task is cancelled in place. Terminal tasks are reported
// unchanged.
func (e *Engine) Cancel(id string) (task.View, error) {
	e.mu.Lock()
	rs, claimed := e.running[id]
	e.mu.Unlock()

	if claimed {
		rs.signalCancel()
		return e.store.Get(id)
	}

	v, err := e.store.Update(id, func(r *task.Record) error {
		if r.Status.Terminal() {
			return task.ErrTaskTerminal
		}
		r.Status = task.StatusCancelled
		r.CurrentStep = ""
		r.AddLog("", task.LevelWarning, "task cancelled")
		return nil
	})
	if errors.Is(err, task.ErrTaskTerminal) {
		return v, nil
	}
	return v, err
}

// Shutdown waits for in-flight pipelines to finish or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unclaim(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

func (e *Engine) run(id string, rs *runState) {
	v, err := e.store.Get(id)
	if err != nil {
		e.logger.Error("task vanished before start", zap.String("task", id), zap.Error(err))
		return
	}
	if v.Status != task.StatusPending {
		return
	}

	e.logger.Info("pipeline started",
		zap.String("task", id),
		zap.Int("steps", len(e.steps)))

	for _, runner := range e.steps {
		if rs.cancelled() {
			e.commitCancelled(id)
			return
		}

		name := runner.Name()
		v, err = e.store.Update(id, func(r *task.Record) error {
			r.Status = task.StatusRunning
			r.CurrentStep = name
			r.AddLog(name, task.LevelInfo, "step started")
			return nil
		})
		if err != nil {
			e.logger.Error("commit failed", zap.String("task", id), zap.Error(err))
			return
		}

		res, stepErr := e.invoke(runner, step.NewContext(v))
		if stepErr != nil {
			if !e.recover(id, runner, stepErr) {
				return
			}
			continue
		}
		e.commitStepDone(id, name, res, "")
	}

	_, err = e.store.Update(id, func(r *task.Record) error {
		r.Status = task.StatusComplete
		r.CurrentStep = ""
		r.Error = ""
		r.AddLog("", task.LevelSuccess, "all steps completed")
		return nil
	})
	if err != nil {
		e.logger.Error("final commit failed", zap.String("task", id), zap.Error(err))
		return
	}
	e.logger.Info("pipeline complete", zap.String("task", id))
}

// invoke runs a step under the step timeout. The runner receives a context
// it should honor; if it does not return in time the engine moves on and the
// straggler's result is discarded.
func (e *Engine) invoke(runner step.Runner, sc *step.Context) (*step.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeouts.Step)
	defer cancel()

	type outcome struct {
		res *step.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := runner.Run(ctx, sc)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("step %s timeout after %s", runner.Name(), e.timeouts.Step)
	}
}

// recover handles a failed step: commit the awaiting state, consult the
// resolver once, and either resume the pipeline (true) or leave the task
// failed (false).
func (e *Engine) recover(id string, runner step.Runner, cause error) bool {
	name := runner.Name()
	e.logger.Warn("step failed",
		zap.String("task", id),
		zap.String("step", name),
		zap.Error(cause))

	v, err := e.store.Update(id, func(r *task.Record) error {
		r.Status = task.StatusAwaitingFallback
		r.Error = cause.Error()
		r.AddLog(name, task.LevelError, fmt.Sprintf("step failed: %v", cause))
		return nil
	})
	if err != nil {
		e.logger.Error("commit failed", zap.String("task", id), zap.Error(err))
		return false
	}

	if e.resolver == nil {
		e.commitFailed(id, name, cause, "", nil)
		return false
	}

	res := e.consult(fallback.Request{Task: v, Step: name, Cause: cause.Error()})
	if res == nil || !res.Recovered {
		var analysis string
		var suggestions []string
		if res != nil {
			analysis = res.Analysis
			suggestions = res.Suggestions
		}
		e.commitFailed(id, name, cause, analysis, suggestions)
		return false
	}

	switch res.Action {
	case fallback.ActionRetry:
		retryRes, retryErr := e.invoke(runner, step.NewContext(v))
		if retryErr != nil {
			e.commitFailed(id, name, retryErr, res.Analysis, res.Suggestions)
			return false
		}
		e.commitStepDone(id, name, retryRes, "step recovered after retry")
		return true
	case fallback.ActionSkip:
		e.commitStepDone(id, name, res.Result, "step satisfied by fallback")
		return true
	default:
		e.commitFailed(id, name, cause, res.Analysis, res.Suggestions)
		return false
	}
}

// consult asks the resolver for a verdict under the fallback timeout. A
// resolver error or timeout counts as no recovery.
func (e *Engine) consult(req fallback.Request) *fallback.Resolution {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeouts.Fallback)
	defer cancel()

	done := make(chan *fallback.Resolution, 1)
	go func() {
		res, err := e.resolver.Resolve(ctx, req)
		if err != nil {
			e.logger.Warn("resolver failed",
				zap.String("task", req.Task.TaskID), zap.Error(err))
			done <- nil
			return
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		e.logger.Warn("resolver timeout", zap.String("task", req.Task.TaskID))
		return nil
	}
}

// commitStepDone records a successful step: append to the completed
// sequence, merge the owned output, clear any prior error. recoveryNote is
// set when the success came through fallback.
func (e *Engine) commitStepDone(id, name string, res *step.Result, recoveryNote string) {
	msg := "step completed"
	var output map[string]interface{}
	if res != nil {
		if res.Message != "" {
			msg = res.Message
		}
		output = res.Output
	}
	if recoveryNote != "" {
		msg = recoveryNote + ": " + msg
	}

	_, err := e.store.Update(id, func(r *task.Record) error {
		r.Status = task.StatusRunning
		r.Error = ""
		rejected := r.CompleteStep(name, output)
		if len(rejected) > 0 {
			r.AddLog(name, task.LevelWarning,
				"output keys owned by another step: "+strings.Join(rejected, ", "))
		}
		r.AddLog(name, task.LevelSuccess, msg)
		return nil
	})
	if err != nil {
		e.logger.Error("commit failed", zap.String("task", id), zap.Error(err))
	}
}

func (e *Engine) commitFailed(id, name string, cause error, analysis string, suggestions []string) {
	_, err := e.store.Update(id, func(r *task.Record) error {
		r.Status = task.StatusFailed
		r.CurrentStep = ""
		r.Error = cause.Error()
		if analysis != "" {
			r.AddLog(name, task.LevelError, analysis)
		}
		if len(suggestions) > 0 {
			r.AddLog(name, task.LevelInfo, "suggestions: "+strings.Join(suggestions, "; "))
		}
		r.AddLog(name, task.LevelError, fmt.Sprintf("task failed at step %s: %v", name, cause))
		return nil
	})
	if err != nil {
		e.logger.Error("commit failed", zap.String("task", id), zap.Error(err))
	}
}

func (e *Engine) commitCancelled(id string) {
	_, err := e.store.Update(id, func(r *task.Record) error {
		if r.Status.Terminal() {
			return task.ErrTaskTerminal
		}
		r.Status = task.StatusCancelled
		r.CurrentStep = ""
		r.AddLog("", task.LevelWarning, "task cancelled")
		return nil
	})
	if err != nil && !errors.Is(err, task.ErrTaskTerminal) {
		e.logger.Error("commit failed", zap.String("task", id), zap.Error(err))
	}
}
