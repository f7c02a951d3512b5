// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/actions"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/executor"
	"github.com/xkilldash9x/atlas-cli/internal/history"
	"github.com/xkilldash9x/atlas-cli/internal/llmclient"
	"github.com/xkilldash9x/atlas-cli/internal/throttle"
)

// Environment is the controlled browser as the loop sees it.
type Environment interface {
	Resolve(ctx context.Context) (schemas.TabHandle, error)
	Validate(ctx context.Context, tab schemas.TabHandle) (schemas.TabHandle, error)
	CurrentURL(ctx context.Context, tab schemas.TabHandle) (string, error)
	Capturer(tab schemas.TabHandle) throttle.CaptureFunc
}

// DecisionModel turns goal, observation and transcript into the next decision.
type DecisionModel interface {
	Preflight(ctx context.Context) error
	Decide(ctx context.Context, goal string, obs *schemas.Observation, h *history.History) llmclient.Decision
}

// ActionExecutor performs a canonical action against a tab.
type ActionExecutor interface {
	Execute(ctx context.Context, tab schemas.TabHandle, a actions.Action) schemas.ActionResult
}

// ResultStore persists a run's final result.
type ResultStore interface {
	SaveResult(ctx context.Context, runID, result string) error
}

// Loop drives one run step by step: observe, decide, act.
type Loop struct {
	env        Environment
	model      DecisionModel
	exec       ActionExecutor
	results    ResultStore
	cfg        config.AgentConfig
	captureCfg config.CaptureConfig
	logger     *zap.Logger

	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration)
	newThrottler func() *throttle.Throttler
}

// NewLoop creates a Loop. results may be nil.
func NewLoop(env Environment, model DecisionModel, exec ActionExecutor, results ResultStore, cfg config.AgentConfig, captureCfg config.CaptureConfig, logger *zap.Logger) *Loop {
	l := &Loop{
		env:        env,
		model:      model,
		exec:       exec,
		results:    results,
		cfg:        cfg,
		captureCfg: captureCfg,
		logger:     logger.Named("agent_loop"),
		now:        time.Now,
		sleep:      sleepContext,
	}
	l.newThrottler = func() *throttle.Throttler { return throttle.New(l.captureCfg, l.logger) }
	return l
}

// Run executes the run owned by h until it reaches a terminal phase. Waits
// are cut short by Stop; network calls and actions in flight are not.
func (l *Loop) Run(ctx context.Context, h *RunHandle) Outcome {
	state := h.State()
	logger := l.logger.With(zap.String("run_id", h.ID()))
	maxSteps := state.MaxSteps
	if maxSteps <= 0 {
		maxSteps = l.cfg.MaxSteps
	}

	h.begin(l.now())
	logger.Info("Agent is commencing run.", zap.String("goal", state.Goal), zap.Int("max_steps", maxSteps))

	// waitCtx ends on stop as well, so sleeps never delay a stop.
	waitCtx, cancelWaits := context.WithCancel(ctx)
	defer cancelWaits()
	go func() {
		select {
		case <-h.stopCh:
			cancelWaits()
		case <-waitCtx.Done():
		}
	}()

	o := l.steps(ctx, waitCtx, h, state.Goal, maxSteps, logger)
	l.complete(ctx, h, o, logger)
	return o
}

func (l *Loop) steps(ctx, waitCtx context.Context, h *RunHandle, goal string, maxSteps int, logger *zap.Logger) Outcome {
	var (
		tab       schemas.TabHandle
		err       error
		throttler = l.newThrottler()
	)

	for step := 1; ; step++ {
		if step > 1 {
			l.sleep(waitCtx, l.cfg.StepDelay)
		}

		// (a) external stop
		if o, stop := l.interrupted(ctx, h, step-1); stop {
			return o
		}
		h.setStep(step)
		stepLog := logger.With(zap.Int("step", step))
		stepLog.Info("Step started")

		// (b) resolve on the first step, re-validate afterwards
		if step == 1 {
			tab, err = l.env.Resolve(ctx)
		} else {
			tab, err = l.env.Validate(ctx, tab)
		}
		if err != nil {
			stepLog.Warn("Controlled tab is gone", zap.Error(err))
			return Outcome{
				Phase:  PhaseStopped,
				Steps:  step,
				Reason: ReasonEnvironmentLost,
				Err:    fmt.Errorf("%w: %w", ErrEnvironmentLost, err),
			}
		}

		// A missing credential ends the run before anything is captured.
		if err := l.model.Preflight(ctx); err != nil {
			d := llmclient.Failure(err)
			stepLog.Error("Decision model unavailable", zap.Error(err))
			return Outcome{Phase: PhaseAborted, Steps: step, Result: d.Result, Reason: ReasonProtocolError, Err: d.Err}
		}

		// (c) best-effort observation
		obs := throttler.Acquire(waitCtx, l.env.Capturer(tab))
		if o, stop := l.interrupted(ctx, h, step); stop {
			return o
		}

		// (d) decide
		d := l.model.Decide(ctx, goal, obs, h.history)

		// (e) terminal decisions
		if d.Terminal {
			switch {
			case d.IsProtocolError():
				stepLog.Error("Run aborted by protocol failure", zap.Error(d.Err))
				return Outcome{Phase: PhaseAborted, Steps: step, Result: d.Result, Reason: ReasonProtocolError, Err: d.Err}
			case errors.Is(d.Err, llmclient.ErrConfirmationRequired):
				return Outcome{Phase: PhaseDone, Steps: step, Result: d.Result, Reason: ReasonConfirmation, Err: d.Err}
			default:
				stepLog.Info("Goal reached", zap.String("result", d.Result))
				return Outcome{Phase: PhaseDone, Steps: step, Result: d.Result, Reason: ReasonGoalReached}
			}
		}

		// (f) act and report back
		action := actions.Normalize(actions.Action{Name: actions.Name(d.Action), Args: d.Args})
		result := l.exec.Execute(ctx, tab, action)
		if !result.Success {
			stepLog.Warn("Action failed", zap.String("action", string(action.Name)), zap.String("error", result.Error))
		}
		call := schemas.FunctionCall{ID: d.CallID, Name: d.Action}
		h.history.AppendFunctionResponse(executor.BuildFunctionResponse(call, result, l.currentURL(ctx, tab, result), d.Skipped...))

		// (g) budget
		if step >= maxSteps {
			stepLog.Info("Step budget exhausted")
			return Outcome{Phase: PhaseStopped, Steps: step, Reason: ReasonStepBudget}
		}
	}
}

// interrupted reports a stop request or a canceled root context.
func (l *Loop) interrupted(ctx context.Context, h *RunHandle, steps int) (Outcome, bool) {
	if h.Stopping() {
		return Outcome{Phase: PhaseStopped, Steps: steps, Reason: h.requestedReason()}, true
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Phase: PhaseStopped, Steps: steps, Reason: ReasonCanceled, Err: err}, true
	}
	return Outcome{}, false
}

// currentURL re-reads the tab location, falling back to what the action saw.
func (l *Loop) currentURL(ctx context.Context, tab schemas.TabHandle, result schemas.ActionResult) string {
	u, err := l.env.CurrentURL(ctx, tab)
	if err == nil && u != "" {
		return u
	}
	if result.ObservedURL != "" {
		return result.ObservedURL
	}
	return tab.URL
}

func (l *Loop) complete(ctx context.Context, h *RunHandle, o Outcome, logger *zap.Logger) {
	logger.Info("Run finished",
		zap.Stringer("phase", o.Phase), zap.Int("steps", o.Steps),
		zap.String("reason", string(o.Reason)), zap.String("result", o.Result))

	if o.Result != "" && l.results != nil {
		// The run context may already be gone; the result must still be saved.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := l.results.SaveResult(saveCtx, h.ID(), o.Result); err != nil {
			logger.Warn("Failed to persist run result", zap.Error(err))
		}
		cancel()
	}
	h.finish(o, l.now())
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
