// File: internal/executor/executor.go
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/actions"
	"github.com/xkilldash9x/atlas-cli/internal/bus"
	"github.com/xkilldash9x/atlas-cli/internal/config"
)

const (
	resultSuccess = "Action executed successfully"
	resultUnknown = "Unknown error"
	resultSkipped = "Not executed: only one action runs per step"
	waitDuration  = 5 * time.Second
)

// Navigator performs privileged, location-changing operations on a tab.
type Navigator interface {
	Navigate(ctx context.Context, tab schemas.TabHandle, url string) error
	GoBack(ctx context.Context, tab schemas.TabHandle) error
	GoForward(ctx context.Context, tab schemas.TabHandle) error
}

// CommandChannel sends a command to the execution surface and waits for its reply.
type CommandChannel interface {
	Request(ctx context.Context, tabID string, cmd schemas.Command) (schemas.CommandResponse, error)
}

// Executor dispatches canonical actions either to the navigator or, over the
// command channel, to the in-page execution surface.
type Executor struct {
	nav             Navigator
	commands        CommandChannel
	settle          time.Duration
	responseTimeout time.Duration
	logger          *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// New creates an Executor.
func New(nav Navigator, commands CommandChannel, agentCfg config.AgentConfig, surfaceCfg config.SurfaceConfig, logger *zap.Logger) *Executor {
	return &Executor{
		nav:             nav,
		commands:        commands,
		settle:          agentCfg.NavigationSettle,
		responseTimeout: surfaceCfg.ResponseTimeout,
		logger:          logger.Named("action_executor"),
		sleep:           sleep,
	}
}

// Execute performs a normalized action. Failures are reported in the result,
// never as an error, so the model can react to them on the next step.
func (e *Executor) Execute(ctx context.Context, tab schemas.TabHandle, a actions.Action) schemas.ActionResult {
	e.logger.Info("Executing action",
		zap.String("action", string(a.Name)), zap.String("tab_id", tab.ID), zap.String("url", tab.URL))

	switch {
	case actions.IsNavigation(a.Name):
		return e.navigate(ctx, tab, a)
	case a.Name == actions.Wait5Seconds:
		e.sleep(ctx, waitDuration)
		return schemas.ActionResult{Success: true}
	default:
		return e.dispatch(ctx, tab, a)
	}
}

func (e *Executor) navigate(ctx context.Context, tab schemas.TabHandle, a actions.Action) schemas.ActionResult {
	var (
		err    error
		target string
	)
	switch a.Name {
	case actions.OpenWebBrowser:
		target = actions.StringArg(a.Args, "url")
		e.logger.Info("Navigating tab", zap.String("tab_id", tab.ID), zap.String("target", target))
		err = e.nav.Navigate(ctx, tab, target)
	case actions.GoBack:
		err = e.nav.GoBack(ctx, tab)
	case actions.GoForward:
		err = e.nav.GoForward(ctx, tab)
	}
	if err != nil {
		e.logger.Error("Navigation error", zap.String("action", string(a.Name)), zap.Error(err))
		return schemas.Failed(fmt.Sprintf("navigation failed: %v", err))
	}

	// Let the new page load before the next observation.
	e.sleep(ctx, e.settle)
	return schemas.ActionResult{Success: true, ObservedURL: target}
}

func (e *Executor) dispatch(ctx context.Context, tab schemas.TabHandle, a actions.Action) schemas.ActionResult {
	reqCtx, cancel := context.WithTimeout(ctx, e.responseTimeout)
	defer cancel()

	resp, err := e.commands.Request(reqCtx, tab.ID, schemas.Command{Command: string(a.Name), Args: a.Args, TabID: tab.ID})
	switch {
	case errors.Is(err, bus.ErrNoSubscribers):
		e.logger.Warn("Execution surface not present", zap.String("tab_id", tab.ID))
		return schemas.Failed(bus.ErrNoSubscribers.Error())
	case errors.Is(err, bus.ErrNoResponse):
		e.logger.Warn("Execution surface did not respond", zap.String("action", string(a.Name)))
		return schemas.Failed(bus.ErrNoResponse.Error())
	case err != nil:
		e.logger.Error("Action execution failed", zap.String("action", string(a.Name)), zap.Error(err))
		return schemas.Failed(err.Error())
	}

	e.logger.Debug("Action response", zap.String("action", string(a.Name)), zap.Bool("success", resp.Success))
	return schemas.ActionResult{Success: resp.Success, Error: resp.Error, Extra: resp.Extra}
}

// BuildFunctionResponse reports an action's outcome back to the model. Calls
// from the same turn that were not executed are each answered as failed, so
// every function call in history has a matching response.
func BuildFunctionResponse(call schemas.FunctionCall, result schemas.ActionResult, currentURL string, skipped ...schemas.FunctionCall) schemas.Turn {
	message := resultSuccess
	if !result.Success {
		message = result.Error
		if message == "" {
			message = resultUnknown
		}
	}
	parts := make([]schemas.Part, 0, 1+len(skipped))
	parts = append(parts, functionResponsePart(call, message, result.Success, currentURL))
	for _, fc := range skipped {
		parts = append(parts, functionResponsePart(fc, resultSkipped, false, currentURL))
	}
	return schemas.Turn{Role: schemas.RoleUser, Parts: parts}
}

func functionResponsePart(call schemas.FunctionCall, message string, success bool, currentURL string) schemas.Part {
	return schemas.Part{
		FunctionResponse: &schemas.FunctionResponse{
			ID:   call.ID,
			Name: call.Name,
			Response: map[string]interface{}{
				"result":  message,
				"success": success,
				"url":     currentURL,
			},
		},
	}
}

func sleep(ctx context.Context, d time.Duration) {
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
