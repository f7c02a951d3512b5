// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/actions"
	"github.com/xkilldash9x/atlas-cli/internal/agent"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/history"
	"github.com/xkilldash9x/atlas-cli/internal/llmclient"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
	"github.com/xkilldash9x/atlas-cli/internal/throttle"
)

// resetForTest restores package state between tests.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	componentFactory = initializeRunComponents
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	t.Cleanup(func() {
		cfgFile = ""
		componentFactory = initializeRunComponents
		observability.ResetForTest()
	})
}

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// stubEnvironment is a browser with one tab that never changes.
type stubEnvironment struct{}

func (stubEnvironment) Resolve(context.Context) (schemas.TabHandle, error) {
	return schemas.TabHandle{ID: "tab-1", URL: "about:blank"}, nil
}

func (stubEnvironment) Validate(_ context.Context, tab schemas.TabHandle) (schemas.TabHandle, error) {
	return tab, nil
}

func (stubEnvironment) CurrentURL(context.Context, schemas.TabHandle) (string, error) {
	return "about:blank", nil
}

func (stubEnvironment) Capturer(schemas.TabHandle) throttle.CaptureFunc {
	return func(context.Context) (*schemas.Observation, error) {
		return &schemas.Observation{Data: []byte("img"), MimeType: "image/jpeg", Size: 3}, nil
	}
}

// finishingModel reports mission complete on its first call.
type finishingModel struct{ result string }

func (finishingModel) Preflight(context.Context) error { return nil }

func (m finishingModel) Decide(_ context.Context, goal string, obs *schemas.Observation, h *history.History) llmclient.Decision {
	h.AppendObservation(llmclient.BuildUserTurn(goal, obs))
	return llmclient.Decision{Terminal: true, Result: m.result, Source: llmclient.SourceFunctionCall}
}

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, schemas.TabHandle, actions.Action) schemas.ActionResult {
	return schemas.ActionResult{Success: true}
}

// stubFactory wires a real registry and loop over stub collaborators and
// records the configuration it was given.
func stubFactory(model agent.DecisionModel, seen **config.Config) func(context.Context, *config.Config, string, *zap.Logger) (*runComponents, error) {
	return func(_ context.Context, cfg *config.Config, _ string, logger *zap.Logger) (*runComponents, error) {
		if seen != nil {
			*seen = cfg
		}
		capture := cfg.Capture()
		capture.MinInterval = 0
		agentCfg := cfg.Agent()
		agentCfg.StepDelay = 0
		loop := agent.NewLoop(stubEnvironment{}, model, noopExecutor{}, nil, agentCfg, capture, logger)
		return &runComponents{
			Runs:   agent.NewRegistry(loop, agentCfg.RunPolicy, logger),
			logger: logger,
		}, nil
	}
}
