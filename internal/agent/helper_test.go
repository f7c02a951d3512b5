// internal/agent/helper_test.go
package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/atlas-cli/api/schemas"
	"github.com/xkilldash9x/atlas-cli/internal/actions"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/history"
	"github.com/xkilldash9x/atlas-cli/internal/llmclient"
	"github.com/xkilldash9x/atlas-cli/internal/throttle"
)

// fakeEnvironment is a single tab whose validation can be made to fail from a given step on.
type fakeEnvironment struct {
	mu          sync.Mutex
	tab         schemas.TabHandle
	resolveErr  error
	loseAtCheck int // 1-based validate call that fails; zero never fails
	validations int
	captures    int
	url         string
	urlErr      error
}

func newFakeEnvironment() *fakeEnvironment {
	return &fakeEnvironment{
		tab: schemas.TabHandle{ID: "tab-1", URL: "https://example.com/"},
		url: "https://example.com/",
	}
}

func (f *fakeEnvironment) Resolve(context.Context) (schemas.TabHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return schemas.TabHandle{}, f.resolveErr
	}
	return f.tab, nil
}

func (f *fakeEnvironment) Validate(_ context.Context, tab schemas.TabHandle) (schemas.TabHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	if f.loseAtCheck > 0 && f.validations >= f.loseAtCheck {
		return schemas.TabHandle{}, errTabClosed
	}
	return tab, nil
}

func (f *fakeEnvironment) CurrentURL(context.Context, schemas.TabHandle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, f.urlErr
}

func (f *fakeEnvironment) Capturer(schemas.TabHandle) throttle.CaptureFunc {
	return func(context.Context) (*schemas.Observation, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.captures++
		data := []byte("jpeg-bytes")
		return &schemas.Observation{Data: data, MimeType: "image/jpeg", Size: len(data), CapturedAt: time.Now()}, nil
	}
}

func (f *fakeEnvironment) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// scriptedModel replays decisions in order and repeats the last one once the
// script runs out. Like the real client it records the observation and the
// model turn in the history.
type scriptedModel struct {
	mu           sync.Mutex
	script       []llmclient.Decision
	calls        int
	preflightErr error
	observations []*schemas.Observation

	// onDecide runs before the call-th decision is returned.
	onDecide func(call int)
	// gate, when set, blocks the first call until closed or ctx is done.
	gate    chan struct{}
	entered chan struct{}
}

func (s *scriptedModel) Preflight(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preflightErr
}

func (s *scriptedModel) Decide(ctx context.Context, goal string, obs *schemas.Observation, h *history.History) llmclient.Decision {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.observations = append(s.observations, obs)
	gate, entered := s.gate, s.entered
	hook := s.onDecide
	var d llmclient.Decision
	if len(s.script) > 0 {
		idx := call - 1
		if idx >= len(s.script) {
			idx = len(s.script) - 1
		}
		d = s.script[idx]
	}
	s.mu.Unlock()

	h.AppendObservation(llmclient.BuildUserTurn(goal, obs))

	if call == 1 && gate != nil {
		if entered != nil {
			close(entered)
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if hook != nil {
		hook(call)
	}

	if d.IsProtocolError() {
		return d
	}
	if d.Action != "" {
		h.AppendDecision(schemas.Turn{
			Role:  schemas.RoleModel,
			Parts: []schemas.Part{{FunctionCall: &schemas.FunctionCall{Name: d.Action, Args: d.Args}}},
		})
	} else {
		h.AppendDecision(schemas.Turn{Role: schemas.RoleModel, Parts: []schemas.Part{schemas.TextPart(d.Result)}})
	}
	return d
}

func (s *scriptedModel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingExecutor answers every action with the same result.
type recordingExecutor struct {
	mu      sync.Mutex
	result  schemas.ActionResult
	actions []actions.Action
}

func (r *recordingExecutor) Execute(_ context.Context, _ schemas.TabHandle, a actions.Action) schemas.ActionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return r.result
}

func (r *recordingExecutor) executed() []actions.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actions.Action(nil), r.actions...)
}

// MockResultStore is a mock implementation of ResultStore.
type MockResultStore struct {
	mock.Mock
}

func (m *MockResultStore) SaveResult(ctx context.Context, runID, result string) error {
	args := m.Called(ctx, runID, result)
	return args.Error(0)
}

func click(x, y float64) llmclient.Decision {
	return llmclient.Decision{Action: "click_at", Args: map[string]interface{}{"x": x, "y": y}, Source: llmclient.SourceFunctionCall}
}

func done(result string) llmclient.Decision {
	return llmclient.Decision{Terminal: true, Result: result, Source: llmclient.SourceFunctionCall}
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxSteps:  10,
		StepDelay: 800 * time.Millisecond,
		RunPolicy: config.PolicyReject,
	}
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		BaseBackoff:          time.Millisecond,
		MaxBackoffMultiplier: 16,
		MaxBytes:             100000,
	}
}

type loopFixture struct {
	loop   *Loop
	env    *fakeEnvironment
	model  *scriptedModel
	exec   *recordingExecutor
	sleeps *[]time.Duration
}

// newLoopFixture builds a Loop whose step delays are recorded instead of slept.
func newLoopFixture(t *testing.T, model *scriptedModel, results ResultStore) loopFixture {
	t.Helper()
	env := newFakeEnvironment()
	exec := &recordingExecutor{result: schemas.ActionResult{Success: true}}
	l := NewLoop(env, model, exec, results, testAgentConfig(), testCaptureConfig(), zaptest.NewLogger(t))

	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	l.sleep = func(_ context.Context, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
	}
	return loopFixture{loop: l, env: env, model: model, exec: exec, sleeps: &sleeps}
}
