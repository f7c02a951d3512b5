// internal/agent/registry.go
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/config"
)

// DefaultEnvironmentKey names the single controlled browser.
const DefaultEnvironmentKey = "default"

// RunOptions tune a single run.
type RunOptions struct {
	// MaxSteps overrides agent.max_steps when positive.
	MaxSteps int
	// EnvironmentKey identifies the environment; at most one run is active per key.
	EnvironmentKey string
	// RunID is generated when empty.
	RunID string
}

// Registry starts runs and enforces the concurrent run policy.
type Registry struct {
	loop   *Loop
	policy config.ConcurrentRunPolicy
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*RunHandle
	wg     sync.WaitGroup
}

// NewRegistry creates a Registry that runs every run with loop.
func NewRegistry(loop *Loop, policy config.ConcurrentRunPolicy, logger *zap.Logger) *Registry {
	if policy == "" {
		policy = config.PolicyReject
	}
	return &Registry{
		loop:   loop,
		policy: policy,
		logger: logger.Named("run_registry"),
		active: make(map[string]*RunHandle),
	}
}

// Start begins a run toward goal and returns immediately. While another run
// is active on the same environment, the reject policy fails with
// ErrRunActive and the supersede policy stops the prior run and starts the
// new one once the prior run has exited.
func (r *Registry) Start(ctx context.Context, goal string, opts RunOptions) (*RunHandle, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}
	key := opts.EnvironmentKey
	if key == "" {
		key = DefaultEnvironmentKey
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	r.mu.Lock()
	prior := r.active[key]
	if prior != nil {
		select {
		case <-prior.Done():
			prior = nil
		default:
		}
	}
	if prior != nil && r.policy == config.PolicyReject {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s on %q", ErrRunActive, prior.ID(), key)
	}

	h := newRunHandle(runID, key, goal, opts.MaxSteps)
	r.active[key] = h
	r.wg.Add(1)
	r.mu.Unlock()

	if prior != nil {
		r.logger.Info("Superseding active run", zap.String("prior_run_id", prior.ID()), zap.String("run_id", runID))
		prior.stopWith(ReasonSuperseded)
	}

	go func() {
		defer r.wg.Done()
		defer r.release(key, h)
		if prior != nil {
			select {
			case <-prior.Done():
			case <-ctx.Done():
			}
		}
		if h.Stopping() || ctx.Err() != nil {
			// Stopped or canceled before it ever ran.
			o, _ := r.loop.interrupted(ctx, h, 0)
			r.loop.complete(ctx, h, o, r.logger.With(zap.String("run_id", h.ID())))
			return
		}
		r.loop.Run(ctx, h)
	}()
	return h, nil
}

func (r *Registry) release(key string, h *RunHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[key] == h {
		delete(r.active, key)
	}
}

// Active returns the active run on key, if any.
func (r *Registry) Active(key string) (*RunHandle, bool) {
	if key == "" {
		key = DefaultEnvironmentKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[key]
	return h, ok
}

// StopAll asks every active run to stop.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.active {
		h.Stop()
	}
}

// Wait blocks until every started run has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}
