// -- cmd/run.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/atlas-cli/internal/agent"
	"github.com/xkilldash9x/atlas-cli/internal/browser"
	"github.com/xkilldash9x/atlas-cli/internal/bus"
	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/executor"
	"github.com/xkilldash9x/atlas-cli/internal/llmclient"
	"github.com/xkilldash9x/atlas-cli/internal/network"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
	"github.com/xkilldash9x/atlas-cli/internal/store"
)

const shutdownTimeout = 10 * time.Second

// runStarter is what the run command needs from its wired components.
type runStarter interface {
	Start(ctx context.Context, goal string, opts agent.RunOptions) (*agent.RunHandle, error)
}

// componentFactory wires everything a run needs. Replaced in tests.
var componentFactory = initializeRunComponents

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [goal...]",
		Short: "Runs the agent until the goal is reached, the step budget is spent or it is stopped",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			goal := strings.TrimSpace(strings.Join(args, " "))
			runID := uuid.New().String()

			components, err := componentFactory(ctx, cfg, runID, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize run components: %w", err)
			}
			defer components.Shutdown()

			return executeRun(cmd, components.Runs, goal, runID, logger)
		},
	}

	runCmd.Flags().Int("max-steps", 10, "Maximum number of observe/decide/act steps")
	runCmd.Flags().String("url", "about:blank", "Page to open before the first step")
	runCmd.Flags().Bool("headless", true, "Run the browser without a window")
	runCmd.Flags().String("store", "memory", "Artifact store: memory or postgres")
	return runCmd
}

func executeRun(cmd *cobra.Command, runs runStarter, goal, runID string, logger *zap.Logger) error {
	h, err := runs.Start(cmd.Context(), goal, agent.RunOptions{RunID: runID})
	if err != nil {
		return err
	}
	logger.Info("Run started", zap.String("run_id", h.ID()), zap.String("goal", goal))

	o := h.Wait()
	switch o.Phase {
	case agent.PhaseDone:
		fmt.Fprintf(cmd.OutOrStdout(), "Result: %s\n", o.Result)
		return nil
	case agent.PhaseAborted:
		fmt.Fprintf(cmd.OutOrStdout(), "Result: %s\n", o.Result)
		return fmt.Errorf("run %s aborted: %w", h.ID(), o.Err)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "Run stopped after %d steps (%s)\n", o.Steps, o.Reason)
		if errors.Is(o.Err, context.Canceled) {
			return o.Err
		}
		return nil
	}
}

// runComponents holds everything wired for a single run.
type runComponents struct {
	Runs    runStarter
	Store   store.ArtifactStore
	Browser *browser.Manager
	Bus     *bus.Bus

	cancelSurface context.CancelFunc
	group         *errgroup.Group
	logger        *zap.Logger
}

// Shutdown releases components in reverse order of creation.
func (rc *runComponents) Shutdown() {
	if rc.cancelSurface != nil {
		rc.cancelSurface()
	}
	if rc.group != nil {
		if err := rc.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			rc.logger.Warn("Execution surface exited with error", zap.Error(err))
		}
	}
	if rc.Bus != nil {
		rc.Bus.Shutdown()
	}
	if rc.Browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := rc.Browser.Shutdown(ctx); err != nil {
			rc.logger.Warn("Browser shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if rc.Store != nil {
		rc.Store.Close()
	}
}

func initializeRunComponents(ctx context.Context, cfg *config.Config, runID string, logger *zap.Logger) (*runComponents, error) {
	rc := &runComponents{logger: logger}

	artifacts, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return rc, fmt.Errorf("failed to open artifact store: %w", err)
	}
	rc.Store = artifacts

	manager, err := browser.NewManager(ctx, cfg.Browser(), cfg.Capture(), logger)
	if err != nil {
		return rc, fmt.Errorf("failed to start browser: %w", err)
	}
	rc.Browser = manager

	rc.Bus = bus.New(logger, cfg.Surface().BufferSize)

	surfaceCtx, cancel := context.WithCancel(ctx)
	rc.cancelSurface = cancel
	g, gctx := errgroup.WithContext(surfaceCtx)
	surface := browser.NewSurface(rc.Bus, manager, logger)
	g.Go(func() error { return surface.Run(gctx) })
	rc.group = g

	exec := executor.New(manager, rc.Bus, cfg.Agent(), cfg.Surface(), logger)

	clientCfg, err := network.ClientConfigFromLLM(cfg.LLM(), logger)
	if err != nil {
		return rc, err
	}
	model := llmclient.NewGeminiClient(cfg.LLM(), nil, logger,
		llmclient.WithHTTPClient(network.NewClient(clientCfg)),
		llmclient.WithRecorder(store.NewRunRecorder(artifacts, runID, logger)))

	loop := agent.NewLoop(manager, model, exec, artifacts, cfg.Agent(), cfg.Capture(), logger)
	rc.Runs = agent.NewRegistry(loop, cfg.Agent().RunPolicy, logger)
	return rc, nil
}
