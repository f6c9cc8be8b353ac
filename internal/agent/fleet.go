// internal/agent/fleet.go
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
)

// SessionFactory opens a fresh browser session for one episode.
type SessionFactory func(ctx context.Context) (schemas.BrowserController, error)

// FleetDeps are the collaborators episodes share. Each episode still gets
// its own browser session, conversation and ledger; nothing mutable
// crosses between tasks.
type FleetDeps struct {
	NewSession   SessionFactory
	LLM          schemas.LLMClient
	Store        schemas.EpisodeStore
	Estimator    schemas.TokenEstimator
	ArtifactsDir string
}

// TaskResult pairs one input task with what its episode produced.
type TaskResult struct {
	Task   string
	Result *EpisodeResult
	Err    error
}

// Fleet runs several tasks as parallel episodes. Episode failures land in
// their TaskResult; only systemic problems, like a browser that will not
// launch, cancel the rest of the fleet.
type Fleet struct {
	cfg         config.AgentConfig
	logger      *zap.Logger
	deps        FleetDeps
	maxParallel int64
}

// NewFleet creates a fleet runner. maxParallel below one means one.
func NewFleet(logger *zap.Logger, cfg config.AgentConfig, deps FleetDeps, maxParallel int) *Fleet {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Fleet{
		cfg:         cfg,
		logger:      logger.Named("fleet"),
		deps:        deps,
		maxParallel: int64(maxParallel),
	}
}

// Run executes every task and returns the results in input order. The
// error is the first systemic failure; it is nil when every episode at
// least got to run.
func (f *Fleet) Run(ctx context.Context, tasks []string) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	for i, task := range tasks {
		results[i].Task = task
	}

	sem := semaphore.NewWeighted(f.maxParallel)
	g, gctx := errgroup.WithContext(ctx)

	f.logger.Info("Fleet starting.",
		zap.Int("tasks", len(tasks)),
		zap.Int64("max_parallel", f.maxParallel))

	for i := range tasks {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i].Err = err
				return nil
			}
			defer sem.Release(1)

			results[i].Result, results[i].Err = f.runOne(gctx, i, tasks[i])
			if results[i].Err != nil && results[i].Result == nil {
				// No result at all means the episode never started.
				return fmt.Errorf("task %d: %w", i, results[i].Err)
			}
			return nil
		})
	}

	err := g.Wait()
	f.logger.Info("Fleet finished.", zap.Int("tasks", len(tasks)))
	return results, err
}

// runOne gives one task its own session and orchestrator.
func (f *Fleet) runOne(ctx context.Context, index int, task string) (*EpisodeResult, error) {
	browser, err := f.deps.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening a browser session: %w", err)
	}
	defer func() {
		if cerr := browser.Close(); cerr != nil {
			f.logger.Warn("Closing an episode session failed.",
				zap.Int("task_index", index), zap.Error(cerr))
		}
	}()

	orch := New(f.logger.With(zap.Int("task_index", index)), f.cfg, Deps{
		Browser:      browser,
		LLM:          f.deps.LLM,
		Store:        f.deps.Store,
		Estimator:    f.deps.Estimator,
		ArtifactsDir: f.deps.ArtifactsDir,
	})
	return orch.RunEpisode(ctx, task)
}
