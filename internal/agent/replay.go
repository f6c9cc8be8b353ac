// internal/agent/replay.go
package agent

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/actions"
	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/dom"
)

// ReplayConfig controls how strictly a replay follows its recording.
type ReplayConfig struct {
	// SkipDivergent keeps replaying after a recorded element is missing
	// from the live page. The default halts at the first divergence.
	SkipDivergent bool
}

// Divergence is one point where the live page no longer matches the
// recording.
type Divergence struct {
	StepIndex int    `json:"step_index"`
	Action    string `json:"action"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason"`
}

// ReplayReport is the outcome of re-driving one recorded episode.
type ReplayReport struct {
	EpisodeID      string       `json:"episode_id"`
	Task           string       `json:"task"`
	StepsTotal     int          `json:"steps_total"`
	StepsReplayed  int          `json:"steps_replayed"`
	ActionsRun     int          `json:"actions_run"`
	ActionsSkipped int          `json:"actions_skipped"`
	Divergences    []Divergence `json:"divergences,omitempty"`
	Halted         bool         `json:"halted"`
	FinalURL       string       `json:"final_url,omitempty"`
}

// Replayer re-drives a persisted episode against a live session. Recorded
// element actions resolve by signature, never by stored index, so a page
// that reordered its elements still replays; a signature that no longer
// matches anything is a divergence.
type Replayer struct {
	logger     *zap.Logger
	cfg        config.AgentConfig
	rcfg       ReplayConfig
	browser    schemas.BrowserController
	store      schemas.EpisodeStore
	disp       *actions.Dispatcher
	generation uint64
}

func NewReplayer(logger *zap.Logger, cfg config.AgentConfig, rcfg ReplayConfig, browser schemas.BrowserController, store schemas.EpisodeStore) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("replay")
	disp := actions.NewDispatcher(actions.NewBuiltinRegistry(), actions.DispatchConfig{
		ActionTimeout: cfg.ActionTimeout,
		ActionRetries: cfg.ActionRetries,
	}, log)
	disp.SetChangePredicate(batchChangePredicate)
	return &Replayer{
		logger:  log,
		cfg:     cfg,
		rcfg:    rcfg,
		browser: browser,
		store:   store,
		disp:    disp,
	}
}

// Replay loads the episode and re-drives its steps in order.
func (r *Replayer) Replay(ctx context.Context, episodeID string) (*ReplayReport, error) {
	ep, steps, err := r.store.LoadEpisode(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("loading episode %s: %w", episodeID, err)
	}

	report := &ReplayReport{EpisodeID: ep.ID, Task: ep.Task, StepsTotal: len(steps)}
	r.logger.Info("Replay started.",
		zap.String("episode_id", ep.ID),
		zap.Int("steps", len(steps)))

	for _, step := range steps {
		view, err := r.perceive(ctx)
		if err != nil {
			return report, fmt.Errorf("replay perception at step %d: %w", step.StepIndex, err)
		}

		requests, skipped := r.resolveStep(report, step, view)
		report.ActionsSkipped += skipped
		if report.Halted {
			break
		}
		if len(requests) == 0 {
			report.StepsReplayed++
			continue
		}

		env := &actions.Env{
			Browser:    r.browser,
			View:       view,
			Generation: view.Generation(),
			Probe:      probeURL(r.browser),
			EpisodeID:  ep.ID,
			StepIndex:  step.StepIndex,
		}
		batch := r.disp.Execute(ctx, env, requests)
		for _, rec := range batch.Records {
			switch {
			case rec.Skipped:
				report.ActionsSkipped++
			case rec.OK:
				report.ActionsRun++
			default:
				report.ActionsRun++
				report.Divergences = append(report.Divergences, Divergence{
					StepIndex: step.StepIndex,
					Action:    rec.Name,
					Signature: rec.TargetSignature,
					Reason:    "action failed during replay: " + rec.Error,
				})
				if !r.rcfg.SkipDivergent {
					report.Halted = true
				}
			}
		}
		report.StepsReplayed++
		if report.Halted || batch.Done {
			break
		}
	}

	if url, uerr := r.browser.CurrentURL(ctx); uerr == nil {
		report.FinalURL = url
	}
	r.logger.Info("Replay finished.",
		zap.Int("steps_replayed", report.StepsReplayed),
		zap.Int("divergences", len(report.Divergences)),
		zap.Bool("halted", report.Halted))
	return report, nil
}

// resolveStep maps a step's recorded actions onto the live view. Only
// actions that actually drove the page when recorded are replayed. On a
// halting divergence the whole step is discarded so no prefix of it runs.
func (r *Replayer) resolveStep(report *ReplayReport, step schemas.StepRecord, view *dom.SelectorMap) ([]schemas.ActionRequest, int) {
	var requests []schemas.ActionRequest
	skipped := 0

	for _, rec := range step.Actions {
		if rec.Skipped || !rec.OK {
			skipped++
			continue
		}
		req := schemas.ActionRequest{Name: rec.Name, Params: maps.Clone(rec.Params)}
		if rec.TargetSignature != "" {
			idx, ok := view.BySignature(rec.TargetSignature)
			if !ok {
				report.Divergences = append(report.Divergences, Divergence{
					StepIndex: step.StepIndex,
					Action:    rec.Name,
					Signature: rec.TargetSignature,
					Reason:    "recorded element is no longer on the page",
				})
				if !r.rcfg.SkipDivergent {
					report.Halted = true
					return nil, skipped
				}
				skipped++
				continue
			}
			if req.Params == nil {
				req.Params = map[string]any{}
			}
			req.Params["index"] = idx
		}
		requests = append(requests, req)
	}
	return requests, skipped
}

// perceive runs one extraction and builds the live view for a step.
func (r *Replayer) perceive(ctx context.Context) (*dom.SelectorMap, error) {
	phaseCtx := ctx
	if r.cfg.ExtractionTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, r.cfg.ExtractionTimeout)
		defer cancel()
	}
	snap, err := r.browser.ExtractStructure(phaseCtx)
	if err != nil {
		return nil, err
	}
	tree, err := dom.BuildTree(snap, dom.BuildOptions{ViewportExpansion: r.cfg.ViewportExpansion})
	if err != nil {
		return nil, err
	}
	r.generation++
	return dom.BuildSelectorMap(tree, r.generation), nil
}
