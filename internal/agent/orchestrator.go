// internal/agent/orchestrator.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/actions"
	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/convo"
	"github.com/skritek/pagepilot/internal/dom"
)

// Allows for mocking in tests.
var uuidNewString = uuid.NewString

// errStopped ends the episode loop when Stop was called.
var errStopped = errors.New("episode stopped")

// decisionTemperature keeps step decisions close to deterministic.
const decisionTemperature = 0.2

// finishPersistTimeout bounds sealing the episode record after the episode
// context is already gone.
const finishPersistTimeout = 10 * time.Second

// Deps are the collaborators one episode runs against. Browser and LLM are
// required. A nil Store disables persistence, a nil Registry gets the
// builtin action set, a nil Estimator falls back to the character
// heuristic.
type Deps struct {
	Browser      schemas.BrowserController
	LLM          schemas.LLMClient
	Store        schemas.EpisodeStore
	Registry     *actions.Registry
	Estimator    schemas.TokenEstimator
	ArtifactsDir string
}

// EpisodeResult is everything one episode produced: the sealed header, the
// per-step trace and the state the loop ended in.
type EpisodeResult struct {
	Episode    schemas.EpisodeRecord
	Steps      []schemas.StepRecord
	FinalState State
}

// Orchestrator drives one episode through its perceive, decide, act and
// observe phases. Phases run strictly sequentially; only the model call
// and the browser calls block, and both honor context cancellation. One
// orchestrator runs one episode and is not reused.
type Orchestrator struct {
	cfg      config.AgentConfig
	logger   *zap.Logger
	browser  schemas.BrowserController
	llm      schemas.LLMClient
	store    schemas.EpisodeStore
	registry *actions.Registry
	conv     *convo.Manager
	disp     *actions.Dispatcher
	ledger   *dom.Ledger

	artifactsDir string

	// generation and tokensUsed belong to the loop goroutine alone.
	generation uint64
	tokensUsed int

	mu       sync.RWMutex
	state    State
	resumeTo State
	resumeCh chan struct{}

	stopChan chan struct{}
	stopOnce sync.Once

	// stateReady receives every state the episode enters, best effort.
	stateReady chan State
}

// New assembles an orchestrator around its collaborators. The conversation
// manager and dispatcher are owned per episode; sharing either between
// episodes would leak one task's context into another.
func New(logger *zap.Logger, cfg config.AgentConfig, deps Deps) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = actions.NewBuiltinRegistry()
	}
	est := deps.Estimator
	if est == nil {
		est = convo.HeuristicEstimator{}
	}
	log := logger.Named("agent")

	o := &Orchestrator{
		cfg:          cfg,
		logger:       log,
		browser:      deps.Browser,
		llm:          deps.LLM,
		store:        deps.Store,
		registry:     deps.Registry,
		conv:         convo.NewManager(cfg.ContextTokenBudget, est),
		ledger:       &dom.Ledger{},
		artifactsDir: deps.ArtifactsDir,
		state:        StateIdle,
		stopChan:     make(chan struct{}),
		stateReady:   make(chan State, 16),
	}
	o.disp = actions.NewDispatcher(deps.Registry, actions.DispatchConfig{
		ActionTimeout:     cfg.ActionTimeout,
		ActionRetries:     cfg.ActionRetries,
		MaxActionsPerStep: cfg.MaxActionsPerStep,
	}, log)
	o.disp.SetChangePredicate(batchChangePredicate)
	return o
}

// State reports the episode's current phase.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// StateChanges exposes the transition feed. Receives are best effort; a
// slow reader misses transitions rather than blocking the episode.
func (o *Orchestrator) StateChanges() <-chan State { return o.stateReady }

// TokensUsed reports the provider tokens the episode has consumed so far.
// Only meaningful once RunEpisode returned.
func (o *Orchestrator) TokensUsed() int { return o.tokensUsed }

func (o *Orchestrator) notifyState(s State) {
	select {
	case o.stateReady <- s:
	default:
	}
}

// updateState moves the episode to a new state if the transition is legal
// and reports whether it happened. A refusal because the episode paused
// underneath the caller stays silent; the advance loop handles that.
func (o *Orchestrator) updateState(to State) bool {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return true
	}
	if !legalTransition(from, to) {
		o.mu.Unlock()
		if from != StatePaused {
			o.logger.Warn("Ignoring a transition out of a terminal state.",
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		}
		return false
	}
	o.state = to
	o.mu.Unlock()

	o.logger.Debug("Episode state changed.",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	o.notifyState(to)
	return true
}

// advance blocks while the episode is paused, honors stop and context
// cancellation, and then enters the next phase. Stop wins every race with
// phase completion because it is re-checked on each transition.
func (o *Orchestrator) advance(ctx context.Context, to State) error {
	for {
		o.mu.RLock()
		st := o.state
		ch := o.resumeCh
		o.mu.RUnlock()

		switch {
		case st == StateStopped:
			return errStopped
		case st.Terminal():
			return fmt.Errorf("episode already %s", st)
		case st == StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.stopChan:
				return errStopped
			case <-ch:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stopChan:
			return errStopped
		default:
		}
		if o.updateState(to) {
			return nil
		}
		// A pause or stop landed between the check and the transition.
	}
}

// Pause suspends the episode at the next phase boundary. A phase already
// in flight runs to completion first. Pausing outside an active phase does
// nothing.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	if !o.state.Active() {
		o.mu.Unlock()
		return
	}
	at := o.state
	o.resumeTo = at
	o.state = StatePaused
	o.resumeCh = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("Episode paused.", zap.String("during", string(at)))
	o.notifyState(StatePaused)
}

// Resume reverses Pause, restoring the phase the episode was in. Resuming
// an episode that is not paused does nothing.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if o.state != StatePaused {
		o.mu.Unlock()
		return
	}
	to := o.resumeTo
	o.state = to
	ch := o.resumeCh
	o.resumeCh = nil
	o.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	o.logger.Info("Episode resumed.", zap.String("state", string(to)))
	o.notifyState(to)
}

// Stop ends the episode as soon as the current blocking call returns. Safe
// to call from any goroutine, any number of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopChan)
		o.updateState(StateStopped)
		o.logger.Info("Episode stop requested.")
	})
}

// RunEpisode drives the task to completion. The returned result is always
// non-nil and carries whatever the episode produced before it ended. The
// error reports why the episode failed or was cut short externally; it is
// nil for a clean finish, a step-limit finish and a requested stop.
func (o *Orchestrator) RunEpisode(ctx context.Context, task string) (*EpisodeResult, error) {
	episodeID := uuidNewString()
	log := o.logger.With(zap.String("episode_id", episodeID))

	result := &EpisodeResult{
		Episode: schemas.EpisodeRecord{
			ID:        episodeID,
			Task:      task,
			Status:    schemas.EpisodeRunning,
			StartedAt: time.Now().UTC(),
		},
	}
	log.Info("Episode started.", zap.String("task", task))

	if o.store != nil {
		if err := o.store.CreateEpisode(ctx, &result.Episode); err != nil {
			log.Warn("Failed to record the episode header.", zap.Error(err))
		}
	}

	system := systemPrompt(task, o.registry.Catalog())

	for step := 0; ; step++ {
		if step >= o.cfg.MaxSteps {
			result.Episode.PartialSuccess = true
			result.Episode.Summary = fmt.Sprintf("step limit of %d reached before the task finished", o.cfg.MaxSteps)
			log.Info("Step limit reached.", zap.Int("max_steps", o.cfg.MaxSteps))
			return o.finish(ctx, log, result, schemas.EpisodeDone, nil)
		}
		stepStart := time.Now().UTC()
		stepLog := log.With(zap.Int("step", step))

		if err := o.advance(ctx, StatePerceiving); err != nil {
			return o.abort(ctx, log, result, err)
		}
		view, snap, err := o.perceive(ctx, stepLog)
		if err != nil {
			return o.finish(ctx, log, result, schemas.EpisodeFailed, fmt.Errorf("step %d: %w", step, err))
		}
		diff := o.ledger.Observe(view)

		if err := o.advance(ctx, StateDeciding); err != nil {
			return o.abort(ctx, log, result, err)
		}
		decision, err := o.decide(ctx, stepLog, system, step, view, snap, diff)
		if err != nil {
			return o.finish(ctx, log, result, schemas.EpisodeFailed, fmt.Errorf("step %d: %w", step, err))
		}

		if err := o.advance(ctx, StateActing); err != nil {
			return o.abort(ctx, log, result, err)
		}
		batch := o.act(ctx, episodeID, step, view, decision)
		if batch.Done {
			result.Episode.Success = batch.Success
			result.Episode.Summary = batch.Summary
		}

		if err := o.advance(ctx, StateObserving); err != nil {
			return o.abort(ctx, log, result, err)
		}
		rec, err := o.observe(ctx, stepLog, episodeID, step, stepStart, view, snap, decision, batch, diff)
		result.Steps = append(result.Steps, rec)
		result.Episode.Steps = len(result.Steps)
		if err != nil {
			return o.finish(ctx, log, result, schemas.EpisodeFailed, fmt.Errorf("step %d: %w", step, err))
		}
		if batch.Done {
			log.Info("Episode completed by the model.", zap.Bool("success", batch.Success))
			return o.finish(ctx, log, result, schemas.EpisodeDone, nil)
		}
	}
}

// abort maps loop interruptions onto the stopped status. A requested stop
// is a clean outcome; a canceled context keeps its error attached.
func (o *Orchestrator) abort(ctx context.Context, log *zap.Logger, result *EpisodeResult, err error) (*EpisodeResult, error) {
	if errors.Is(err, errStopped) {
		return o.finish(ctx, log, result, schemas.EpisodeStopped, nil)
	}
	return o.finish(ctx, log, result, schemas.EpisodeStopped, err)
}

// finish seals the episode: terminal state, header totals, final URL and
// the store record. A stop that raced the finish wins.
func (o *Orchestrator) finish(ctx context.Context, log *zap.Logger, result *EpisodeResult, status schemas.EpisodeStatus, err error) (*EpisodeResult, error) {
	switch status {
	case schemas.EpisodeDone:
		o.updateState(StateDone)
	case schemas.EpisodeFailed:
		o.updateState(StateFailed)
	default:
		o.updateState(StateStopped)
	}
	final := o.State()
	if final == StateStopped && status != schemas.EpisodeStopped {
		status = schemas.EpisodeStopped
	}
	result.FinalState = final

	result.Episode.Status = status
	result.Episode.TokensUsed = o.tokensUsed
	result.Episode.FinishedAt = time.Now().UTC()
	if n := len(result.Steps); n > 0 {
		result.Episode.FinalURL = result.Steps[n-1].URL
	}
	if ctx.Err() == nil {
		if url, uerr := o.browser.CurrentURL(ctx); uerr == nil && url != "" {
			result.Episode.FinalURL = url
		}
	}

	if o.store != nil {
		// Sealing the header must survive the episode context being gone.
		persistCtx, cancel := context.WithTimeout(context.Background(), finishPersistTimeout)
		defer cancel()
		if perr := o.store.FinishEpisode(persistCtx, &result.Episode); perr != nil {
			log.Warn("Failed to seal the episode record.", zap.Error(perr))
		}
	}

	log.Info("Episode finished.",
		zap.String("status", string(status)),
		zap.Int("steps", result.Episode.Steps),
		zap.Int("tokens_used", result.Episode.TokensUsed),
		zap.Bool("success", result.Episode.Success),
		zap.Error(err))
	return result, err
}

// perceive extracts the page structure and builds the step's selector
// view. Stale snapshots retry with exponential backoff up to the
// configured cap; a malformed snapshot gets a single retry, since it
// usually means the extraction raced a mutation rather than transient
// load.
func (o *Orchestrator) perceive(ctx context.Context, log *zap.Logger) (*dom.SelectorMap, *schemas.PageSnapshot, error) {
	var (
		view             *dom.SelectorMap
		snap             *schemas.PageSnapshot
		attempts         int
		malformedRetried bool
	)

	op := func() error {
		attempts++
		phaseCtx := ctx
		if o.cfg.ExtractionTimeout > 0 {
			var cancel context.CancelFunc
			phaseCtx, cancel = context.WithTimeout(ctx, o.cfg.ExtractionTimeout)
			defer cancel()
		}

		s, err := o.browser.ExtractStructure(phaseCtx)
		if err == nil {
			var tree *dom.Tree
			tree, err = dom.BuildTree(s, dom.BuildOptions{ViewportExpansion: o.cfg.ViewportExpansion})
			if err == nil {
				o.generation++
				snap = s
				view = dom.BuildSelectorMap(tree, o.generation)
				return nil
			}
		}

		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		switch {
		case errors.Is(err, schemas.ErrExtractionStale):
			log.Debug("Extraction raced the page, retrying.", zap.Int("attempt", attempts), zap.Error(err))
			return err
		case errors.Is(err, schemas.ErrSnapshotMalformed):
			if malformedRetried {
				return backoff.Permanent(err)
			}
			malformedRetried = true
			log.Debug("Snapshot was malformed, retrying once.", zap.Error(err))
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	retries := o.cfg.ExtractionRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newPhaseBackoff(), uint64(retries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, nil, fmt.Errorf("perception failed after %d attempt(s): %w", attempts, err)
	}

	log.Debug("Page perceived.",
		zap.String("url", snap.URL),
		zap.Int("interactive_elements", view.Len()),
		zap.Uint64("generation", view.Generation()))
	return view, snap, nil
}

func newPhaseBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	return b
}

// decide asks the model for the step's decision. A reply that does not
// parse goes back once with the parse error attached; a second failure
// ends the episode.
func (o *Orchestrator) decide(ctx context.Context, log *zap.Logger, system string, step int, view *dom.SelectorMap, snap *schemas.PageSnapshot, diff dom.ViewDiff) (*schemas.Decision, error) {
	var tabs []schemas.TabInfo
	if ts, err := o.browser.ListTabs(ctx); err == nil {
		tabs = ts
	}
	o.conv.Append(schemas.Message{
		Role:    schemas.RoleUser,
		Content: stateMessage(view, snap, tabs, diff, step, o.cfg.MaxTextLength),
	})

	res, err := o.generate(ctx, system)
	if err != nil {
		return nil, err
	}
	decision, perr := convo.ExtractJSON[schemas.Decision](res.Text)
	if perr == nil {
		o.conv.Append(schemas.Message{Role: schemas.RoleAssistant, Content: res.Text})
		return decision, nil
	}

	log.Warn("Decision did not parse, re-prompting once.", zap.Error(perr))
	o.conv.Append(schemas.Message{Role: schemas.RoleAssistant, Content: res.Text})
	o.conv.Append(schemas.Message{Role: schemas.RoleUser, Content: correctionMessage(perr)})

	res, err = o.generate(ctx, system)
	if err != nil {
		return nil, err
	}
	decision, perr = convo.ExtractJSON[schemas.Decision](res.Text)
	if perr != nil {
		return nil, perr
	}
	o.conv.Append(schemas.Message{Role: schemas.RoleAssistant, Content: res.Text})
	return decision, nil
}

// generate performs one model call and charges it against the episode
// token budget.
func (o *Orchestrator) generate(ctx context.Context, system string) (*schemas.GenerationResult, error) {
	callCtx := ctx
	if o.cfg.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.DecisionTimeout)
		defer cancel()
	}
	res, err := o.llm.Generate(callCtx, schemas.GenerationRequest{
		SystemPrompt: system,
		Messages:     o.conv.Window(),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     decisionTemperature,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decision generation failed: %w", err)
	}
	if err := o.chargeTokens(res); err != nil {
		return nil, err
	}
	return res, nil
}

// chargeTokens accumulates provider usage against the episode budget.
// Exceeding the budget is fatal to the episode and never retried.
func (o *Orchestrator) chargeTokens(res *schemas.GenerationResult) error {
	if res == nil {
		return nil
	}
	o.tokensUsed += res.TotalTokens()
	if b := o.cfg.EpisodeTokenBudget; b > 0 && o.tokensUsed > b {
		return &schemas.BudgetError{Kind: "tokens", Used: o.tokensUsed, Limit: b}
	}
	return nil
}

// act hands the decision's batch to the dispatcher against the view the
// decision was made on.
func (o *Orchestrator) act(ctx context.Context, episodeID string, step int, view *dom.SelectorMap, decision *schemas.Decision) *actions.BatchResult {
	env := &actions.Env{
		Browser:      o.browser,
		View:         view,
		Generation:   view.Generation(),
		Probe:        probeURL(o.browser),
		ArtifactsDir: o.artifactsDir,
		EpisodeID:    episodeID,
		StepIndex:    step,
	}
	return o.disp.Execute(ctx, env, decision.Actions)
}

// probeURL builds the mid-batch probe. It reads only the location on
// purpose: re-running the walker between actions would restamp the element
// markers and orphan the refs the rest of the batch resolves to, so
// structural change detection waits for the next perception.
func probeURL(browser schemas.BrowserController) func(context.Context) (*actions.PageProbe, error) {
	return func(ctx context.Context) (*actions.PageProbe, error) {
		url, err := browser.CurrentURL(ctx)
		if err != nil {
			return nil, err
		}
		return &actions.PageProbe{URL: url}, nil
	}
}

// batchChangePredicate compares mid-batch probes. URL-only probes compare
// locations; anything richer falls through to the full default.
func batchChangePredicate(before, after *actions.PageProbe) bool {
	if before == nil || after == nil {
		return false
	}
	if after.Signatures == nil && after.ViewLen == 0 {
		return before.URL != after.URL
	}
	return actions.DefaultChangePredicate(before, after)
}

// observe folds the step's outcome back into the conversation, persists
// the record and captures the optional end-of-step screenshot. The only
// error it can return is an exhausted token budget from compaction.
func (o *Orchestrator) observe(ctx context.Context, log *zap.Logger, episodeID string, step int, startedAt time.Time, view *dom.SelectorMap, snap *schemas.PageSnapshot, decision *schemas.Decision, batch *actions.BatchResult, diff dom.ViewDiff) (schemas.StepRecord, error) {
	rec := schemas.StepRecord{
		EpisodeID:    episodeID,
		StepIndex:    step,
		URL:          snap.URL,
		Title:        snap.Title,
		ViewSize:     view.Len(),
		Decision:     *decision,
		Actions:      batch.Records,
		NewElements:  len(diff.NewIndices),
		GoneElements: len(diff.GoneSignatures),
		StartedAt:    startedAt,
		FinishedAt:   time.Now().UTC(),
	}

	if decision.Memory != "" {
		o.conv.Append(schemas.Message{
			Role:           schemas.RoleAssistant,
			Content:        "Memory: " + decision.Memory,
			MemoryRequired: true,
		})
	}
	if msg := batchMessage(batch); msg != "" {
		o.conv.Append(schemas.Message{
			Role:           schemas.RoleTool,
			Content:        msg,
			MemoryRequired: anyInMemory(batch.Records),
		})
	}

	if o.store != nil {
		if err := o.store.AppendStep(ctx, &rec); err != nil {
			log.Warn("Failed to persist the step record.", zap.Error(err))
		}
	}

	if o.cfg.ScreenshotEveryStep && o.artifactsDir != "" {
		o.captureStepScreenshot(ctx, log, episodeID, step)
	}

	if o.cfg.ContextTokenBudget > 0 && o.conv.EstimatedTokens() > o.cfg.ContextTokenBudget {
		res, err := o.conv.Compact(ctx, o.llm)
		if err != nil {
			log.Warn("Context compaction failed.", zap.Error(err))
		} else if cerr := o.chargeTokens(res); cerr != nil {
			return rec, cerr
		}
	}
	return rec, nil
}

func anyInMemory(records []schemas.ActionRecord) bool {
	for _, r := range records {
		if r.IncludeInMemory {
			return true
		}
	}
	return false
}

// captureStepScreenshot saves the end-of-step viewport next to any
// screenshots the model requested itself. Failures are logged, never
// fatal.
func (o *Orchestrator) captureStepScreenshot(ctx context.Context, log *zap.Logger, episodeID string, step int) {
	png, err := o.browser.CaptureScreenshot(ctx)
	if err != nil {
		log.Warn("Step screenshot failed.", zap.Error(err))
		return
	}
	if err := os.MkdirAll(o.artifactsDir, 0o755); err != nil {
		log.Warn("Cannot create the artifacts directory.", zap.Error(err))
		return
	}
	path := filepath.Join(o.artifactsDir, fmt.Sprintf("%s-step%03d-end.png", episodeID, step))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		log.Warn("Cannot write the step screenshot.", zap.Error(err))
	}
}
