package actions

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/dom"
)

// Target identifies the element an index-taking action resolved to.
type Target struct {
	Index     int
	Ref       string
	Signature string
}

// Env is the environment one action batch executes against.
type Env struct {
	Browser schemas.BrowserController
	// View is the selector view the decision's indices refer to.
	View *dom.SelectorMap
	// Generation stamps which view generation the indices were issued
	// against. Zero skips staleness checks.
	Generation uint64
	// Probe re-reads a cheap page summary between actions. Nil disables
	// mid-batch change detection.
	Probe func(ctx context.Context) (*PageProbe, error)

	ArtifactsDir string
	EpisodeID    string
	StepIndex    int

	// Target is set by the dispatcher before each handler runs, for
	// actions that address an element. Handlers read, never write.
	Target *Target
}

// PageProbe is the page summary used to decide whether the view a batch was
// planned against still holds.
type PageProbe struct {
	URL        string
	ViewLen    int
	Signatures []string
}

// ChangePredicate decides whether the page moved between two probes.
type ChangePredicate func(before, after *PageProbe) bool

// DefaultChangePredicate flags a change on URL, on view cardinality, or on
// any difference in the signature multiset.
func DefaultChangePredicate(before, after *PageProbe) bool {
	if before == nil || after == nil {
		return false
	}
	if before.URL != after.URL || before.ViewLen != after.ViewLen {
		return true
	}
	return dom.DiffViews(before.Signatures, after.Signatures).Changed()
}

// ProbeFromView derives a batch's before-state from the view itself.
func ProbeFromView(view *dom.SelectorMap) *PageProbe {
	if view == nil {
		return nil
	}
	return &PageProbe{
		URL:        view.Tree().URL,
		ViewLen:    view.Len(),
		Signatures: view.Signatures(),
	}
}

// DispatchConfig bounds how a batch runs.
type DispatchConfig struct {
	// ActionTimeout caps one handler invocation, per attempt.
	ActionTimeout time.Duration
	// ActionRetries is how many times a failed handler is retried.
	ActionRetries int
	// MaxActionsPerStep caps the batch; extra actions are skipped.
	MaxActionsPerStep int
}

// BatchResult is the outcome of one dispatched batch.
type BatchResult struct {
	Records []schemas.ActionRecord
	// Done is set when a terminal action completed the episode.
	Done    bool
	Success bool
	Summary string
	// HaltReason is non-empty when later actions were skipped because the
	// page moved or an action failed.
	HaltReason string
}

// Dispatcher validates, resolves and executes decision batches against the
// live page.
type Dispatcher struct {
	reg     *Registry
	cfg     DispatchConfig
	changed ChangePredicate
	log     *zap.Logger
}

func NewDispatcher(reg *Registry, cfg DispatchConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		reg:     reg,
		cfg:     cfg,
		changed: DefaultChangePredicate,
		log:     log.Named("dispatch"),
	}
}

// SetChangePredicate overrides mid-batch change detection. Nil restores the
// default.
func (d *Dispatcher) SetChangePredicate(fn ChangePredicate) {
	if fn == nil {
		fn = DefaultChangePredicate
	}
	d.changed = fn
}

// Execute runs a decision's actions in order. Failures never panic an
// episode: validation problems and unresolvable indices are recorded and
// surfaced to the model, execution failures and page changes halt what
// remains of the batch, and a terminal action ends it.
func (d *Dispatcher) Execute(ctx context.Context, env *Env, requests []schemas.ActionRequest) *BatchResult {
	out := &BatchResult{Records: make([]schemas.ActionRecord, 0, len(requests))}
	before := ProbeFromView(env.View)
	halt := ""

	for i, req := range requests {
		switch {
		case out.Done:
			out.Records = append(out.Records, skippedRecord(req, "episode already completed"))
			continue
		case halt != "":
			out.Records = append(out.Records, skippedRecord(req, halt))
			continue
		case d.cfg.MaxActionsPerStep > 0 && i >= d.cfg.MaxActionsPerStep:
			out.Records = append(out.Records, skippedRecord(req, "action limit for this step reached"))
			continue
		}

		rec, res, err := d.runOne(ctx, env, req)
		out.Records = append(out.Records, rec)

		switch {
		case err == nil:
		case errors.Is(err, schemas.ErrIndexStale):
			halt = "the page view expired mid-batch"
			continue
		case errors.Is(err, schemas.ErrActionValidationFailed), errors.Is(err, schemas.ErrIndexInvalid):
			// Nothing touched the page; the rest of the batch can run.
			continue
		default:
			halt = "a previous action failed"
			continue
		}

		if res != nil && res.Done {
			out.Done, out.Success, out.Summary = true, res.Success, res.Summary
			continue
		}

		action, _ := d.reg.Get(req.Name)
		if i < len(requests)-1 && env.Probe != nil && (action == nil || !action.Terminal) {
			after, perr := env.Probe(ctx)
			if perr != nil {
				d.log.Warn("mid-batch probe failed", zap.Error(perr))
				continue
			}
			if d.changed(before, after) {
				halt = "the page changed after the previous action"
			}
		}
	}

	out.HaltReason = halt
	return out
}

func (d *Dispatcher) runOne(ctx context.Context, env *Env, req schemas.ActionRequest) (rec schemas.ActionRecord, res *Result, err error) {
	rec = schemas.ActionRecord{Name: req.Name, Params: req.Params}
	start := time.Now()
	defer func() {
		rec.DurationMS = time.Since(start).Milliseconds()
	}()

	action, ok := d.reg.Get(req.Name)
	if !ok {
		err = &schemas.ValidationError{Action: req.Name, Reason: "unknown action"}
		rec.Error, rec.IncludeInMemory = err.Error(), true
		return rec, nil, err
	}
	if err = action.Params.Validate(req.Name, req.Params); err != nil {
		rec.Error, rec.IncludeInMemory = err.Error(), true
		return rec, nil, err
	}

	p := Params(req.Params)
	env.Target = nil
	if _, takesIndex := action.Params.Properties["index"]; takesIndex && p.Has("index") {
		if env.View == nil {
			err = &schemas.ValidationError{Action: req.Name, Param: "index", Reason: "no page view available"}
			rec.Error, rec.IncludeInMemory = err.Error(), true
			return rec, nil, err
		}
		idx, _ := p.Int("index")
		if _, rerr := env.View.ResolveAt(env.Generation, idx); rerr != nil {
			err = rerr
			rec.Error, rec.IncludeInMemory = err.Error(), true
			return rec, nil, err
		}
		env.Target = &Target{Index: idx, Ref: env.View.Ref(idx), Signature: env.View.Signature(idx)}
		rec.TargetSignature = env.Target.Signature
	}

	d.log.Debug("dispatching action",
		zap.String("action", req.Name),
		zap.Any("params", req.Params))

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx := ctx
		if d.cfg.ActionTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.ActionTimeout)
			defer cancel()
		}
		r, herr := action.Handler(attemptCtx, env, p)
		if herr != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(herr)
			}
			return herr
		}
		res = r
		return nil
	}

	retries := d.cfg.ActionRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(), uint64(retries)), ctx)
	if herr := backoff.Retry(op, policy); herr != nil {
		err = &schemas.ExecutionError{Action: req.Name, Attempts: attempts, Cause: herr}
		rec.Error, rec.IncludeInMemory = err.Error(), true
		d.log.Warn("action failed",
			zap.String("action", req.Name),
			zap.Int("attempts", attempts),
			zap.Error(herr))
		return rec, nil, err
	}

	rec.OK = true
	if res != nil {
		rec.Extracted = res.Extracted
		rec.IncludeInMemory = rec.IncludeInMemory || res.IncludeInMemory
	}
	return rec, res, nil
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func skippedRecord(req schemas.ActionRequest, reason string) schemas.ActionRecord {
	return schemas.ActionRecord{
		Name:    req.Name,
		Params:  req.Params,
		Skipped: true,
		Error:   reason,
	}
}
