// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/api/schemas"
	"github.com/skritek/pagepilot/internal/config"
	"github.com/skritek/pagepilot/internal/dom"
)

const (
	// stabilizeTimeout caps how long a post-command settle may block even
	// when the page never reaches readyState complete.
	stabilizeTimeout = 30 * time.Second
	// interactTimeout bounds element-level commands that wait for
	// visibility before acting.
	interactTimeout = 30 * time.Second
	// probeTimeout bounds best-effort reads such as the post-command URL.
	probeTimeout = 2 * time.Second

	defaultNavigationTimeout = 90 * time.Second
	scrollSettle             = 250 * time.Millisecond
	readyPollInterval        = 250 * time.Millisecond
)

// tab is one CDP page target with its own chromedp context.
type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     target.ID
}

// Session is one live browser window group. Commands run against the
// active tab. The first tab's context owns the Chrome process, so it stays
// open for the session's lifetime.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    *config.Config

	onClose func()

	mu     sync.Mutex
	tabs   []*tab
	active int
	closed bool
}

var _ schemas.BrowserController = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// activeTab returns the chromedp context of the currently active tab.
func (s *Session) activeTab() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("browser session %s is closed", s.id)
	}
	if s.active < 0 || s.active >= len(s.tabs) {
		return nil, fmt.Errorf("browser session %s has no active tab", s.id)
	}
	return s.tabs[s.active].ctx, nil
}

// run executes chromedp actions against the active tab, honoring both the
// tab's lifetime and the caller's deadline.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	tabCtx, err := s.activeTab()
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// stabilize waits for the page to settle after a command that may have
// started a navigation: body present, then document readyState complete.
// Timeouts are logged, not returned; only caller cancellation aborts.
func (s *Session) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, stabilizeTimeout)
	defer cancel()

	if err := s.run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Wait for document body failed during stabilization.", zap.Error(err))
		return nil
	}

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		var state string
		if err := s.run(stabCtx, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Ready state probe failed during stabilization.", zap.Error(err))
			return nil
		}
		if state == "complete" {
			return nil
		}
		select {
		case <-stabCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Debug("Page did not reach readyState complete.", zap.String("state", state))
			return nil
		case <-ticker.C:
		}
	}
}

// newNonce mints the walker marker prefix for one extraction cycle. A
// fresh value per cycle keeps stale markers from earlier snapshots inert.
func newNonce() string {
	return "pp" + uuid.NewString()[:8]
}

// markerSelector renders the CSS selector addressing the element carrying
// the given walker marker value.
func markerSelector(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("command requires an element target")
	}
	return fmt.Sprintf("[%s=%q]", dom.MarkerAttr, ref), nil
}

// ExtractStructure runs the in-page walker against the active tab and
// decodes the structural snapshot it emits.
func (s *Session) ExtractStructure(ctx context.Context) (*schemas.PageSnapshot, error) {
	opts := dom.DefaultExtractOptions(newNonce())
	if v := s.cfg.Agent.MaxTextLength; v > 0 {
		opts.MaxTextLength = v
	}
	if v := s.cfg.Agent.MaxFrameDepth; v > 0 {
		opts.MaxFrameDepth = v
	}

	var raw string
	if err := s.run(ctx, chromedp.Evaluate(dom.WalkerScript(opts), &raw)); err != nil {
		return nil, fmt.Errorf("structure extraction failed: %w", err)
	}
	snap, err := dom.DecodeSnapshot(raw, uuid.NewString())
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Extracted page structure.",
		zap.String("url", snap.URL),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Bool("aborted", snap.Stats.Aborted))
	return snap, nil
}

// Dispatch executes one browser-level command against the active tab.
func (s *Session) Dispatch(ctx context.Context, cmd schemas.Command) (*schemas.CommandResult, error) {
	s.logger.Debug("Dispatching browser command.",
		zap.String("verb", string(cmd.Verb)),
		zap.String("target_ref", cmd.TargetRef))

	res := &schemas.CommandResult{}
	var err error
	switch cmd.Verb {
	case schemas.VerbNavigate:
		err = s.navigate(ctx, cmd.URL)
	case schemas.VerbBack:
		err = s.navigateBack(ctx)
	case schemas.VerbClick:
		err = s.click(ctx, cmd.TargetRef)
	case schemas.VerbType:
		err = s.typeText(ctx, cmd.TargetRef, cmd.Text, cmd.Clear)
	case schemas.VerbSelect:
		err = s.selectOption(ctx, cmd.TargetRef, cmd.Value)
	case schemas.VerbScrollBy:
		err = s.scrollBy(ctx, cmd.DeltaY)
	case schemas.VerbScrollTo:
		err = s.scrollTo(ctx, cmd.TargetRef)
	case schemas.VerbSendKeys:
		err = s.sendKeys(ctx, cmd.TargetRef, cmd.Text)
	case schemas.VerbExtractText:
		res.Text, err = s.extractText(ctx, cmd.TargetRef)
	case schemas.VerbOpenTab:
		err = s.openTab(ctx, cmd.URL)
	case schemas.VerbCloseTab:
		err = s.closeTab(cmd.TabIndex)
	case schemas.VerbSwitchTab:
		err = s.switchTab(ctx, cmd.TabIndex)
	default:
		return nil, fmt.Errorf("unsupported command verb %q", cmd.Verb)
	}
	if err != nil {
		return nil, err
	}

	// Best effort: report where the page ended up.
	urlCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var loc string
	if probeErr := s.run(urlCtx, chromedp.Location(&loc)); probeErr == nil {
		res.URL = loc
	}
	return res, nil
}

func (s *Session) navigate(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("navigate requires a url")
	}
	timeout := s.cfg.Browser.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.run(navCtx, chromedp.Navigate(url)); err != nil {
		// An aborted load must not leave the tab with a command pending.
		s.stopLoading()
		if navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, timeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return s.stabilize(ctx)
}

// stopLoading halts a pending navigation on the active tab. The tab's own
// context drives it, so it still runs when the operation that started the
// load has been canceled.
func (s *Session) stopLoading() {
	tabCtx, err := s.activeTab()
	if err != nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(tabCtx, probeTimeout)
	defer cancel()
	if err := chromedp.Run(stopCtx, page.StopLoading()); err != nil {
		s.logger.Debug("Could not stop pending navigation.", zap.Error(err))
	}
}

func (s *Session) navigateBack(ctx context.Context) error {
	backCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	if err := s.run(backCtx, chromedp.NavigateBack()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("history navigation failed: %w", err)
	}
	return s.stabilize(ctx)
}

func (s *Session) click(ctx context.Context, ref string) error {
	sel, err := markerSelector(ref)
	if err != nil {
		return err
	}
	clickCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	err = s.run(clickCtx, chromedp.Tasks{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("click on %s failed: %w", sel, err)
	}
	// A click may have started a navigation.
	return s.stabilize(ctx)
}

func (s *Session) typeText(ctx context.Context, ref, text string, clear bool) error {
	sel, err := markerSelector(ref)
	if err != nil {
		return err
	}
	tasks := chromedp.Tasks{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
	}
	if clear {
		tasks = append(tasks, chromedp.Clear(sel, chromedp.ByQuery))
	}
	tasks = append(tasks, chromedp.SendKeys(sel, text, chromedp.ByQuery))

	typeCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	if err := s.run(typeCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("typing into %s failed: %w", sel, err)
	}
	return nil
}

func (s *Session) selectOption(ctx context.Context, ref, value string) error {
	sel, err := markerSelector(ref)
	if err != nil {
		return err
	}
	// Matching by value first and visible label second mirrors how the
	// options were described in the page view.
	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%q);
		if (!el) { return "missing"; }
		if (el.tagName !== "SELECT") { return "not a select"; }
		for (const opt of el.options) {
			if (opt.value === %q || opt.label === %q || opt.text === %q) {
				el.value = opt.value;
				el.dispatchEvent(new Event("input", {bubbles: true}));
				el.dispatchEvent(new Event("change", {bubbles: true}));
				return "ok";
			}
		}
		return "no matching option";
	})()`, sel, value, value, value)

	var status string
	selCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	if err := s.run(selCtx, chromedp.Evaluate(script, &status)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("selecting option in %s failed: %w", sel, err)
	}
	switch status {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("no element matches %s", sel)
	default:
		return fmt.Errorf("cannot select %q in %s: %s", value, sel, status)
	}
}

func (s *Session) scrollBy(ctx context.Context, deltaY float64) error {
	script := fmt.Sprintf(`window.scrollBy({top: %v, left: 0, behavior: "instant"});`, deltaY)
	scrollCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	err := s.run(scrollCtx,
		chromedp.Evaluate(script, nil),
		chromedp.Sleep(scrollSettle),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

func (s *Session) scrollTo(ctx context.Context, ref string) error {
	sel, err := markerSelector(ref)
	if err != nil {
		return err
	}
	scrollCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	err = s.run(scrollCtx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Sleep(scrollSettle),
	)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("scrolling to %s failed: %w", sel, err)
	}
	return nil
}

func (s *Session) sendKeys(ctx context.Context, ref, chord string) error {
	key, mods, err := parseKeyChord(chord)
	if err != nil {
		return err
	}

	var tasks chromedp.Tasks
	if ref != "" {
		sel, selErr := markerSelector(ref)
		if selErr != nil {
			return selErr
		}
		tasks = append(tasks,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.Focus(sel, chromedp.ByQuery),
		)
	}
	if mods != input.ModifierNone {
		tasks = append(tasks, chromedp.KeyEvent(key, chromedp.KeyModifiers(mods)))
	} else {
		tasks = append(tasks, chromedp.KeyEvent(key))
	}

	keyCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()
	if err := s.run(keyCtx, tasks); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("sending keys %q failed: %w", chord, err)
	}
	return nil
}

func (s *Session) extractText(ctx context.Context, ref string) (string, error) {
	extCtx, cancel := context.WithTimeout(ctx, interactTimeout)
	defer cancel()

	var text string
	if ref == "" {
		err := s.run(extCtx, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("page text extraction failed: %w", err)
		}
		return text, nil
	}

	sel, err := markerSelector(ref)
	if err != nil {
		return "", err
	}
	if err := s.run(extCtx, chromedp.Text(sel, &text, chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("text extraction from %s failed: %w", sel, err)
	}
	return text, nil
}

func (s *Session) openTab(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("browser session %s is closed", s.id)
	}
	if len(s.tabs) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("browser session %s has no open tabs", s.id)
	}
	root := s.tabs[0].ctx
	s.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(root)
	runCtx, runCancel := CombineContext(tabCtx, ctx)
	err := chromedp.Run(runCtx)
	runCancel()
	if err != nil {
		tabCancel()
		return fmt.Errorf("opening tab failed: %w", err)
	}

	t := &tab{ctx: tabCtx, cancel: tabCancel}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		t.id = c.Target.TargetID
	}

	s.mu.Lock()
	s.tabs = append(s.tabs, t)
	s.active = len(s.tabs) - 1
	s.mu.Unlock()

	s.logger.Debug("Opened tab.", zap.Int("tab", len(s.tabs)-1), zap.String("url", url))
	if url == "" {
		return nil
	}
	return s.navigate(ctx, url)
}

// removeTab drops the tab at idx and reports the adjusted active index.
func removeTab(tabs []*tab, idx, active int) ([]*tab, int) {
	out := append(tabs[:idx:idx], tabs[idx+1:]...)
	switch {
	case active == idx:
		active = idx - 1
	case active > idx:
		active--
	}
	if active < 0 {
		active = 0
	}
	if active >= len(out) {
		active = len(out) - 1
	}
	return out, active
}

func (s *Session) closeTab(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("browser session %s is closed", s.id)
	}
	if len(s.tabs) == 1 {
		return fmt.Errorf("cannot close the last remaining tab")
	}
	if idx < 0 || idx >= len(s.tabs) {
		return fmt.Errorf("tab index %d out of range, session has %d tabs", idx, len(s.tabs))
	}
	if idx == 0 {
		// The root tab's context owns the Chrome process.
		return fmt.Errorf("cannot close the session's root tab")
	}

	closing := s.tabs[idx]
	s.tabs, s.active = removeTab(s.tabs, idx, s.active)
	closing.cancel()
	s.logger.Debug("Closed tab.", zap.Int("tab", idx))
	return nil
}

func (s *Session) switchTab(ctx context.Context, idx int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("browser session %s is closed", s.id)
	}
	if idx < 0 || idx >= len(s.tabs) {
		n := len(s.tabs)
		s.mu.Unlock()
		return fmt.Errorf("tab index %d out of range, session has %d tabs", idx, n)
	}
	s.active = idx
	tabCtx := s.tabs[idx].ctx
	s.mu.Unlock()

	// Foreground the tab so screenshots and focus-sensitive scripts see it.
	ftCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(ftCtx, page.BringToFront()); err != nil {
		s.logger.Debug("Could not foreground tab.", zap.Int("tab", idx), zap.Error(err))
	}
	return nil
}

// CaptureScreenshot returns a PNG of the active tab's viewport.
func (s *Session) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot capture failed: %w", err)
	}
	return buf, nil
}

// CurrentURL reports the active tab's location without touching its state.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading page location failed: %w", err)
	}
	return loc, nil
}

// ListTabs enumerates the session's open tabs in their bookkeeping order.
func (s *Session) ListTabs(ctx context.Context) ([]schemas.TabInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("browser session %s is closed", s.id)
	}
	tabs := make([]*tab, len(s.tabs))
	copy(tabs, s.tabs)
	active := s.active
	s.mu.Unlock()

	if len(tabs) == 0 {
		return nil, fmt.Errorf("browser session %s has no open tabs", s.id)
	}

	// Target metadata lives browser-side; any tab context can query it.
	infoCtx, cancel := CombineContext(tabs[0].ctx, ctx)
	defer cancel()
	targets, err := chromedp.Targets(infoCtx)
	if err != nil {
		return nil, fmt.Errorf("listing tabs failed: %w", err)
	}
	byID := make(map[target.ID]*target.Info, len(targets))
	for _, info := range targets {
		byID[info.TargetID] = info
	}

	out := make([]schemas.TabInfo, 0, len(tabs))
	for i, t := range tabs {
		ti := schemas.TabInfo{Index: i, TargetID: string(t.id), Active: i == active}
		if info, ok := byID[t.id]; ok {
			ti.URL = info.URL
			ti.Title = info.Title
		}
		out = append(out, ti)
	}
	return out, nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = nil
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	// Subsidiary tabs first, the root tab last since its context owns the
	// Chrome process.
	for i := len(tabs) - 1; i >= 0; i-- {
		tabs[i].cancel()
	}

	if s.onClose != nil {
		s.onClose()
	}
	return nil
}
