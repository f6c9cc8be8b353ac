// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skritek/pagepilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager owns the Chrome allocator and hands out isolated sessions.
// Allocator startup is deferred until the first session is requested.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	initOnce sync.Once
}

// NewManager creates a browser manager. No Chrome process is started here.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created (allocator start deferred).")
	return m
}

// ensureAllocator builds the exec allocator on first use. The allocator
// derives from Background so browser processes answer to Shutdown, not to
// whichever caller happened to launch the first session.
func (m *Manager) ensureAllocator() {
	m.initOnce.Do(func() {
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.cfg.Browser)...)
		m.mu.Lock()
		m.allocCtx, m.allocCancel = allocCtx, allocCancel
		m.mu.Unlock()
		m.logger.Info("Browser allocator initialized.", zap.Bool("headless", m.cfg.Browser.Headless))
	})
}

// flag is one Chrome command-line switch. Flag construction is kept as
// plain data so the mapping from configuration to switches stays testable
// without launching a browser.
type flag struct {
	name  string
	value any
}

// browserFlags computes the Chrome switches for the given configuration.
func browserFlags(cfg config.BrowserConfig) []flag {
	flags := []flag{
		{"no-first-run", true},
		{"no-default-browser-check", true},
		{"no-sandbox", true},
		{"disable-gpu", true},
		{"disable-dev-shm-usage", true},
		{"enable-automation", true},
	}
	if cfg.Headless {
		flags = append(flags, flag{"headless", true})
	}
	if cfg.DisableCache {
		flags = append(flags,
			flag{"disable-cache", true},
			flag{"disk-cache-size", "0"},
			flag{"media-cache-size", "0"},
		)
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags,
			flag{"ignore-certificate-errors", true},
			flag{"allow-insecure-localhost", true},
		)
	}
	if cfg.UserAgent != "" {
		flags = append(flags, flag{"user-agent", cfg.UserAgent})
	}
	if cfg.ViewportWidth > 0 && cfg.ViewportHeight > 0 {
		flags = append(flags, flag{"window-size", fmt.Sprintf("%d,%d", cfg.ViewportWidth, cfg.ViewportHeight)})
	}
	for _, arg := range cfg.Args {
		name, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if name == "" {
			continue
		}
		if found {
			flags = append(flags, flag{name, value})
		} else {
			flags = append(flags, flag{name, true})
		}
	}
	return flags
}

// DefaultAllocatorOptions renders the configuration's Chrome switches as
// chromedp allocator options.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	flags := browserFlags(cfg)
	opts := make([]chromedp.ExecAllocatorOption, 0, len(flags))
	for _, f := range flags {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	return opts
}

// NewSession launches a fresh browser and returns its controller. Every
// session gets its own Chrome process with a throwaway profile, so
// parallel episodes never share cookies or storage.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.ensureAllocator()

	sessionID := uuid.NewString()
	logger := m.logger.With(zap.String("session_id", sessionID))

	m.mu.RLock()
	allocCtx := m.allocCtx
	m.mu.RUnlock()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Launch now so startup failures surface here instead of on the first
	// command of an episode.
	var initTasks chromedp.Tasks
	if m.cfg.Browser.DisableCache {
		initTasks = append(initTasks, network.SetCacheDisabled(true))
	}
	runCtx, runCancel := CombineContext(tabCtx, ctx)
	err := chromedp.Run(runCtx, initTasks)
	runCancel()
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to launch browser session: %w", err)
	}

	root := &tab{ctx: tabCtx, cancel: tabCancel}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		root.id = c.Target.TargetID
	}

	s := &Session{
		id:     sessionID,
		logger: logger,
		cfg:    m.cfg,
		tabs:   []*tab{root},
	}

	m.wg.Add(1)
	s.onClose = func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.sessions, sessionID)
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", sessionID))
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("New browser session created.", zap.String("session_id", sessionID))
	return s, nil
}

// Shutdown closes every live session and reaps the browser processes.
// Safe to call even if no session was ever created.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	allocCancel := m.allocCancel
	m.mu.RUnlock()

	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(); err != nil {
				m.logger.Warn("Error closing session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Debug("All sessions closed.")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close.", zap.Error(ctx.Err()))
	}

	if allocCancel == nil {
		// The allocator was never started, nothing to reap.
		m.logger.Info("Browser manager shutdown complete.")
		return nil
	}

	// The allocator's cancel blocks until its browser processes exit, so
	// bound it with the grace period.
	reaped := make(chan struct{})
	go func() {
		allocCancel()
		close(reaped)
	}()
	select {
	case <-reaped:
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Timeout waiting for browser processes to exit.")
	}

	m.logger.Info("Browser manager shutdown complete.")
	return nil
}
