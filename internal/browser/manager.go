// Package browser attaches to (or launches) Chrome and finds the agent
// desktop tab the features run against.
package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"deskpilot/internal/config"
)

// ErrNoPage is returned when no tab matches and there is no start URL.
var ErrNoPage = eris.New("browser: no matching page")

const pagePollInterval = 500 * time.Millisecond

// Manager owns the browser connection. Only a browser it launched itself is
// closed on Shutdown; an attached desktop is left running.
type Manager struct {
	cfg config.BrowserConfig
	log *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	launcher   *launcher.Launcher
	controlURL string
}

// NewManager builds a disconnected manager.
func NewManager(cfg config.BrowserConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.L()
	}
	return &Manager{cfg: cfg, log: log.Named("browser")}
}

// Start connects to the configured debugger URL or launches a browser.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection, reconnecting")
		m.browser = nil
		m.controlURL = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && m.cfg.Launch {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			return eris.Wrap(err, "browser: launch chrome")
		}
		controlURL = u
		m.launcher = l
	}
	if controlURL == "" {
		return eris.New("browser: no debugger_url and launch disabled")
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return eris.Wrap(err, "browser: connect to chrome")
	}
	m.browser = b
	m.controlURL = controlURL
	m.log.Info("connected", zap.String("control_url", controlURL), zap.Bool("launched", m.launcher != nil))
	return nil
}

// ControlURL returns the DevTools endpoint in use.
func (m *Manager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// Connected reports whether a browser is attached.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// DesktopPage waits up to AttachTimeout for a tab whose URL contains
// PageMatch. When none shows up and StartURL is set, it opens one.
func (m *Manager) DesktopPage(ctx context.Context) (*rod.Page, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, eris.New("browser: not connected")
	}

	deadline := time.Now().Add(m.cfg.AttachTimeout)
	for {
		targets, err := proto.TargetGetTargets{}.Call(b)
		if err != nil {
			return nil, eris.Wrap(err, "browser: list targets")
		}
		if id, ok := matchTarget(targets.TargetInfos, m.cfg.PageMatch); ok {
			page, err := b.PageFromTarget(id)
			if err != nil {
				return nil, eris.Wrapf(err, "browser: attach to %s", id)
			}
			m.log.Info("attached to desktop tab", zap.String("target", string(id)))
			return page, nil
		}
		if !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pagePollInterval):
		}
	}

	if m.cfg.StartURL == "" {
		return nil, eris.Wrapf(ErrNoPage, "no tab matches %q", m.cfg.PageMatch)
	}
	return m.openPage(ctx, b)
}

func (m *Manager) openPage(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, eris.Wrap(err, "browser: create tab")
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := page.Context(navCtx).Navigate(m.cfg.StartURL); err != nil {
		_ = page.Close()
		return nil, eris.Wrapf(err, "browser: navigate %s", m.cfg.StartURL)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.log.Warn("wait load", zap.String("url", m.cfg.StartURL), zap.Error(err))
	}
	m.log.Info("opened desktop tab", zap.String("url", m.cfg.StartURL), zap.Bool("stealth", m.cfg.Stealth))
	return page, nil
}

// matchTarget picks the first page target whose URL contains match,
// case-insensitively. An empty match takes the first page.
func matchTarget(infos []*proto.TargetTargetInfo, match string) (proto.TargetTargetID, bool) {
	match = strings.ToLower(match)
	for _, info := range infos {
		if info == nil || info.Type != proto.TargetTargetInfoTypePage {
			continue
		}
		if strings.Contains(strings.ToLower(info.URL), match) {
			return info.TargetID, true
		}
	}
	return "", false
}

// Shutdown closes a launched browser. An attached one is only released.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil
	}
	var err error
	if m.launcher != nil {
		err = m.browser.Close()
		m.launcher.Cleanup()
		m.launcher = nil
	}
	m.browser = nil
	m.controlURL = ""
	m.log.Info("browser released")
	return err
}
