package actuator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

// PlaywrightConfig configures the browser-backed Actuator, grounded on the
// teacher's browser.PoolConfig.
type PlaywrightConfig struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	RemoteURL      string
}

func (c *PlaywrightConfig) applyDefaults() {
	if c.ViewportWidth == 0 {
		c.ViewportWidth = 1920
	}
	if c.ViewportHeight == 0 {
		c.ViewportHeight = 1080
	}
}

// PlaywrightActuator opens one browser context and page per session,
// grounded on internal/tools/browser/pool.go's createInstance.
type PlaywrightActuator struct {
	config  PlaywrightConfig
	pw      *playwright.Playwright
	browser playwright.Browser
}

// NewPlaywrightActuator installs and launches Playwright Chromium, or, when
// RemoteURL is set, connects to that browser without installing.
func NewPlaywrightActuator(config PlaywrightConfig) (*PlaywrightActuator, error) {
	config.applyDefaults()

	if config.RemoteURL == "" {
		if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
			return nil, fmt.Errorf("install playwright: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	var browser playwright.Browser
	if config.RemoteURL != "" {
		browser, err = pw.Chromium.Connect(config.RemoteURL)
	} else {
		browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(config.Headless),
		})
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	return &PlaywrightActuator{config: config, pw: pw, browser: browser}, nil
}

// OpenSession creates a new browser context and page, navigating to req.URL
// when set (spec §6 createWindow).
func (a *PlaywrightActuator) OpenSession(ctx context.Context, req OpenSessionRequest) (Session, error) {
	width, height := a.config.ViewportWidth, a.config.ViewportHeight
	if req.Width > 0 {
		width = req.Width
	}
	if req.Height > 0 {
		height = req.Height
	}

	browserCtx, err := a.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: width, Height: height},
		AcceptDownloads:   playwright.Bool(true),
		IgnoreHttpsErrors: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		_ = browserCtx.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if req.URL != "" {
		if _, err := page.Goto(req.URL); err != nil {
			_ = browserCtx.Close()
			return nil, fmt.Errorf("navigate to %s: %w", req.URL, err)
		}
	}

	return &playwrightSession{id: uuid.NewString(), ctx: browserCtx, page: page}, nil
}

// Close stops the browser and the Playwright runtime.
func (a *PlaywrightActuator) Close() error {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			return fmt.Errorf("close browser: %w", err)
		}
	}
	if a.pw != nil {
		if err := a.pw.Stop(); err != nil {
			return fmt.Errorf("stop playwright: %w", err)
		}
	}
	return nil
}

type playwrightSession struct {
	id   string
	ctx  playwright.BrowserContext
	page playwright.Page
}

func (s *playwrightSession) ID() string { return s.id }

func (s *playwrightSession) Close(ctx context.Context) error {
	if err := s.ctx.Close(); err != nil {
		return fmt.Errorf("close window %s: %w", s.id, err)
	}
	return nil
}

// Page exposes the underlying Playwright page for actuator-specific worker
// actions beyond open/close (spec §6: workers publish bus messages using
// their workerId independently of this capability).
func (s *playwrightSession) Page() playwright.Page {
	return s.page
}
