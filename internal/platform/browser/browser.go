package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chrisgadekar/maharera-scraper/internal/core/captcha"
	"github.com/chrisgadekar/maharera-scraper/internal/core/engine"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"

	"github.com/playwright-community/playwright-go"
)

// Selectors locate the gate widgets and the detail content on a project page.
type Selectors struct {
	ChallengeCanvas  string
	ChallengeInput   string
	ChallengeSubmit  string
	ChallengeRefresh string
	InvalidModalOK   string
	ContentReady     string
}

func DefaultSelectors() Selectors {
	return Selectors{
		ChallengeCanvas:  "canvas#captcahCanvas",
		ChallengeInput:   "input[name='captcha']",
		ChallengeSubmit:  "button.btn.btn-primary.next",
		ChallengeRefresh: "#captchaRefresh",
		InvalidModalOK:   "button.btn-primary-messagebox",
		ContentReady:     "div.form-horizontal",
	}
}

type Config struct {
	Headless       bool
	BlockResources bool
	Selectors      Selectors
}

// Session owns one browser instance. Pages created from it share a single
// context, so cookies survive across units within a worker.
type Session struct {
	log     *logger.Logger
	cfg     Config
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
}

// NewSession launches chromium. A launch failure here is not retryable and
// should abort the whole run.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	s := &Session{log: logger.New("BrowserSession"), cfg: cfg}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright initialization failed: %w", err)
	}
	s.pw = pw

	args := []string{
		"--no-sandbox",
		"--disable-dev-shm-usage", // Overcome limited resource problems
		"--disable-gpu",
		"--disable-web-security",
		"--disable-features=VizDisplayCompositor",
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     args,
	})
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}
	s.browser = browser

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:          &playwright.Size{Width: 1920, Height: 1080},
		DeviceScaleFactor: playwright.Float(1.0),
		UserAgent:         playwright.String("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	})
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("browser context creation failed: %w", err)
	}
	s.bctx = bctx

	if cfg.BlockResources {
		blocked := map[string]bool{"image": true, "stylesheet": true, "font": true, "media": true}
		if err := bctx.Route("**/*", func(route playwright.Route) {
			if blocked[route.Request().ResourceType()] {
				route.Abort()
				return
			}
			route.Continue()
		}); err != nil {
			s.log.LogWarnf("failed to install resource blocking: %v", err)
		}
	}
	return s, nil
}

func (s *Session) Navigate(ctx context.Context, url string) (engine.Page, error) {
	pg, err := s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	if _, err := pg.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(timeoutMs(ctx, 30000)),
	}); err != nil {
		pg.Close()
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return &page{pw: pg, sel: s.cfg.Selectors, log: s.log}, nil
}

func (s *Session) Close() error {
	if s.bctx != nil {
		s.bctx.Close()
	}
	if s.browser != nil {
		s.browser.Close()
	}
	if s.pw != nil {
		return s.pw.Stop()
	}
	return nil
}

type page struct {
	pw  playwright.Page
	sel Selectors
	log *logger.Logger
}

// Challenge screenshots the captcha canvas if one is present on the page.
func (p *page) Challenge(ctx context.Context) (captcha.Challenge, bool, error) {
	loc := p.pw.Locator(p.sel.ChallengeCanvas)
	n, err := loc.Count()
	if err != nil {
		return captcha.Challenge{}, false, fmt.Errorf("challenge lookup failed: %w", err)
	}
	if n == 0 {
		return captcha.Challenge{}, false, nil
	}
	img, err := loc.Screenshot(playwright.LocatorScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: playwright.Float(timeoutMs(ctx, 10000)),
	})
	if err != nil {
		return captcha.Challenge{}, true, fmt.Errorf("challenge screenshot failed: %w", err)
	}
	return captcha.Challenge{Image: img, ExpectedLength: captcha.ExpectedLength, IssuedAt: time.Now()}, true, nil
}

// Submit fills the answer and clicks through. Acceptance is observed by the
// canvas detaching; on rejection the site raises a modal, which is dismissed
// before a fresh image is requested.
func (p *page) Submit(ctx context.Context, text string) (bool, error) {
	if err := p.pw.Locator(p.sel.ChallengeInput).Fill(text, playwright.LocatorFillOptions{
		Timeout: playwright.Float(timeoutMs(ctx, 10000)),
	}); err != nil {
		return false, fmt.Errorf("failed to fill challenge input: %w", err)
	}
	if err := p.pw.Locator(p.sel.ChallengeSubmit).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(timeoutMs(ctx, 10000)),
	}); err != nil {
		return false, fmt.Errorf("failed to submit challenge: %w", err)
	}

	err := p.pw.Locator(p.sel.ChallengeCanvas).WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateDetached,
		Timeout: playwright.Float(5000),
	})
	if err == nil {
		return true, nil
	}

	p.dismissRejection()
	return false, nil
}

// dismissRejection closes the invalid-answer modal and redraws the canvas.
// Both steps are best effort, the next Challenge call reads whatever image
// the page shows.
func (p *page) dismissRejection() {
	ok := p.pw.Locator(p.sel.InvalidModalOK).First()
	if visible, _ := ok.IsVisible(); visible {
		if err := ok.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(3000)}); err != nil {
			p.log.LogDebugf("failed to dismiss rejection modal: %v", err)
		}
	}
	refresh := p.pw.Locator(p.sel.ChallengeRefresh)
	if n, _ := refresh.Count(); n > 0 {
		if err := refresh.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(3000)}); err != nil {
			p.log.LogDebugf("failed to refresh challenge image: %v", err)
		}
	}
}

func (p *page) Content(ctx context.Context) (string, error) {
	if p.sel.ContentReady != "" {
		if err := p.pw.Locator(p.sel.ContentReady).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(timeoutMs(ctx, 30000)),
		}); err != nil {
			return "", fmt.Errorf("detail content did not load: %w", err)
		}
	}
	html, err := p.pw.Content()
	if err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *page) Close() error {
	return p.pw.Close()
}

// timeoutMs derives a playwright timeout from the context deadline so the
// per-unit budget bounds every browser call.
func timeoutMs(ctx context.Context, def float64) float64 {
	if d, ok := ctx.Deadline(); ok {
		ms := float64(time.Until(d).Milliseconds())
		if ms < 1 {
			ms = 1
		}
		return ms
	}
	return def
}
