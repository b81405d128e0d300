package browserpool

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/crawlkit/crawlkit/internal/security"
)

// RodBackend launches Chromium through rod. Pages are created with stealth
// patches applied so automation markers stay hidden.
type RodBackend struct{}

// NewRodBackend creates the production browser backend.
func NewRodBackend() *RodBackend {
	return &RodBackend{}
}

// Launch implements Backend.
func (b *RodBackend) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	l := buildLauncher(opts)

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return &rodBrowser{browser: browser, launcher: l}, nil
}

// buildLauncher assembles the Chromium flag set. Launchers are single-use,
// so every launch builds a fresh one.
func buildLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	// Rod defaults to headless; headful must be disabled explicitly.
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.ProxyURL)).Msg("Browser proxy configured")
	}

	// Hide the automation markers sites probe for.
	l = l.Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation")

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio")

	if opts.DiskCacheDir != "" {
		l = l.Set("disk-cache-dir", opts.DiskCacheDir)
	}

	return l
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewPage implements Browser. Stealth pages carry the anti-detection script
// injected before any document loads.
func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := stealth.Page(b.browser)
	if err != nil {
		return nil, fmt.Errorf("creating stealth page: %w", err)
	}
	return &rodPage{page: page}, nil
}

// Close implements Browser.
func (b *rodBrowser) Close() error {
	err := b.browser.Close()
	b.launcher.Cleanup()
	return err
}

// Kill implements Browser.
func (b *rodBrowser) Kill() {
	b.launcher.Kill()
}

type rodPage struct {
	page *rod.Page
}

// Rod exposes the underlying rod page for request handlers that drive the
// browser directly.
func (p *rodPage) Rod() *rod.Page {
	return p.page
}

// Close implements Page.
func (p *rodPage) Close() error {
	return p.page.Close()
}

// IsClosed implements Page. A page whose target is gone fails the info
// call.
func (p *rodPage) IsClosed() bool {
	_, err := p.page.Info()
	return err != nil
}
