// Package browser adapts a go-rod controlled Chromium to the interfaces the
// automation engine consumes: the DOM locator, the action surface of an
// element, the input blocking overlay and the page snapshot the planner reads.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Options configures the browser and its page adapters
type Options struct {
	Headless         bool
	Width            int
	Height           int
	ProfileDir       string        // Chrome/Chromium profile directory for authenticated sessions
	ElementTimeout   time.Duration // How long WaitForElement polls
	StabilizeTimeout time.Duration // Bound on network idle waits
}

// DefaultOptions returns the stock browser settings
func DefaultOptions() Options {
	return Options{
		Headless:         true,
		Width:            1280,
		Height:           800,
		ElementTimeout:   10 * time.Second,
		StabilizeTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Width <= 0 {
		o.Width = def.Width
	}
	if o.Height <= 0 {
		o.Height = def.Height
	}
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = def.ElementTimeout
	}
	if o.StabilizeTimeout <= 0 {
		o.StabilizeTimeout = def.StabilizeTimeout
	}
	return o
}

// Browser wraps the Rod browser for reuse across tabs
type Browser struct {
	browser *rod.Browser
	opts    Options
}

// Launch starts a local Chromium and connects to it
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	opts = opts.withDefaults()

	path, _ := launcher.LookPath()
	l := launcher.New().Context(ctx).Bin(path).Headless(opts.Headless)
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	return &Browser{browser: b, opts: opts}, nil
}

// Options returns the settings the browser was launched with
func (b *Browser) Options() Options { return b.opts }

// Open creates a new tab at url with the configured viewport and waits for
// the first load.
func (b *Browser) Open(ctx context.Context, url string) (*rod.Page, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open tab: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.opts.Width,
		Height:            b.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if url != "" {
		if err := page.Navigate(url); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
		if err := page.WaitLoad(); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", url, err)
		}
		// Don't hang on persistent connections (WebSockets, polling, etc.)
		page.Timeout(b.opts.StabilizeTimeout).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
	}
	return page.Context(context.Background()), nil
}

// Close cleans up browser resources
func (b *Browser) Close() error {
	if b.browser == nil {
		return nil
	}
	return b.browser.Close()
}
