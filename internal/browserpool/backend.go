// Package browserpool manages long-lived headless browser instances and
// hands out pages bound to them. Instances move through a monotonic
// lifecycle (launching, active, retired, killed) and are recycled based on
// page counts and idle time.
package browserpool

import "context"

// LaunchOptions parameterizes one browser launch.
type LaunchOptions struct {
	Headless    bool
	BrowserPath string

	// ProxyURL sets the browser-wide proxy. Credentials are never logged.
	ProxyURL string

	// DiskCacheDir, when non-empty, is passed to the browser as its disk
	// cache location so caches survive instance recycling.
	DiskCacheDir string
}

// Page is one open tab.
type Page interface {
	Close() error
	IsClosed() bool
}

// Browser is one running browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Close shuts the browser down gracefully.
	Close() error
	// Kill terminates the underlying process without waiting.
	Kill()
}

// Backend launches browser processes. The production implementation drives
// Chromium through rod; tests substitute a fake.
type Backend interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}
