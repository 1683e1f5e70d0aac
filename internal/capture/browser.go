package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// BrowserConfig controls the shared headless browser instance.
type BrowserConfig struct {
	UserAgent string
}

// Browser is the process-wide headless Chrome handle. Starting Chrome is
// expensive, so the instance is created lazily on first acquisition and then
// reused by every capture; each capture still gets its own isolated tab
// context so no cookies or storage are shared across captures.
type Browser struct {
	cfg    BrowserConfig
	logger *zap.Logger

	once        sync.Once
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
	initErr     error
}

// NewBrowser builds the handle without starting Chrome.
func NewBrowser(cfg BrowserConfig, logger *zap.Logger) *Browser {
	return &Browser{cfg: cfg, logger: logger}
}

// Acquire returns the shared browser context, performing the one-time warmup
// on the first call. Concurrent first callers all wait on the same
// initialization.
func (b *Browser) Acquire() (context.Context, error) {
	b.once.Do(func() {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		if b.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
		browserCtx, cancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			cancel()
			allocCancel()
			b.initErr = fmt.Errorf("browser warmup: %w", err)
			return
		}

		b.allocCancel = allocCancel
		b.browserCtx = browserCtx
		b.cancel = cancel
		b.logger.Info("headless browser started")
	})
	if b.initErr != nil {
		return nil, b.initErr
	}
	return b.browserCtx, nil
}

// Close tears down the browser and allocator if they were ever started.
func (b *Browser) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}
