// Package capture renders validated URLs to above-the-fold screenshots in a
// shared headless browser, policing every request the page issues.
package capture

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/safeurl"
)

// Config controls per-capture behavior.
type Config struct {
	TotalTimeout      time.Duration
	NavigateTimeout   time.Duration
	Settle            time.Duration
	ScreenshotTimeout time.Duration
	ViewportWidth     int64
	ViewportHeight    int64
	UserAgent         string
	Locale            string
}

// Service performs captures against the shared browser.
type Service struct {
	cfg       Config
	browser   *Browser
	validator *safeurl.Validator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService builds a capture service.
func NewService(cfg Config, browser *Browser, validator *safeurl.Validator, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		browser:   browser,
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// budget tracks the one shared overall deadline every stage draws from.
type budget struct {
	deadline time.Time
	now      func() time.Time
}

func newBudget(start time.Time, total time.Duration, now func() time.Time) budget {
	return budget{deadline: start.Add(total), now: now}
}

// stage returns the allotment for a stage: the configured stage timeout or
// the remaining overall budget, whichever is smaller. ok is false when the
// budget is already exhausted.
func (b budget) stage(configured time.Duration) (time.Duration, bool) {
	remaining := b.deadline.Sub(b.now())
	if remaining <= 0 {
		return 0, false
	}
	if configured > 0 && configured < remaining {
		return configured, true
	}
	return remaining, true
}

// Capture renders the validated target and returns PNG bytes. Failures come
// back classified; the raw engine error is logged here and never surfaced.
func (s *Service) Capture(ctx context.Context, target *safeurl.Target, requestID string) ([]byte, *Failure) {
	log := s.logger.With(zap.String("request_id", requestID), zap.String("url", target.URL.String()))

	browserCtx, err := s.browser.Acquire()
	if err != nil {
		log.Error("browser unavailable", zap.Error(err))
		return nil, &Failure{Kind: KindUnknown, Stage: StageNavigate}
	}

	// Each capture gets its own tab so no state is shared across captures;
	// the cancel releases it on every exit path.
	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()

	stopForward := forwardCancel(ctx, cancelTab)
	defer stopForward()

	installInterceptor(tabCtx, s.validator, target.Host, log)

	bud := newBudget(s.now(), s.cfg.TotalTimeout, s.now)

	if fail := s.navigate(tabCtx, bud, target, log); fail != nil {
		return nil, fail
	}
	if fail := s.settle(tabCtx, bud); fail != nil {
		return nil, fail
	}
	img, fail := s.screenshot(tabCtx, bud, log)
	if fail != nil {
		return nil, fail
	}
	return img, nil
}

func (s *Service) navigate(tabCtx context.Context, bud budget, target *safeurl.Target, log *zap.Logger) *Failure {
	allotted, ok := bud.stage(s.cfg.NavigateTimeout)
	if !ok {
		return &Failure{Kind: KindTimeout, Stage: StageNavigate}
	}
	navCtx, cancel := context.WithTimeout(tabCtx, allotted)
	defer cancel()

	err := chromedp.Run(navCtx,
		s.setupAction(),
		chromedp.Navigate(target.URL.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		fail := classify(err, StageNavigate)
		log.Warn("navigation failed", zap.String("failure", fail.Tag()), zap.Error(err))
		return fail
	}
	return nil
}

// setupAction enables request interception and pins deterministic rendering
// parameters before the first navigation, so even the top-level document load
// passes through the interceptor.
func (s *Service) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := fetch.Enable().Do(ctx); err != nil {
			return err
		}
		if err := emulation.SetDeviceMetricsOverride(s.cfg.ViewportWidth, s.cfg.ViewportHeight, 1.0, false).Do(ctx); err != nil {
			return err
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return err
			}
		}
		if s.cfg.Locale != "" {
			if err := emulation.SetLocaleOverride().WithLocale(s.cfg.Locale).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// settle waits briefly for late-loading content to paint, bounded by the
// remaining budget.
func (s *Service) settle(tabCtx context.Context, bud budget) *Failure {
	allotted, ok := bud.stage(s.cfg.Settle)
	if !ok {
		return &Failure{Kind: KindTimeout, Stage: StageSettle}
	}
	select {
	case <-time.After(allotted):
		return nil
	case <-tabCtx.Done():
		return &Failure{Kind: KindTimeout, Stage: StageSettle}
	}
}

func (s *Service) screenshot(tabCtx context.Context, bud budget, log *zap.Logger) ([]byte, *Failure) {
	allotted, ok := bud.stage(s.cfg.ScreenshotTimeout)
	if !ok {
		return nil, &Failure{Kind: KindTimeout, Stage: StageScreenshot}
	}
	shotCtx, cancel := context.WithTimeout(tabCtx, allotted)
	defer cancel()

	var img []byte
	if err := chromedp.Run(shotCtx, chromedp.CaptureScreenshot(&img)); err != nil {
		fail := classify(err, StageScreenshot)
		log.Warn("screenshot failed", zap.String("failure", fail.Tag()), zap.Error(err))
		return nil, fail
	}
	return img, nil
}

// forwardCancel propagates caller cancellation into the tab context.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
