package capture

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/safeurl"
)

// verdict is the interceptor's answer for one paused request.
type verdict int

const (
	verdictContinue verdict = iota
	verdictAbort
)

// frameTracker pins the main frame as the frame of the first document request
// seen in the tab. Later document requests on other frames are iframe loads.
type frameTracker struct {
	mu        sync.Mutex
	mainFrame cdp.FrameID
}

func (t *frameTracker) isMainFrameDocument(id cdp.FrameID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mainFrame == "" {
		t.mainFrame = id
		return true
	}
	return t.mainFrame == id
}

// decideRequest applies URL policy to one paused request. Main-frame document
// navigations additionally carry the same-site constraint against the
// capture's original host, which stops in-page redirects from walking the
// renderer onto an unrelated origin. Sub-resources and iframes commonly span
// CDNs, so they get scheme/host/address policy only.
func decideRequest(
	ctx context.Context,
	validator *safeurl.Validator,
	originalHost string,
	frames *frameTracker,
	rawURL string,
	resourceType network.ResourceType,
	frameID cdp.FrameID,
) verdict {
	requiredHost := ""
	if resourceType == network.ResourceTypeDocument && frames.isMainFrameDocument(frameID) {
		requiredHost = originalHost
	}
	if _, err := validator.Validate(ctx, rawURL, requiredHost); err != nil {
		return verdictAbort
	}
	return verdictContinue
}

// installInterceptor wires the fetch-domain pause loop on the tab. The
// browser holds each paused request until we answer with a continue or a
// fail, so no request proceeds before its validation resolves. Any panic in
// the decision path fails the request closed.
func installInterceptor(tabCtx context.Context, validator *safeurl.Validator, originalHost string, logger *zap.Logger) {
	frames := &frameTracker{}
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		pause, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			exec := cdp.WithExecutor(tabCtx, chromedp.FromContext(tabCtx).Target)
			defer func() {
				if r := recover(); r != nil {
					logger.Error("interceptor panic, aborting request", zap.Any("panic", r))
					_ = fetch.FailRequest(pause.RequestID, network.ErrorReasonBlockedByClient).Do(exec)
				}
			}()

			v := decideRequest(tabCtx, validator, originalHost, frames, pause.Request.URL, pause.ResourceType, pause.FrameID)
			if v == verdictAbort {
				logger.Debug("aborted in-page request",
					zap.String("url", pause.Request.URL),
					zap.String("resource_type", string(pause.ResourceType)))
				if err := fetch.FailRequest(pause.RequestID, network.ErrorReasonBlockedByClient).Do(exec); err != nil {
					logger.Debug("fail request", zap.Error(err))
				}
				return
			}
			if err := fetch.ContinueRequest(pause.RequestID).Do(exec); err != nil {
				logger.Debug("continue request", zap.Error(err))
			}
		}()
	})
}
