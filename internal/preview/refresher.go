package preview

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/telemetry"
)

// Summary reports one batch refresh run.
type Summary struct {
	Attempted      int `json:"attempted"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	SkippedInvalid int `json:"skipped_invalid"`
}

// RefreshAll captures every URL in the list with at most concurrency calls in
// flight. Invalid entries are counted and skipped; failures are counted but
// not retried within the run, the scheduler re-invokes the batch later.
func (o *Orchestrator) RefreshAll(ctx context.Context, urls []string, concurrency int) Summary {
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		summary Summary
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, concurrency)
	summary.Attempted = len(urls)

	for _, rawURL := range urls {
		if _, err := o.validator.Validate(ctx, rawURL, ""); err != nil {
			o.logger.Info("skipping invalid refresh URL", zap.String("url", rawURL), zap.Error(err))
			telemetry.ObserveRefreshURL("skipped_invalid")
			mu.Lock()
			summary.SkippedInvalid++
			mu.Unlock()
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			mu.Lock()
			summary.Failed++
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(rawURL string) {
			defer wg.Done()
			defer func() { <-sem }()

			requestID := uuid.NewString()
			if _, err := o.captureAndStore(ctx, rawURL, requestID); err != nil {
				o.logger.Warn("batch refresh capture failed",
					zap.String("url", rawURL),
					zap.String("request_id", requestID),
					zap.Error(err))
				telemetry.ObserveRefreshURL("failed")
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				return
			}
			telemetry.ObserveRefreshURL("succeeded")
			mu.Lock()
			summary.Succeeded++
			mu.Unlock()
		}(rawURL)
	}

	wg.Wait()
	return summary
}
