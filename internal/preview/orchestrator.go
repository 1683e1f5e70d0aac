// Package preview composes the validator, metadata fetcher, screenshot cache,
// and capture service into the fresh/stale/missing decision flow served to
// the front end.
package preview

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/blob"
	"github.com/kyler505/previewd/internal/events"
	"github.com/kyler505/previewd/internal/meta"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/shotcache"
	"github.com/kyler505/previewd/internal/telemetry"
)

// Result is the preview payload. Empty fields are omitted on the wire.
type Result struct {
	OK          bool   `json:"ok"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// MetadataFetcher is satisfied by meta.Fetcher.
type MetadataFetcher interface {
	Fetch(ctx context.Context, target *safeurl.Target) (meta.Metadata, error)
}

// Orchestrator is the single entry point behind GET /api/preview.
type Orchestrator struct {
	validator *safeurl.Validator
	fetcher   MetadataFetcher
	cache     *shotcache.Index
	blobs     blob.Store
	worker    CaptureClient
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	// refreshTimeout bounds a background stale-grace refresh.
	refreshTimeout time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	validator *safeurl.Validator,
	fetcher MetadataFetcher,
	cache *shotcache.Index,
	blobs blob.Store,
	worker CaptureClient,
	publisher events.Publisher,
	refreshTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if refreshTimeout == 0 {
		refreshTimeout = 10 * time.Second
	}
	return &Orchestrator{
		validator:      validator,
		fetcher:        fetcher,
		cache:          cache,
		blobs:          blobs,
		worker:         worker,
		publisher:      publisher,
		logger:         logger,
		now:            time.Now,
		refreshTimeout: refreshTimeout,
		inflight:       make(map[string]struct{}),
	}
}

// GetPreview runs the decision flow for one raw URL. The returned error is
// non-nil only for validation rejections; every other failure degrades to a
// weaker but successful result.
func (o *Orchestrator) GetPreview(ctx context.Context, rawURL, requestID string) (Result, error) {
	log := o.logger.With(zap.String("request_id", requestID), zap.String("url", rawURL))

	target, err := o.validator.Validate(ctx, rawURL, "")
	if err != nil {
		telemetry.ObservePreview("rejected")
		return Result{}, err
	}

	md, ferr := o.fetcher.Fetch(ctx, target)
	if ferr != nil {
		log.Debug("metadata fetch degraded to minimal", zap.Error(ferr))
		md = meta.MinimalFromURL(rawURL)
	}

	res := Result{OK: true, Title: md.Title, Description: md.Description}

	// A page that supplies its own preview image short-circuits the whole
	// screenshot path.
	if md.ImageURL != "" {
		telemetry.ObservePreview("metadata_image")
		res.Image = md.ImageURL
		return res, nil
	}

	entry, state, found := o.cache.Lookup(rawURL)
	if found {
		telemetry.ObserveCacheRead(string(state))
	} else {
		telemetry.ObserveCacheRead("miss")
	}

	switch {
	case found && state == shotcache.StateFresh:
		if img, ok := o.imageDataURL(ctx, entry, log); ok {
			telemetry.ObservePreview("cached")
			res.Image = img
			return res, nil
		}

	case found && state == shotcache.StateStaleInGrace:
		// A readable stale blob is served while one background refresh runs.
		// An unreadable blob skips the background kick and falls through to
		// the synchronous capture, so the URL is never captured twice at once.
		if img, ok := o.imageDataURL(ctx, entry, log); ok {
			o.startBackgroundRefresh(rawURL, requestID)
			telemetry.ObservePreview("cached")
			res.Image = img
			return res, nil
		}
	}

	// Expired, missing, or unreadable cached blob: capture synchronously.
	if img, err := o.captureAndStore(ctx, rawURL, requestID); err != nil {
		log.Warn("capture unavailable, serving preview without image", zap.Error(err))
		telemetry.ObservePreview("no_image")
	} else {
		telemetry.ObservePreview("captured")
		res.Image = img
	}
	return res, nil
}

// imageDataURL loads a cached blob and re-encodes it for the wire.
func (o *Orchestrator) imageDataURL(ctx context.Context, entry shotcache.Entry, log *zap.Logger) (string, bool) {
	data, err := o.blobs.Get(ctx, entry.ImageRef)
	if err != nil {
		log.Warn("cached screenshot blob unreadable", zap.String("image_ref", entry.ImageRef), zap.Error(err))
		return "", false
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), true
}

// captureAndStore invokes the capture worker, persists the image, and
// records the cache entry. Returns the image as a data URL.
func (o *Orchestrator) captureAndStore(ctx context.Context, rawURL, requestID string) (string, error) {
	dataURL, err := o.worker.Capture(ctx, rawURL, requestID)
	if err != nil {
		o.publishOutcome(ctx, rawURL, requestID, "", err)
		return "", err
	}

	imgBytes, err := decodeDataURL(dataURL)
	if err != nil {
		o.publishOutcome(ctx, rawURL, requestID, "", err)
		return "", err
	}

	ref := "shots/" + uuid.NewString() + ".png"
	if err := o.blobs.Put(ctx, ref, "image/png", imgBytes); err != nil {
		o.publishOutcome(ctx, rawURL, requestID, "", err)
		return "", fmt.Errorf("store screenshot: %w", err)
	}
	if _, err := o.cache.Put(rawURL, ref, o.now()); err != nil {
		return "", fmt.Errorf("record cache entry: %w", err)
	}

	o.publishOutcome(ctx, rawURL, requestID, ref, nil)
	return dataURL, nil
}

func (o *Orchestrator) publishOutcome(ctx context.Context, rawURL, requestID, ref string, captureErr error) {
	ev := events.CaptureEvent{
		URL:       rawURL,
		RequestID: requestID,
		Success:   captureErr == nil,
		ImageRef:  ref,
		At:        o.now(),
	}
	if captureErr != nil {
		ev.FailureTag = captureErr.Error()
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Debug("capture event publish failed", zap.Error(err))
	}
}

// startBackgroundRefresh kicks off at most one refresh per URL across all
// concurrent stale readers. The refresh runs detached from the caller's
// request context.
func (o *Orchestrator) startBackgroundRefresh(rawURL, requestID string) {
	key := shotcache.NormalizeKey(rawURL)

	o.inflightMu.Lock()
	if _, busy := o.inflight[key]; busy {
		o.inflightMu.Unlock()
		return
	}
	o.inflight[key] = struct{}{}
	o.inflightMu.Unlock()

	go func() {
		defer func() {
			o.inflightMu.Lock()
			delete(o.inflight, key)
			o.inflightMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), o.refreshTimeout)
		defer cancel()

		if _, err := o.captureAndStore(ctx, rawURL, requestID); err != nil {
			o.logger.Debug("background refresh failed",
				zap.String("url", rawURL),
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}()
}

// decodeDataURL strips the data URL header and decodes the base64 payload.
func decodeDataURL(dataURL string) ([]byte, error) {
	_, encoded, ok := strings.Cut(dataURL, ";base64,")
	if !ok {
		return nil, fmt.Errorf("malformed image data URL")
	}
	imgBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return imgBytes, nil
}
