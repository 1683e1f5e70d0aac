package preview

import (
	"context"
	"encoding/base64"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kyler505/previewd/internal/blob"
	"github.com/kyler505/previewd/internal/events"
	"github.com/kyler505/previewd/internal/meta"
	"github.com/kyler505/previewd/internal/safeurl"
	"github.com/kyler505/previewd/internal/shotcache"
	"github.com/kyler505/previewd/internal/telemetry"
)

type fakeFetcher struct {
	md  meta.Metadata
	err error
}

func (f *fakeFetcher) Fetch(context.Context, *safeurl.Target) (meta.Metadata, error) {
	return f.md, f.err
}

type fakeWorker struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	peak     int
	err      error
	gate     chan struct{}
}

func (w *fakeWorker) Capture(ctx context.Context, rawURL, requestID string) (string, error) {
	w.mu.Lock()
	w.calls++
	w.inFlight++
	if w.inFlight > w.peak {
		w.peak = w.inFlight
	}
	gate := w.gate
	err := w.err
	w.mu.Unlock()

	if gate != nil {
		<-gate
	}

	w.mu.Lock()
	w.inFlight--
	w.mu.Unlock()

	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes")), nil
}

func (w *fakeWorker) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func publicValidator() *safeurl.Validator {
	addr := netip.MustParseAddr("93.184.215.14")
	return safeurl.New(safeurl.WithLookup(func(ctx context.Context, host string) ([]netip.Addr, error) {
		return []netip.Addr{addr}, nil
	}))
}

type testEnv struct {
	orch   *Orchestrator
	cache  *shotcache.Index
	blobs  *blob.LocalStore
	worker *fakeWorker
}

func newTestEnv(t *testing.T, fetcher MetadataFetcher, worker *fakeWorker) *testEnv {
	t.Helper()
	telemetry.Init()

	cache, err := shotcache.Open(filepath.Join(t.TempDir(), "index.db"), 5*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	orch := NewOrchestrator(
		publicValidator(), fetcher, cache, blobs, worker,
		events.NoopPublisher{}, 2*time.Second, zap.NewNop(),
	)
	return &testEnv{orch: orch, cache: cache, blobs: blobs, worker: worker}
}

func seedCacheEntry(t *testing.T, env *testEnv, rawURL string, capturedAt time.Time) {
	t.Helper()
	ref := "shots/seeded.png"
	require.NoError(t, env.blobs.Put(context.Background(), ref, "image/png", []byte("old-shot")))
	_, err := env.cache.Put(rawURL, ref, capturedAt)
	require.NoError(t, err)
}

func TestGetPreviewRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeFetcher{}, &fakeWorker{})
	_, err := env.orch.GetPreview(context.Background(), "http://169.254.169.254/", "req-1")
	rej, ok := safeurl.AsRejection(err)
	require.True(t, ok)
	require.Equal(t, safeurl.ReasonBlockedIP, rej.Reason)
	require.Zero(t, env.worker.callCount())
}

func TestGetPreviewMetadataImageShortCircuits(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{md: meta.Metadata{
		Title:    "Example",
		ImageURL: "https://cdn.example.com/hero.png",
	}}
	env := newTestEnv(t, fetcher, &fakeWorker{})

	res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "https://cdn.example.com/hero.png", res.Image)
	require.Zero(t, env.worker.callCount())
}

func TestGetPreviewDegradesToMinimalMetadata(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errors.New("connection reset")}
	env := newTestEnv(t, fetcher, &fakeWorker{})

	res, err := env.orch.GetPreview(context.Background(), "https://www.example.com/page", "req-1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "example.com", res.Title)
	// Cache missed, so a capture ran and its image came back.
	require.Equal(t, 1, env.worker.callCount())
	require.NotEmpty(t, res.Image)

	_, state, found := env.cache.Lookup("https://www.example.com/page")
	require.True(t, found)
	require.Equal(t, shotcache.StateFresh, state)
}

func TestGetPreviewFreshCacheSkipsCapture(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeFetcher{md: meta.Metadata{Title: "T"}}, &fakeWorker{})
	seedCacheEntry(t, env, "https://example.com/", time.Now())

	res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-1")
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("old-shot")), res.Image)
	require.Zero(t, env.worker.callCount())

	// Idempotent: a second read of a fresh entry never captures either.
	_, err = env.orch.GetPreview(context.Background(), "https://example.com/", "req-2")
	require.NoError(t, err)
	require.Zero(t, env.worker.callCount())
}

func TestGetPreviewStaleServesAndRefreshesOnce(t *testing.T) {
	t.Parallel()

	worker := &fakeWorker{gate: make(chan struct{})}
	env := newTestEnv(t, &fakeFetcher{md: meta.Metadata{Title: "T"}}, worker)
	// Past TTL (5m), inside grace (10m).
	seedCacheEntry(t, env, "https://example.com/", time.Now().Add(-6*time.Minute))

	var wg sync.WaitGroup
	for n := 0; n < 5; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-n")
			require.NoError(t, err)
			require.NotEmpty(t, res.Image)
		}()
	}
	wg.Wait()

	// All five stale readers returned the cached image; only one background
	// refresh was admitted.
	require.Eventually(t, func() bool {
		return worker.callCount() == 1
	}, time.Second, 10*time.Millisecond)
	close(worker.gate)

	require.Never(t, func() bool {
		return worker.callCount() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestGetPreviewStaleUnreadableBlobCapturesOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeFetcher{md: meta.Metadata{Title: "T"}}, &fakeWorker{})
	// Stale entry whose blob was never written.
	_, err := env.cache.Put("https://example.com/", "shots/gone.png", time.Now().Add(-6*time.Minute))
	require.NoError(t, err)

	res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-1")
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("png-bytes")), res.Image)
	require.Equal(t, 1, env.worker.callCount())

	// The synchronous capture must be the only one; no background refresh
	// piles on top of it.
	require.Never(t, func() bool {
		return env.worker.callCount() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestGetPreviewExpiredCapturesSynchronously(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, &fakeFetcher{md: meta.Metadata{Title: "T"}}, &fakeWorker{})
	// Far past TTL plus grace.
	seedCacheEntry(t, env, "https://example.com/", time.Now().Add(-24*time.Hour))

	res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-1")
	require.NoError(t, err)
	require.Equal(t, 1, env.worker.callCount())
	require.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("png-bytes")), res.Image)
}

func TestGetPreviewCaptureFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	worker := &fakeWorker{err: errors.New("navigation_failed (stage=navigate)")}
	env := newTestEnv(t, &fakeFetcher{md: meta.Metadata{Title: "T"}}, worker)

	res, err := env.orch.GetPreview(context.Background(), "https://example.com/", "req-1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "T", res.Title)
	require.Empty(t, res.Image)
}

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	data, err := decodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = decodeDataURL("not a data url")
	require.Error(t, err)

	_, err = decodeDataURL("data:image/png;base64,%%%")
	require.Error(t, err)
}
