// Package shotcache is the persistent screenshot cache index: a single bbolt
// file keyed by normalized URL, mirrored into memory for fast reads. The
// durable write always lands before a put is acknowledged, so a crash can
// only ever lose the in-memory mirror, which is rebuilt on the next open.
package shotcache

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// State is the read-derived freshness of an entry. It is never stored.
type State string

const (
	StateFresh        State = "fresh"
	StateStaleInGrace State = "stale_in_grace"
	StateExpired      State = "expired"
)

// Entry is one cached capture. ImageRef names a blob in the screenshot
// store, not inline image bytes.
type Entry struct {
	URL        string    `json:"url"`
	ImageRef   string    `json:"image_ref"`
	CapturedAt time.Time `json:"captured_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// StateAt derives the freshness of the entry at the given instant.
func (e Entry) StateAt(now time.Time, grace time.Duration) State {
	if now.Before(e.ExpiresAt) {
		return StateFresh
	}
	if !now.After(e.ExpiresAt.Add(grace)) {
		return StateStaleInGrace
	}
	return StateExpired
}

var bucketEntries = []byte("entries")

// Index is the cache repository. Safe for concurrent use.
type Index struct {
	db    *bbolt.DB
	ttl   time.Duration
	grace time.Duration
	now   func() time.Time

	mu     sync.RWMutex
	mirror map[string]Entry
}

// Option configures an Index.
type Option func(*Index)

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(i *Index) { i.now = now }
}

// Open opens (or creates) the index file at path and loads every entry into
// the in-memory mirror.
func Open(path string, ttl, grace time.Duration, opts ...Option) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	idx := &Index{
		db:     db,
		ttl:    ttl,
		grace:  grace,
		now:    time.Now,
		mirror: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(idx)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entries bucket: %w", err)
	}

	if err := idx.loadMirror(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) loadMirror() error {
	return i.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				// A torn or legacy record is skipped, not fatal; it is
				// overwritten on the next capture of that URL.
				return nil
			}
			i.mirror[string(k)] = e
			return nil
		})
	})
}

// Close releases the underlying file.
func (i *Index) Close() error {
	return i.db.Close()
}

// Lookup returns the entry for the URL and its freshness at the current
// instant. ok is false when the URL has never been captured.
func (i *Index) Lookup(rawURL string) (Entry, State, bool) {
	key := NormalizeKey(rawURL)

	i.mu.RLock()
	e, ok := i.mirror[key]
	i.mu.RUnlock()
	if !ok {
		return Entry{}, StateExpired, false
	}
	return e, e.StateAt(i.now(), i.grace), true
}

// Put records a successful capture. The durable write happens before the
// mirror update; the entry's expiry is always capturedAt plus the TTL.
func (i *Index) Put(rawURL, imageRef string, capturedAt time.Time) (Entry, error) {
	key := NormalizeKey(rawURL)
	e := Entry{
		URL:        rawURL,
		ImageRef:   imageRef,
		CapturedAt: capturedAt,
		ExpiresAt:  capturedAt.Add(i.ttl),
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encode cache entry: %w", err)
	}
	err = i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), data)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("write cache entry: %w", err)
	}

	i.mu.Lock()
	i.mirror[key] = e
	i.mu.Unlock()
	return e, nil
}

// Len reports how many URLs are cached.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.mirror)
}

// NormalizeKey canonicalizes a URL for use as a cache key: lowercased scheme
// and host, fragment dropped, trailing slash on a bare path removed. Inputs
// that do not parse fall back to the trimmed raw string.
func NormalizeKey(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}
