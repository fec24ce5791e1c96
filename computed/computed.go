// Package computed memoizes the artifacts derived from a page load so that
// metrics computed concurrently share one copy of each.
package computed

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/m-lab/lantern/logging"
	"github.com/m-lab/lantern/metrics"
	"golang.org/x/sync/singleflight"
)

// Fingerprint returns a content hash of parts. The length of every part is
// hashed too, so that moving bytes across parts changes the fingerprint.
func Fingerprint(parts ...[]byte) uint64 {
	d := xxhash.New()
	var size [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(size[:], uint64(len(p)))
		d.Write(size[:])
		d.Write(p)
	}
	return d.Sum64()
}

// Key identifies an artifact computed from some content.
type Key struct {
	Artifact    string
	Fingerprint uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%016x", k.Artifact, k.Fingerprint)
}

// Derive returns the key of an artifact computed from k's content and
// extra.
func (k Key) Derive(artifact string, extra ...[]byte) Key {
	var fp [8]byte
	binary.LittleEndian.PutUint64(fp[:], k.Fingerprint)
	return Key{Artifact: artifact, Fingerprint: Fingerprint(append([][]byte{fp[:]}, extra...)...)}
}

type entry struct {
	value any
	err   error
}

// Cache holds computed artifacts by key. A key is computed at most once at
// a time; the value, or the error, is kept for later lookups.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]entry
	group   singleflight.Group
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: map[Key]entry{}}
}

// Len returns the number of memoized artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(k Key) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	return e, ok
}

func (c *Cache) do(ctx context.Context, k Key, fn func() (any, error)) (any, error) {
	if e, ok := c.lookup(k); ok {
		metrics.CacheLookups.WithLabelValues(k.Artifact, "hit").Inc()
		return e.value, e.err
	}
	ch := c.group.DoChan(k.String(), func() (any, error) {
		if e, ok := c.lookup(k); ok {
			return e.value, e.err
		}
		metrics.CacheLookups.WithLabelValues(k.Artifact, "miss").Inc()
		logging.Logger.WithField("key", k.String()).Debug("computed: compute: start")
		v, err := fn()
		logging.Logger.WithField("key", k.String()).Debug("computed: compute: stop")
		c.mu.Lock()
		c.entries[k] = entry{value: v, err: err}
		c.mu.Unlock()
		return v, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.CacheLookups.WithLabelValues(k.Artifact, "shared").Inc()
		}
		return res.Val, res.Err
	}
}

// Get returns the artifact of c at k, calling fn to compute it when it is
// not yet known. Waiting for a computation in flight stops when ctx is
// done, but the computation itself runs to completion.
func Get[T any](ctx context.Context, c *Cache, k Key, fn func() (T, error)) (T, error) {
	v, err := c.do(ctx, k, func() (any, error) {
		return fn()
	})
	t, _ := v.(T)
	return t, err
}
