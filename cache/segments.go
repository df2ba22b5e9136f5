package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meta-stremio/meta-stremio/config"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metrics"
)

const stagingDirName = ".staging"

// ErrMiss is returned by Open when nothing is cached under the key
var ErrMiss = errors.New("cache miss")

// ErrStale is returned by Promote when the asset was invalidated after the artifact was
// started. The staged file is discarded.
var ErrStale = errors.New("asset invalidated while artifact was being produced")

type Options struct {
	Root string
	// Zero disables the limit
	MaxBytes int64
	MaxAge   time.Duration
	// How long writes stay disabled after a write failure
	RetryInterval time.Duration
	Clock         config.TimestampGenerator
}

type entry struct {
	rel        string
	asset      string
	kind       string
	size       int64
	lastAccess time.Time
	refs       int
	elem       *list.Element
}

type Stats struct {
	Entries   int   `json:"entries"`
	Assets    int   `json:"assets"`
	Bytes     int64 `json:"bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	Pinned    int   `json:"pinned"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Degraded  bool  `json:"degraded"`
}

// SegmentCache is the on-disk store of encoded segments and subtitle artifacts.
// Artifacts are written to a staging directory and renamed into place, so a reader
// either sees a complete file or nothing. The catalog lives in memory and is rebuilt
// from a directory scan when the process starts.
type SegmentCache struct {
	opts    Options
	staging string

	mu          sync.Mutex
	entries     map[string]*entry
	lru         *list.List // front is most recently used
	totalBytes  int64
	generations map[string]uint64
	degraded    time.Time

	hits, misses, evictions int64
}

func NewSegmentCache(opts Options) (*SegmentCache, error) {
	if opts.Root == "" {
		return nil, errors.New("segment cache root must be set")
	}
	if opts.Clock == nil {
		opts.Clock = config.Clock
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	c := &SegmentCache{
		opts:        opts,
		staging:     filepath.Join(opts.Root, stagingDirName),
		entries:     map[string]*entry{},
		lru:         list.New(),
		generations: map[string]uint64{},
	}
	// anything left in staging is from a write that never completed
	if err := os.RemoveAll(c.staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(c.staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := c.rebuild(); err != nil {
		return nil, fmt.Errorf("failed to rebuild cache catalog: %w", err)
	}
	c.mu.Lock()
	evicted := c.evictLocked(c.opts.Clock.Now())
	c.mu.Unlock()
	log.LogNoRequestID("segment cache ready", "root", opts.Root, "entries", len(c.entries), "bytes", c.totalBytes, "evicted", evicted)
	return c, nil
}

func (c *SegmentCache) path(rel string) string {
	return filepath.Join(c.opts.Root, filepath.FromSlash(rel))
}

func (c *SegmentCache) rebuild() error {
	type found struct {
		rel     string
		size    int64
		modTime time.Time
	}
	var files []found
	err := filepath.WalkDir(c.opts.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == stagingDirName {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(c.opts.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := kindOf(rel); !ok || !strings.Contains(rel, "/") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// removed while we were walking
			return nil
		}
		files = append(files, found{rel: rel, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return err
	}

	// oldest first so the most recent end up at the front of the LRU list
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range files {
		kind, _ := kindOf(f.rel)
		e := &entry{
			rel:        f.rel,
			asset:      strings.SplitN(f.rel, "/", 2)[0],
			kind:       kind,
			size:       f.size,
			lastAccess: f.modTime,
		}
		e.elem = c.lru.PushFront(e)
		c.entries[e.rel] = e
		c.totalBytes += e.size
	}
	metrics.Metrics.CacheBytes.Set(float64(c.totalBytes))
	return nil
}

// Contains reports whether a complete artifact is cached, without touching recency
func (c *SegmentCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key.RelPath()]
	return ok
}

// pin looks up key and holds a reference so eviction leaves the file alone
func (c *SegmentCache) pin(key Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.RelPath()]
	if !ok {
		c.misses++
		metrics.Metrics.CacheMisses.WithLabelValues(key.Kind()).Inc()
		return nil
	}
	c.hits++
	metrics.Metrics.CacheHits.WithLabelValues(key.Kind()).Inc()
	e.refs++
	e.lastAccess = c.opts.Clock.Now()
	c.lru.MoveToFront(e.elem)
	return e
}

func (c *SegmentCache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
}

// forget drops an entry whose file disappeared underneath us
func (c *SegmentCache) forget(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.rel]; ok && cur == e {
		c.removeLocked(e)
	}
}

// Get returns a copy of the artifact's bytes. The artifact is pinned against eviction
// while it is read.
func (c *SegmentCache) Get(key Key) ([]byte, bool) {
	r, err := c.open(key)
	if err != nil {
		return nil, false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		log.LogNoRequestID("cached artifact unreadable, dropping it", "key", r.entry.rel, "err", err)
		c.forget(r.entry)
		return nil, false
	}
	return data, true
}

// reader holds a pin on its entry until Close
type reader struct {
	*os.File
	size  int64
	cache *SegmentCache
	entry *entry
	once  sync.Once
}

func (r *reader) Close() error {
	err := r.File.Close()
	r.once.Do(func() { r.cache.release(r.entry) })
	return err
}

var _ io.ReadCloser = (*reader)(nil)

func (c *SegmentCache) open(key Key) (*reader, error) {
	e := c.pin(key)
	if e == nil {
		return nil, ErrMiss
	}
	f, err := os.Open(c.path(e.rel))
	if err != nil {
		log.LogNoRequestID("cached artifact unreadable, dropping it", "key", e.rel, "err", err)
		c.release(e)
		c.forget(e)
		return nil, ErrMiss
	}
	return &reader{File: f, size: e.size, cache: c, entry: e}, nil
}

// stagingPath returns a fresh path on the cache filesystem for an encoder to write to
func (c *SegmentCache) stagingPath(ext string) string {
	return filepath.Join(c.staging, uuid.NewString()+ext)
}

// OutputFile creates an empty file for an encoder to write to and reports whether it
// lives in staging, where Promote can pick it up. While the cache is degraded, or when
// staging refuses the file, it is created in the system temp directory instead.
func (c *SegmentCache) OutputFile(ext string) (string, bool, error) {
	if c.Writable() {
		p := c.stagingPath(ext)
		f, err := os.Create(p)
		if err == nil {
			return p, true, f.Close()
		}
		c.markDegraded(err)
	}
	f, err := os.CreateTemp("", "meta-stremio-*"+ext)
	if err != nil {
		return "", false, fmt.Errorf("%w: no writable location for encoder output: %s", catErrs.ErrCacheWrite, err)
	}
	return f.Name(), false, f.Close()
}

// CheckStaging writes a small file to staging. A failure marks the cache degraded, so a
// full or broken cache volume is told apart from a failing encoder.
func (c *SegmentCache) CheckStaging() error {
	p := c.stagingPath(".check")
	err := writeSynced(p, []byte{0})
	_ = os.Remove(p)
	if err != nil {
		c.markDegraded(err)
		return fmt.Errorf("%w: %s", catErrs.ErrCacheWrite, err)
	}
	return nil
}

// Generation changes every time the asset is invalidated
func (c *SegmentCache) Generation(assetID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[assetID]
}

// Writable is false for a while after a write failed
func (c *SegmentCache) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.opts.Clock.Now().Before(c.degraded)
}

// Put stores data under key. Existing artifacts are kept as they are.
func (c *SegmentCache) Put(key Key, data []byte) error {
	gen := c.Generation(key.Asset())
	staged := c.stagingPath(filepath.Ext(key.RelPath()))
	if err := writeSynced(staged, data); err != nil {
		_ = os.Remove(staged)
		c.markDegraded(err)
		return fmt.Errorf("%w: %s", catErrs.ErrCacheWrite, err)
	}
	err := c.Promote(key, staged, gen)
	if errors.Is(err, catErrs.ErrCacheWrite) {
		_ = os.Remove(staged)
	}
	return err
}

func writeSynced(p string, data []byte) error {
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Promote atomically moves a finished staged file into the cache. gen must be the
// asset's Generation from before the artifact was started. On ErrCacheWrite the staged
// file is left in place for the caller to read or remove.
func (c *SegmentCache) Promote(key Key, staged string, gen uint64) error {
	info, err := os.Stat(staged)
	if err != nil {
		return fmt.Errorf("%w: staged file missing: %s", catErrs.ErrCacheWrite, err)
	}
	rel := key.RelPath()
	final := c.path(rel)

	c.mu.Lock()
	now := c.opts.Clock.Now()
	if c.generations[key.Asset()] != gen {
		c.mu.Unlock()
		_ = os.Remove(staged)
		return ErrStale
	}
	if _, exists := c.entries[rel]; exists {
		c.mu.Unlock()
		_ = os.Remove(staged)
		return nil
	}
	if now.Before(c.degraded) {
		c.mu.Unlock()
		return fmt.Errorf("%w: cache writes suspended after an earlier failure", catErrs.ErrCacheWrite)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		c.degraded = now.Add(c.opts.RetryInterval)
		c.mu.Unlock()
		metrics.Metrics.CacheWriteErrors.Inc()
		return fmt.Errorf("%w: %s", catErrs.ErrCacheWrite, err)
	}
	if err := os.Rename(staged, final); err != nil {
		c.degraded = now.Add(c.opts.RetryInterval)
		c.mu.Unlock()
		metrics.Metrics.CacheWriteErrors.Inc()
		return fmt.Errorf("%w: %s", catErrs.ErrCacheWrite, err)
	}
	kind, _ := kindOf(rel)
	e := &entry{rel: rel, asset: key.Asset(), kind: kind, size: info.Size(), lastAccess: now}
	e.elem = c.lru.PushFront(e)
	c.entries[rel] = e
	c.totalBytes += e.size
	evicted := c.evictLocked(now)
	c.mu.Unlock()

	if evicted > 0 {
		log.LogNoRequestID("evicted cached artifacts", "count", evicted)
	}
	return nil
}

func (c *SegmentCache) markDegraded(err error) {
	c.mu.Lock()
	c.degraded = c.opts.Clock.Now().Add(c.opts.RetryInterval)
	c.mu.Unlock()
	metrics.Metrics.CacheWriteErrors.Inc()
	log.LogErrorNoRequestID("segment cache write failed, serving uncached for a while", err, "retry_in", c.opts.RetryInterval)
}

// removeLocked drops e from the catalog. The caller deals with the file.
func (c *SegmentCache) removeLocked(e *entry) {
	delete(c.entries, e.rel)
	c.lru.Remove(e.elem)
	c.totalBytes -= e.size
	metrics.Metrics.CacheBytes.Set(float64(c.totalBytes))
}

// evictLocked enforces the age and size bounds, least recently used first, skipping
// artifacts that are being read
func (c *SegmentCache) evictLocked(now time.Time) int {
	evicted := 0
	for el := c.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		overSize := c.opts.MaxBytes > 0 && c.totalBytes > c.opts.MaxBytes
		tooOld := c.opts.MaxAge > 0 && now.Sub(e.lastAccess) > c.opts.MaxAge
		if !overSize && !tooOld {
			// everything further to the front is more recent
			break
		}
		if e.refs == 0 {
			c.removeLocked(e)
			if err := os.Remove(c.path(e.rel)); err != nil && !os.IsNotExist(err) {
				log.LogNoRequestID("failed to remove evicted artifact", "key", e.rel, "err", err)
			}
			evicted++
		}
		el = prev
	}
	c.evictions += int64(evicted)
	metrics.Metrics.CacheEvictions.Add(float64(evicted))
	metrics.Metrics.CacheBytes.Set(float64(c.totalBytes))
	return evicted
}

// Sweep applies the age bound. Size is enforced on every write already.
func (c *SegmentCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.opts.Clock.Now())
}

// Run sweeps on every tick until ctx is done
func (c *SegmentCache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				log.LogNoRequestID("cache sweep evicted aged artifacts", "count", n)
			}
		}
	}
}

// Invalidate removes everything cached for the asset and returns how many artifacts
// were dropped. Artifacts already being streamed stay readable through their open file.
func (c *SegmentCache) Invalidate(assetID string) int {
	if !ValidAssetID(assetID) {
		return 0
	}
	c.mu.Lock()
	c.generations[assetID]++
	removed := 0
	for _, e := range c.entries {
		if e.asset == assetID {
			c.removeLocked(e)
			removed++
		}
	}
	// move the subtree out of the way so a concurrent promote starts from an empty dir
	dir := c.path(assetID)
	trash := filepath.Join(c.staging, "trash-"+uuid.NewString())
	err := os.Rename(dir, trash)
	if err != nil && !os.IsNotExist(err) {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.LogNoRequestID("failed to remove invalidated asset directory", "asset", assetID, "err", rmErr)
		}
	}
	c.mu.Unlock()

	if err == nil {
		if rmErr := os.RemoveAll(trash); rmErr != nil {
			log.LogNoRequestID("failed to remove invalidated asset directory", "asset", assetID, "err", rmErr)
		}
	}
	return removed
}

func (c *SegmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:   len(c.entries),
		Bytes:     c.totalBytes,
		MaxBytes:  c.opts.MaxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Degraded:  c.opts.Clock.Now().Before(c.degraded),
	}
	assets := map[string]struct{}{}
	for _, e := range c.entries {
		assets[e.asset] = struct{}{}
		if e.refs > 0 {
			s.Pinned++
		}
	}
	s.Assets = len(assets)
	return s
}

// ResetCounters zeroes hit, miss and eviction counts
func (c *SegmentCache) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions = 0, 0, 0
}
