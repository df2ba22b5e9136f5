package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/config"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metadata"
	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/meta-stremio/meta-stremio/subtitles"
	"github.com/meta-stremio/meta-stremio/transcode"
	"github.com/meta-stremio/meta-stremio/video"
	"golang.org/x/sync/singleflight"
)

const (
	SourceCache     = "cache"
	SourceTranscode = "transcode"
)

// SourceProber completes metadata records that lack dimensions, duration or tracks
type SourceProber interface {
	ProbeFile(ctx context.Context, requestID, path string) (*video.MediaAsset, error)
}

// forgetter is implemented by metadata stores that keep records in memory
type forgetter interface {
	Forget(assetID string)
}

// Dependencies of a Coordinator. Prober may be nil, records are then used as they are.
type Deps struct {
	Metadata  metadata.Store
	Prober    SourceProber
	Segments  *cache.SegmentCache
	Executor  *transcode.Executor
	Scheduler *transcode.Scheduler
	Subtitles *subtitles.Extractor

	SegmentDuration float64
	Clock           config.TimestampGenerator
}

// loadedAsset is an asset as served, with the fingerprint of its source file at the
// time it was loaded
type loadedAsset struct {
	asset   *video.MediaAsset
	size    int64
	modTime time.Time
}

// Coordinator answers every playback request: it resolves the asset, serves from the
// segment cache and drives the scheduler and executor on a miss.
type Coordinator struct {
	deps    Deps
	assets  *cache.Cache[*loadedAsset]
	loads   singleflight.Group
	started time.Time
}

func NewCoordinator(deps Deps) *Coordinator {
	if deps.SegmentDuration <= 0 {
		deps.SegmentDuration = config.DefaultSegmentDuration
	}
	if deps.Clock == nil {
		deps.Clock = config.Clock
	}
	return &Coordinator{
		deps:    deps,
		assets:  cache.New[*loadedAsset](),
		started: deps.Clock.Now(),
	}
}

// Asset returns the asset as currently served. A source file that changed or went away
// since the asset was loaded invalidates everything cached for it.
func (c *Coordinator) Asset(ctx context.Context, requestID, assetID string) (*video.MediaAsset, error) {
	if err := metadata.ValidateAssetID(assetID); err != nil {
		return nil, err
	}

	if loaded, ok := c.assets.GetOK(assetID); ok {
		info, err := os.Stat(loaded.asset.SourcePath)
		if err != nil {
			c.Invalidate(assetID, "source-missing")
			return nil, fmt.Errorf("%w: %s", catErrs.ErrSourceUnavailable, err)
		}
		if info.Size() == loaded.size && info.ModTime().Equal(loaded.modTime) {
			return loaded.asset, nil
		}
		log.Log(requestID, "source file changed, invalidating asset", "asset", assetID, "path", loaded.asset.SourcePath)
		c.Invalidate(assetID, "source-changed")
	}

	v, err, _ := c.loads.Do(assetID, func() (interface{}, error) {
		return c.load(ctx, requestID, assetID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*loadedAsset).asset, nil
}

func (c *Coordinator) load(ctx context.Context, requestID, assetID string) (*loadedAsset, error) {
	asset, err := c.deps.Metadata.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(asset.SourcePath)
	if err != nil {
		// whatever is cached was encoded from a file that is gone
		c.Invalidate(assetID, "source-missing")
		return nil, fmt.Errorf("%w: %s", catErrs.ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", catErrs.ErrSourceUnavailable, asset.SourcePath)
	}

	if asset.NeedsProbe() && c.deps.Prober != nil {
		probed, err := c.deps.Prober.ProbeFile(ctx, requestID, asset.SourcePath)
		if err != nil {
			log.LogError(requestID, "failed to probe source file", err, "asset", assetID, "path", asset.SourcePath)
		} else {
			asset.MergeProbe(probed)
		}
	}
	if asset.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration of %s is unknown", catErrs.ErrSourceUnavailable, assetID)
	}

	loaded := &loadedAsset{asset: asset, size: info.Size(), modTime: info.ModTime()}
	c.assets.Store(assetID, loaded)
	log.Log(requestID, "loaded asset", "asset", assetID, "duration", asset.Duration,
		"width", asset.Width, "height", asset.Height, "audio_tracks", len(asset.AudioTracks))
	return loaded, nil
}

// Master renders the master playlist of an asset, optionally narrowed to one rung or audio track
func (c *Coordinator) Master(ctx context.Context, requestID, assetID string, filter transcode.MasterFilter) (string, error) {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return "", err
	}
	metrics.Metrics.ManifestRequestCount.WithLabelValues("master").Inc()
	return transcode.GenerateMasterPlaylist(asset, filter)
}

func (c *Coordinator) Variant(ctx context.Context, requestID, assetID, rung string, audio int) (string, error) {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return "", err
	}
	metrics.Metrics.ManifestRequestCount.WithLabelValues("variant").Inc()
	return transcode.GenerateVariantPlaylist(asset, rung, audio, c.deps.SegmentDuration)
}

func (c *Coordinator) SubtitlePlaylist(ctx context.Context, requestID, assetID string, track int) (string, error) {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return "", err
	}
	metrics.Metrics.ManifestRequestCount.WithLabelValues("subtitle").Inc()
	return transcode.GenerateSubtitlePlaylist(asset, track)
}

func (c *Coordinator) Subtitle(ctx context.Context, requestID, assetID string, track int) ([]byte, error) {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return nil, err
	}
	return c.deps.Subtitles.WebVTT(ctx, asset, track)
}

// resolveSegment checks a segment request against the asset as currently served
func (c *Coordinator) resolveSegment(ctx context.Context, requestID, assetID, rungName string, audio, index int) (*video.MediaAsset, video.QualityRung, cache.SegmentKey, error) {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return nil, video.QualityRung{}, cache.SegmentKey{}, err
	}
	rung, ok := video.FindRung(asset, rungName)
	if !ok {
		return nil, video.QualityRung{}, cache.SegmentKey{}, fmt.Errorf("%w: rung %q not available for asset %s", catErrs.ErrInvalidRequest, rungName, assetID)
	}
	if !asset.ValidAudio(audio) {
		return nil, video.QualityRung{}, cache.SegmentKey{}, fmt.Errorf("%w: audio track %d not available for asset %s", catErrs.ErrInvalidRequest, audio, assetID)
	}
	if count := asset.SegmentCount(c.deps.SegmentDuration); index < 0 || index >= count {
		return nil, video.QualityRung{}, cache.SegmentKey{}, fmt.Errorf("%w: segment %d out of range, asset %s has %d", catErrs.ErrInvalidRequest, index, assetID, count)
	}
	return asset, rung, cache.SegmentKey{AssetID: assetID, Rung: rung.Name, AudioTrack: audio, Index: index}, nil
}

// StatSegment validates a segment request without encoding anything or touching
// playback sessions. It reports whether the segment is already cached.
func (c *Coordinator) StatSegment(ctx context.Context, requestID, assetID, rungName string, audio, index int) (bool, error) {
	_, _, key, err := c.resolveSegment(ctx, requestID, assetID, rungName, audio, index)
	if err != nil {
		return false, err
	}
	return c.deps.Segments.Contains(key), nil
}

// StatSubtitle validates a subtitle request without extracting the track
func (c *Coordinator) StatSubtitle(ctx context.Context, requestID, assetID string, track int) error {
	asset, err := c.Asset(ctx, requestID, assetID)
	if err != nil {
		return err
	}
	_, err = subtitles.TextTrack(asset, track)
	return err
}

// Segment returns one encoded segment. The request itself is served by a blocking job,
// the segments after it are queued for prefetch.
func (c *Coordinator) Segment(ctx context.Context, requestID, assetID, rungName string, audio, index int) ([]byte, error) {
	start := c.deps.Clock.Now()
	asset, rung, key, err := c.resolveSegment(ctx, requestID, assetID, rungName, audio, index)
	if err != nil {
		return nil, err
	}

	sess := c.deps.Scheduler.Sessions().Get(transcode.SessionKey{AssetID: assetID, Rung: rung.Name, AudioTrack: audio})
	if c.deps.Scheduler.Track(sess, index) {
		log.Log(requestID, "seek detected", "session", sess.Key.String(), "index", index)
	}

	if data, ok := c.deps.Segments.Get(key); ok {
		c.deps.Scheduler.Fill(sess, asset, rung, index, requestID)
		c.observeSegment(SourceCache, start)
		return data, nil
	}

	job, err := c.deps.Executor.Submit(transcode.JobRequest{
		Key:       key,
		Asset:     asset,
		Rung:      rung,
		Session:   sess,
		Priority:  transcode.PriorityBlocking,
		RequestID: requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", catErrs.ErrTranscodeUnavailable, err)
	}
	// queued after the blocking job so they can't take its worker
	c.deps.Scheduler.Fill(sess, asset, rung, index, requestID)

	res, err := c.deps.Executor.Wait(ctx, job)
	if err != nil {
		if errors.Is(err, transcode.ErrExecutorStopped) {
			return nil, fmt.Errorf("%w: %s", catErrs.ErrTranscodeUnavailable, err)
		}
		return nil, err
	}
	data := res.Data
	if data == nil {
		var ok bool
		if data, ok = c.deps.Segments.Get(key); !ok {
			// evicted or invalidated between promote and read
			return nil, fmt.Errorf("%w: segment %s vanished from the cache", catErrs.ErrTranscodeUnavailable, key)
		}
	}
	source := SourceTranscode
	if res.Cached {
		source = SourceCache
	}
	c.observeSegment(source, start)
	return data, nil
}

func (c *Coordinator) observeSegment(source string, start time.Time) {
	metrics.Metrics.SegmentRequestCount.WithLabelValues(source).Inc()
	metrics.Metrics.SegmentRequestLatency.WithLabelValues(source).Observe(c.deps.Clock.Now().Sub(start).Seconds())
}

type InvalidateResult struct {
	AssetID  string `json:"asset_id"`
	Reason   string `json:"reason"`
	Entries  int    `json:"entries"`
	Sessions int    `json:"sessions"`
}

// Invalidate drops cached output, sessions, queued prefetch work and the metadata of
// one asset. Other assets are untouched.
func (c *Coordinator) Invalidate(assetID, reason string) InvalidateResult {
	res := InvalidateResult{AssetID: assetID, Reason: reason}
	if err := metadata.ValidateAssetID(assetID); err != nil {
		return res
	}
	res.Entries = c.deps.Segments.Invalidate(assetID)
	res.Sessions = c.deps.Scheduler.DropAsset(assetID)
	c.assets.Remove(assetID)
	if f, ok := c.deps.Metadata.(forgetter); ok {
		f.Forget(assetID)
	}
	metrics.Metrics.Invalidations.WithLabelValues(reason).Inc()
	log.LogNoRequestID("invalidated asset", "asset", assetID, "reason", reason, "entries", res.Entries, "sessions", res.Sessions)
	return res
}

type Status struct {
	Version  string                  `json:"version"`
	Uptime   string                  `json:"uptime"`
	Assets   int                     `json:"assets"`
	Sessions []transcode.SessionInfo `json:"sessions"`
	Cache    cache.Stats             `json:"cache"`
	Executor transcode.ExecutorStats `json:"executor"`
}

func (c *Coordinator) Status() Status {
	return Status{
		Version:  config.Version,
		Uptime:   c.deps.Clock.Now().Sub(c.started).Round(time.Second).String(),
		Assets:   c.assets.Len(),
		Sessions: c.deps.Scheduler.Sessions().List(),
		Cache:    c.deps.Segments.Stats(),
		Executor: c.deps.Executor.Stats(),
	}
}

// ResetStats zeroes the counters reported by Status. Gauges and Prometheus series are
// left alone.
func (c *Coordinator) ResetStats() {
	c.deps.Executor.ResetCounters()
	c.deps.Segments.ResetCounters()
}
