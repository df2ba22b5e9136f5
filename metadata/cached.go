package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/meta-stremio/meta-stremio/video"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Cached keeps records in memory for a short while so the hot path of segment requests
// doesn't touch Redis. Concurrent misses for one id share a single read.
type Cached struct {
	store Store
	cache *cache.Cache
	group singleflight.Group
}

func NewCached(store Store, ttl time.Duration) *Cached {
	return &Cached{
		store: store,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *Cached) Get(ctx context.Context, assetID string) (*video.MediaAsset, error) {
	if v, ok := c.cache.Get(assetID); ok {
		return clone(v.(*video.MediaAsset)), nil
	}
	v, err, _ := c.group.Do(assetID, func() (interface{}, error) {
		asset, err := c.store.Get(ctx, assetID)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(assetID, asset)
		return asset, nil
	})
	if err != nil {
		return nil, err
	}
	asset, ok := v.(*video.MediaAsset)
	if !ok {
		return nil, errors.New("unexpected value in metadata cache")
	}
	return clone(asset), nil
}

// Forget drops the cached record so the next Get reads it again
func (c *Cached) Forget(assetID string) {
	c.cache.Delete(assetID)
}

func (c *Cached) Flush() {
	c.cache.Flush()
}

// callers may merge probe results into what they get back
func clone(a *video.MediaAsset) *video.MediaAsset {
	out := *a
	out.AudioTracks = append([]video.AudioTrack(nil), a.AudioTracks...)
	out.SubtitleTracks = append([]video.SubtitleTrack(nil), a.SubtitleTracks...)
	return &out
}
