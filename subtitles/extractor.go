package subtitles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meta-stremio/meta-stremio/cache"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/meta-stremio/meta-stremio/video"
	"golang.org/x/sync/singleflight"
)

const DefaultTimeout = 5 * time.Minute

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Converter writes one embedded subtitle stream of source as WebVTT to output.
// video.FFmpeg implements it.
type Converter interface {
	ExtractSubtitle(ctx context.Context, sourcePath string, track int, output string) error
}

// Extractor produces each subtitle track once and serves it from the cache afterwards
type Extractor struct {
	converter Converter
	segments  *cache.SegmentCache
	timeout   time.Duration
	group     singleflight.Group
}

func NewExtractor(converter Converter, segments *cache.SegmentCache, timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{converter: converter, segments: segments, timeout: timeout}
}

// WebVTT returns the converted track. Concurrent calls for the same track share one
// conversion.
func (x *Extractor) WebVTT(ctx context.Context, asset *video.MediaAsset, track int) ([]byte, error) {
	sub, err := TextTrack(asset, track)
	if err != nil {
		return nil, err
	}

	key := cache.SubtitleKey{AssetID: asset.ID, Track: sub.Index}
	if data, ok := x.segments.Get(key); ok {
		return data, nil
	}

	ch := x.group.DoChan(key.String(), func() (interface{}, error) {
		// shared by every caller, so one of them going away must not abort it
		return x.extract(context.WithoutCancel(ctx), asset, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TextTrack returns the subtitle track if it exists and can be converted to WebVTT
func TextTrack(asset *video.MediaAsset, track int) (video.SubtitleTrack, error) {
	sub, ok := asset.Subtitle(track)
	if !ok {
		return video.SubtitleTrack{}, fmt.Errorf("%w: subtitle track %d not available for asset %s", catErrs.ErrInvalidRequest, track, asset.ID)
	}
	if !sub.IsText() {
		return video.SubtitleTrack{}, fmt.Errorf("%w: track %d is %s", catErrs.ErrSubtitleUnsupported, track, sub.Codec)
	}
	return sub, nil
}

func (x *Extractor) extract(ctx context.Context, asset *video.MediaAsset, key cache.SubtitleKey) ([]byte, error) {
	// a call that finished just before we joined may have cached it
	if data, ok := x.segments.Get(key); ok {
		return data, nil
	}
	requestID := log.RequestID(ctx)
	generation := x.segments.Generation(asset.ID)
	staged, inCache, err := x.segments.OutputFile(".vtt")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	started := time.Now()
	if err := x.converter.ExtractSubtitle(ctx, asset.SourcePath, key.Track, staged); err != nil {
		_ = os.Remove(staged)
		metrics.Metrics.SubtitleExtractions.WithLabelValues("failure").Inc()
		return nil, err
	}
	data, err := os.ReadFile(staged)
	if err == nil {
		err = validateWebVTT(data)
	}
	if err != nil {
		_ = os.Remove(staged)
		metrics.Metrics.SubtitleExtractions.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.Metrics.SubtitleExtractions.WithLabelValues("success").Inc()
	log.Log(requestID, "extracted subtitle track", "asset", asset.ID, "track", key.Track, "bytes", len(data), "took", time.Since(started).String())

	if !inCache || !x.segments.Writable() {
		_ = os.Remove(staged)
		return data, nil
	}
	if err := x.segments.Promote(key, staged, generation); err != nil && !errors.Is(err, cache.ErrStale) {
		_ = os.Remove(staged)
		log.LogError(requestID, "failed to cache subtitle track", err, "key", key.String())
	}
	return data, nil
}

func validateWebVTT(data []byte) error {
	body := bytes.TrimPrefix(data, utf8BOM)
	if !bytes.HasPrefix(body, []byte("WEBVTT")) {
		return errors.New("converter output is not a WebVTT document")
	}
	return nil
}

// FailureDocument is a valid, cue-less WebVTT file explaining why extraction failed, so
// players keep going instead of retrying a broken track
func FailureDocument(err error) []byte {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	// a NOTE block ends at the first blank line and must not contain an arrow
	reason = strings.Join(strings.Fields(reason), " ")
	reason = strings.ReplaceAll(reason, "-->", "->")
	return []byte("WEBVTT\n\nNOTE Subtitle extraction failed: " + reason + "\n")
}
