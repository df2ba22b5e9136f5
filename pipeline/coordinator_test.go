package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meta-stremio/meta-stremio/cache"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/metadata"
	"github.com/meta-stremio/meta-stremio/subtitles"
	"github.com/meta-stremio/meta-stremio/transcode"
	"github.com/meta-stremio/meta-stremio/video"
	"github.com/stretchr/testify/require"
)

type countingEncoder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (e *countingEncoder) Encode(_ context.Context, req video.EncodeRequest) error {
	e.mu.Lock()
	e.calls[fmt.Sprintf("%s@%.0f", req.Rung.Name, req.Start)]++
	e.mu.Unlock()
	return os.WriteFile(req.Output, []byte(fmt.Sprintf("ts %s %.0f", req.Rung.Name, req.Start)), 0644)
}

func (e *countingEncoder) count(rung string, start float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[fmt.Sprintf("%s@%.0f", rung, start)]
}

type vttConverter struct{}

func (vttConverter) ExtractSubtitle(_ context.Context, _ string, _ int, output string) error {
	return os.WriteFile(output, []byte("WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nHi\n"), 0644)
}

type harness struct {
	coordinator *Coordinator
	segments    *cache.SegmentCache
	encoder     *countingEncoder
	store       metadata.InMemory
	sources     string
}

func newHarness(t *testing.T) *harness {
	sources := t.TempDir()
	store := metadata.InMemory{Assets: map[string]*video.MediaAsset{}}
	for _, id := range []string{"movie1", "movie2"} {
		path := filepath.Join(sources, id+".mkv")
		require.NoError(t, os.WriteFile(path, []byte("source "+id), 0644))
		store.Assets[id] = &video.MediaAsset{
			ID:          id,
			SourcePath:  path,
			Duration:    10,
			Width:       1280,
			Height:      720,
			AudioTracks: []video.AudioTrack{{Index: 0, Language: "eng", Codec: "aac"}},
			SubtitleTracks: []video.SubtitleTrack{
				{Index: 0, Language: "eng", Codec: "subrip"},
			},
		}
	}
	store.Assets["gone"] = &video.MediaAsset{ID: "gone", SourcePath: filepath.Join(sources, "missing.mkv"), Duration: 10}

	segments, err := cache.NewSegmentCache(cache.Options{Root: t.TempDir()})
	require.NoError(t, err)
	enc := &countingEncoder{calls: map[string]int{}}
	executor := transcode.NewExecutor(enc, segments, nil, transcode.Options{
		MaxJobs:         2,
		PrefetchQueue:   16,
		MaxWait:         5 * time.Second,
		EncodeTimeout:   5 * time.Second,
		SegmentDuration: 4,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = executor.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	scheduler := transcode.NewScheduler(executor, segments, transcode.NewSessions(nil), 2, 4)
	c := NewCoordinator(Deps{
		Metadata:        metadata.NewCached(store, time.Minute),
		Segments:        segments,
		Executor:        executor,
		Scheduler:       scheduler,
		Subtitles:       subtitles.NewExtractor(vttConverter{}, segments, 0),
		SegmentDuration: 4,
	})
	return &harness{coordinator: c, segments: segments, encoder: enc, store: store, sources: sources}
}

func segKey(asset string, index int) cache.SegmentKey {
	return cache.SegmentKey{AssetID: asset, Rung: "480p", AudioTrack: 0, Index: index}
}

func TestMasterPlaylist(t *testing.T) {
	h := newHarness(t)
	master, err := h.coordinator.Master(context.Background(), "req", "movie1", transcode.MasterFilter{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(master, "#EXTM3U"))
	require.Contains(t, master, "stream_a0_480p.m3u8")
	require.Contains(t, master, "subtitle_0.m3u8")
	require.NotContains(t, master, "1080p")

	again, err := h.coordinator.Master(context.Background(), "req", "movie1", transcode.MasterFilter{})
	require.NoError(t, err)
	require.Equal(t, master, again)
}

func TestVariantFollowsRefreshedMetadata(t *testing.T) {
	h := newHarness(t)
	variant, err := h.coordinator.Variant(context.Background(), "req", "movie1", "480p", 0)
	require.NoError(t, err)
	require.Contains(t, variant, "seg_a0_480p_2.ts")
	require.NotContains(t, variant, "seg_a0_480p_3.ts")

	// cached until invalidated
	h.store.Assets["movie1"].Duration = 20
	again, err := h.coordinator.Variant(context.Background(), "req", "movie1", "480p", 0)
	require.NoError(t, err)
	require.Equal(t, variant, again)

	h.coordinator.Invalidate("movie1", "manual")
	refreshed, err := h.coordinator.Variant(context.Background(), "req", "movie1", "480p", 0)
	require.NoError(t, err)
	require.Contains(t, refreshed, "seg_a0_480p_4.ts")
}

func TestUnknownAndMissingAssets(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Master(context.Background(), "req", "nope", transcode.MasterFilter{})
	require.True(t, errors.Is(err, catErrs.ErrAssetNotFound))

	_, err = h.coordinator.Variant(context.Background(), "req", "gone", "360p", 0)
	require.True(t, errors.Is(err, catErrs.ErrSourceUnavailable))

	_, err = h.coordinator.Master(context.Background(), "req", "../etc", transcode.MasterFilter{})
	require.True(t, errors.Is(err, catErrs.ErrInvalidRequest))
}

func TestSegmentEncodesAndPrefetches(t *testing.T) {
	h := newHarness(t)
	data, err := h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 0)
	require.NoError(t, err)
	require.Equal(t, "ts 480p 0", string(data))

	require.Eventually(t, func() bool {
		return h.segments.Contains(segKey("movie1", 1)) && h.segments.Contains(segKey("movie1", 2))
	}, 5*time.Second, 10*time.Millisecond)

	data, err = h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 1)
	require.NoError(t, err)
	require.Equal(t, "ts 480p 4", string(data))
	require.Equal(t, 1, h.encoder.count("480p", 0))
	require.Equal(t, 1, h.encoder.count("480p", 4))
	require.Equal(t, 1, h.encoder.count("480p", 8))

	status := h.coordinator.Status()
	require.Len(t, status.Sessions, 1)
	require.Equal(t, 1, status.Assets)
}

func TestSegmentRejectsInvalidSelections(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		rung  string
		audio int
		index int
	}{
		{"1080p", 0, 0},
		{"720p", 0, 0},
		{"bogus", 0, 0},
		{"480p", 3, 0},
		{"480p", 0, 3},
		{"480p", 0, -1},
	}
	for _, tc := range cases {
		_, err := h.coordinator.Segment(context.Background(), "req", "movie1", tc.rung, tc.audio, tc.index)
		require.True(t, errors.Is(err, catErrs.ErrInvalidRequest), "%+v: %v", tc, err)
	}
}

func TestChangedSourceInvalidatesAsset(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.segments.Contains(segKey("movie1", 2))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(h.sources, "movie1.mkv"), []byte("a new and longer source file"), 0644))

	_, err = h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 2, h.encoder.count("480p", 0))
}

func TestRemovedSourceIsUnavailable(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 0)
	require.NoError(t, err)
	require.True(t, h.segments.Contains(segKey("movie1", 0)))

	require.NoError(t, os.Remove(filepath.Join(h.sources, "movie1.mkv")))
	_, err = h.coordinator.Segment(context.Background(), "req", "movie1", "480p", 0, 0)
	require.True(t, errors.Is(err, catErrs.ErrSourceUnavailable))
	require.False(t, h.segments.Contains(segKey("movie1", 0)))
}

func TestInvalidateLeavesOtherAssets(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"movie1", "movie2"} {
		_, err := h.coordinator.Segment(context.Background(), "req", id, "480p", 0, 0)
		require.NoError(t, err)
	}

	res := h.coordinator.Invalidate("movie1", "manual")
	require.GreaterOrEqual(t, res.Entries, 1)
	require.Equal(t, 1, res.Sessions)

	require.False(t, h.segments.Contains(segKey("movie1", 0)))
	require.True(t, h.segments.Contains(segKey("movie2", 0)))
	sessions := h.coordinator.Status().Sessions
	require.Len(t, sessions, 1)
	require.Equal(t, "movie2/480p/a0", sessions[0].Key)
}

func TestSubtitleThroughCoordinator(t *testing.T) {
	h := newHarness(t)
	playlist, err := h.coordinator.SubtitlePlaylist(context.Background(), "req", "movie1", 0)
	require.NoError(t, err)
	require.Contains(t, playlist, "subtitle_0.vtt")

	vtt, err := h.coordinator.Subtitle(context.Background(), "req", "movie1", 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(vtt), "WEBVTT"))

	_, err = h.coordinator.Subtitle(context.Background(), "req", "movie1", 4)
	require.True(t, errors.Is(err, catErrs.ErrInvalidRequest))
}

func TestStatSegmentLeavesPlaybackAlone(t *testing.T) {
	h := newHarness(t)
	cached, err := h.coordinator.StatSegment(context.Background(), "req", "movie1", "480p", 0, 1)
	require.NoError(t, err)
	require.False(t, cached)

	_, err = h.coordinator.StatSegment(context.Background(), "req", "movie1", "480p", 0, 3)
	require.True(t, errors.Is(err, catErrs.ErrInvalidRequest))
	_, err = h.coordinator.StatSegment(context.Background(), "req", "movie1", "720p", 0, 0)
	require.True(t, errors.Is(err, catErrs.ErrInvalidRequest))

	require.Empty(t, h.coordinator.Status().Sessions)
	require.Equal(t, 0, h.encoder.count("480p", 4))
	require.False(t, h.segments.Contains(segKey("movie1", 1)))

	require.NoError(t, h.coordinator.StatSubtitle(context.Background(), "req", "movie1", 0))
	require.True(t, errors.Is(h.coordinator.StatSubtitle(context.Background(), "req", "movie1", 4), catErrs.ErrInvalidRequest))
	require.False(t, h.segments.Contains(cache.SubtitleKey{AssetID: "movie1", Track: 0}))
}
