package video

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentCount(t *testing.T) {
	for _, tc := range []struct {
		duration float64
		want     int
	}{
		{0, 0},
		{3.9, 1},
		{4, 1},
		{4.0000001, 1},
		{4.1, 2},
		{10, 3},
		{5400.5, 1351},
	} {
		a := MediaAsset{Duration: tc.duration}
		require.Equal(t, tc.want, a.SegmentCount(4), "duration %v", tc.duration)
	}
}

func TestLastSegmentIsShorter(t *testing.T) {
	a := MediaAsset{Duration: 10}
	require.Equal(t, 4.0, a.SegmentLength(0, 4))
	require.Equal(t, 4.0, a.SegmentLength(1, 4))
	require.InDelta(t, 2.0, a.SegmentLength(2, 4), 1e-9)
	require.Equal(t, 0.0, a.SegmentLength(3, 4))
	require.Equal(t, 0.0, a.SegmentLength(-1, 4))
	require.Equal(t, 8.0, a.SegmentStart(2, 4))
}

func TestAudioSelectors(t *testing.T) {
	silent := MediaAsset{}
	require.Equal(t, []int{0}, silent.AudioSelectors())
	require.True(t, silent.ValidAudio(0))
	require.False(t, silent.ValidAudio(1))

	multi := MediaAsset{AudioTracks: []AudioTrack{{Index: 0, Language: "eng"}, {Index: 1, Language: "jpn"}}}
	require.Equal(t, []int{0, 1}, multi.AudioSelectors())
	require.True(t, multi.ValidAudio(1))
	require.False(t, multi.ValidAudio(2))
	require.False(t, multi.ValidAudio(-1))
}

func TestSubtitleTracks(t *testing.T) {
	a := MediaAsset{SubtitleTracks: []SubtitleTrack{
		{Index: 0, Codec: "subrip", Language: "eng"},
		{Index: 1, Codec: "hdmv_pgs_subtitle", Title: "Signs"},
		{Index: 2, Codec: "ass"},
	}}
	s, ok := a.Subtitle(0)
	require.True(t, ok)
	require.True(t, s.IsText())
	require.Equal(t, "eng", s.DisplayName())

	s, ok = a.Subtitle(1)
	require.True(t, ok)
	require.False(t, s.IsText())
	require.Equal(t, "Signs", s.DisplayName())

	s, _ = a.Subtitle(2)
	require.Equal(t, "Subtitle 3", s.DisplayName())

	_, ok = a.Subtitle(3)
	require.False(t, ok)
}

func TestMergeProbeKeepsMetadataValues(t *testing.T) {
	a := MediaAsset{Duration: 100, VideoCodec: "hevc"}
	require.True(t, a.NeedsProbe())
	a.MergeProbe(&MediaAsset{
		Duration:    99.5,
		Width:       1920,
		Height:      1080,
		VideoCodec:  "h264",
		AudioTracks: []AudioTrack{{Index: 0, Codec: "aac"}},
	})
	require.Equal(t, 100.0, a.Duration)
	require.Equal(t, "hevc", a.VideoCodec)
	require.Equal(t, int64(1080), a.Height)
	require.Len(t, a.AudioTracks, 1)
	require.False(t, a.NeedsProbe())
}
