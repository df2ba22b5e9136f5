package video

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestSegmentArgs(t *testing.T) {
	args := SegmentArgs(EncodeRequest{
		SourcePath: "/files/watch/movie.mkv",
		Start:      8,
		Duration:   4,
		Rung:       Rung720p,
		AudioTrack: 1,
		HasAudio:   true,
		Params:     EncodeParams{Preset: "veryfast", CRF: 24},
		Output:     "/data/cache/.staging/abc.ts",
	})

	require.Equal(t, "1", argValue(args, "-threads"))
	require.Equal(t, "veryfast", argValue(args, "-preset"))
	require.Equal(t, "24", argValue(args, "-crf"))
	require.Equal(t, "8.000", argValue(args, "-ss"))
	require.Equal(t, "4.000", argValue(args, "-t"))
	require.Equal(t, "8.000", argValue(args, "-output_ts_offset"))
	require.Equal(t, "scale=-2:720", argValue(args, "-vf"))
	require.Equal(t, "mpegts", argValue(args, "-f"))
	require.Equal(t, "128000", argValue(args, "-b:a"))
	require.Contains(t, args, "0:a:1")
	require.Contains(t, args, "/data/cache/.staging/abc.ts")

	// seeking happens on the input side
	joined := strings.Join(args, " ")
	require.Less(t, strings.Index(joined, "-ss"), strings.Index(joined, "-i /files/watch/movie.mkv"))

	// decoder, filter graph and encoder are all single threaded
	require.Less(t, strings.Index(joined, "-threads 1"), strings.Index(joined, "-i /files/watch/movie.mkv"))
	require.Contains(t, joined[strings.Index(joined, "-i /files/watch/movie.mkv"):], "-threads 1")
	require.Equal(t, "1", argValue(args, "-filter_threads"))
}

func TestSegmentArgsWithoutAudio(t *testing.T) {
	args := SegmentArgs(EncodeRequest{
		SourcePath: "in.mp4",
		Duration:   2.5,
		Rung:       OriginalRung(&MediaAsset{Width: 1920, Height: 1080}),
		Params:     EncodeParams{Preset: "ultrafast", CRF: 28},
		Output:     "out.ts",
	})
	require.Contains(t, args, "-an")
	require.NotContains(t, args, "-c:a")
	require.Equal(t, "0:v:0", argValue(args, "-map"))
	require.Equal(t, "2.500", argValue(args, "-t"))
	require.Equal(t, "scale=trunc(iw/2)*2:trunc(ih/2)*2", argValue(args, "-vf"))
}

func TestSubtitleArgs(t *testing.T) {
	args := SubtitleArgs("in.mkv", 2, "out.vtt")
	require.Equal(t, "0:s:2", argValue(args, "-map"))
	require.Equal(t, "webvtt", argValue(args, "-c:s"))
	require.Equal(t, "in.mkv", argValue(args, "-i"))
}

func TestEncodeParamsString(t *testing.T) {
	require.Equal(t, "fast/crf22", EncodeParams{Preset: "fast", CRF: 22}.String())
}
