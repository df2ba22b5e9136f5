package handlers

import (
	"errors"
	"testing"

	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestParseFile(t *testing.T) {
	for _, tc := range []struct {
		name string
		want fileRequest
	}{
		{"master.m3u8", fileRequest{kind: fileMaster}},
		{"master_720p.m3u8", fileRequest{kind: fileMaster, rung: "720p"}},
		{"master_original.m3u8", fileRequest{kind: fileMaster, rung: "original"}},
		{"master_a1.m3u8", fileRequest{kind: fileMaster, audio: intPtr(1)}},
		{"master_480p_a2.m3u8", fileRequest{kind: fileMaster, rung: "480p", audio: intPtr(2)}},
		{"stream_a0_1080p.m3u8", fileRequest{kind: fileVariant, rung: "1080p", audio: intPtr(0)}},
		{"seg_a1_360p_42.ts", fileRequest{kind: fileSegment, rung: "360p", audio: intPtr(1), index: 42}},
		{"seg_a0_original_0.ts", fileRequest{kind: fileSegment, rung: "original", audio: intPtr(0)}},
		{"subtitle_3.m3u8", fileRequest{kind: fileSubtitlePlaylist, track: 3}},
		{"subtitle_0.vtt", fileRequest{kind: fileSubtitle}},
	} {
		got, err := parseFile(tc.name)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestParseFileRejects(t *testing.T) {
	for _, name := range []string{
		"index.m3u8",
		"master.m3u",
		"seg_a0_480p_-1.ts",
		"seg_a0_480p.ts",
		"stream_480p.m3u8",
		"seg_a0_../../etc_1.ts",
		"subtitle_x.vtt",
		"seg_a0_480p_99999999999999999999999.ts",
	} {
		_, err := parseFile(name)
		require.True(t, errors.Is(err, catErrs.ErrInvalidRequest), name)
	}
}
