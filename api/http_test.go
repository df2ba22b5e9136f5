package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitServer(t *testing.T) {
	require := require.New(t)
	router := NewStremioAPIRouter(nil)

	for _, route := range []struct{ method, path string }{
		{"GET", "/ok"},
		{"GET", "/transcode/abc123/master.m3u8"},
		{"GET", "/transcode/abc123/seg_a0_480p_12.ts"},
		{"HEAD", "/transcode/abc123/stream_a0_480p.m3u8"},
		{"GET", "/api/status"},
		{"POST", "/api/status/reset"},
		{"POST", "/api/assets/abc123/invalidate"},
		{"GET", "/metrics"},
		{"GET", "/health"},
		{"HEAD", "/transcode/abc123/seg_a0_480p_12.ts"},
		{"GET", "/transcode/metrics"},
		{"POST", "/transcode/reset-metrics"},
	} {
		handle, _, _ := router.Lookup(route.method, route.path)
		require.NotNil(handle, "%s %s", route.method, route.path)
	}
}
