package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrFlag(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	var addr string
	AddrFlag(fs, &addr, "addr", "0.0.0.0:7000", "")
	require.Equal(t, "0.0.0.0:7000", addr)
	err := fs.Parse([]string{
		"-addr=127.0.0.1:8080",
	})
	require.NoError(t, err)
	require.Equal(t, addr, "127.0.0.1:8080")

	fs2 := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	AddrFlag(fs2, &addr, "addr", "0.0.0.0:7000", "")
	err2 := fs2.Parse([]string{
		"-addr=nope",
	})
	require.Error(t, err2)
}

func TestInvertedBoolFlag(t *testing.T) {
	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	var enabled, untouched bool
	InvertedBoolFlag(fs, &enabled, "meta-events", true, "")
	InvertedBoolFlag(fs, &untouched, "other", true, "")
	err := fs.Parse([]string{
		"-no-meta-events=true",
	})
	require.NoError(t, err)
	require.False(t, enabled)
	require.True(t, untouched)
}

func TestByteSizeFlag(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"10G", 10 << 30},
		{"512MiB", 512 << 20},
		{"2k", 2048},
		{"1TB", 1 << 40},
	} {
		fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
		var size int64
		ByteSizeFlag(fs, &size, "size", 0, "")
		require.NoError(t, fs.Parse([]string{"-size=" + tc.in}), tc.in)
		require.Equal(t, tc.want, size, tc.in)
	}

	fs := flag.NewFlagSet("cli-test", flag.ContinueOnError)
	var size int64
	ByteSizeFlag(fs, &size, "size", 5, "")
	require.Error(t, fs.Parse([]string{"-size=lots"}))
	require.Equal(t, int64(5), size)
}

func TestValidate(t *testing.T) {
	cli := Cli{SegmentDuration: 4, PrefetchSegments: 4, MaxJobs: 2, CacheDir: "/tmp/cache"}
	require.NoError(t, cli.Validate())
	require.Equal(t, 4.0, cli.SegmentSeconds())

	bad := cli
	bad.SegmentDuration = 0
	require.ErrorContains(t, bad.Validate(), "segment-duration")

	bad = cli
	bad.MaxJobs = 0
	require.ErrorContains(t, bad.Validate(), "max-jobs")
}

func TestLeaderDiscovery(t *testing.T) {
	cli := Cli{MetaCorePath: "/meta-core"}
	require.True(t, cli.LeaderDiscovery())

	cli.RedisURL = "redis://localhost:6379"
	require.False(t, cli.LeaderDiscovery())
}
