package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Cli struct {
	HTTPAddress string
	PprofPort   int

	CacheDir  string
	MediaDir  string
	FilesPath string

	SegmentDuration  int
	PrefetchSegments int
	MaxJobs          int
	PrefetchQueue    int
	MaxWait          time.Duration
	EncodeTimeout    time.Duration

	SessionTimeout       time.Duration
	SessionSweepInterval time.Duration

	CacheMaxBytes      int64
	CacheMaxAge        time.Duration
	CacheRetryInterval time.Duration

	MetadataTTL  time.Duration
	RedisURL     string
	RedisPrefix  string
	MetaCorePath string
	MetaEvents   bool

	FFmpegPath  string
	FFprobePath string
	ProbeOutput bool
}

// SegmentSeconds is the fixed playback length of every segment but the last
func (cli *Cli) SegmentSeconds() float64 {
	return float64(cli.SegmentDuration)
}

// LeaderDiscovery reports whether Redis has to be found through the meta-core leader
// instead of a fixed URL
func (cli *Cli) LeaderDiscovery() bool {
	return cli.RedisURL == ""
}

func (cli *Cli) Validate() error {
	if cli.SegmentDuration <= 0 {
		return fmt.Errorf("segment-duration must be positive, got %d", cli.SegmentDuration)
	}
	if cli.PrefetchSegments < 0 {
		return fmt.Errorf("prefetch-segments must not be negative, got %d", cli.PrefetchSegments)
	}
	if cli.MaxJobs <= 0 {
		return fmt.Errorf("max-jobs must be positive, got %d", cli.MaxJobs)
	}
	if cli.CacheDir == "" {
		return fmt.Errorf("cache-dir must be set")
	}
	return nil
}

// AddrFlag is a flag that must be a valid host:port
func AddrFlag(fs *flag.FlagSet, dest *string, name, value, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		_, _, err := net.SplitHostPort(s)
		if err != nil {
			return err
		}
		*dest = s
		return nil
	})
}

// InvertedBoolFlag registers -no-<name> which sets dest to false
func InvertedBoolFlag(fs *flag.FlagSet, dest *bool, name string, defaultValue bool, usage string) {
	*dest = defaultValue
	fs.Func(fmt.Sprintf("no-%s", name), usage, func(s string) error {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*dest = !b
		return nil
	})
}

var byteSuffixes = map[string]int64{
	"":  1,
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// ByteSizeFlag accepts plain byte counts or a K/M/G/T suffix, e.g. 20G
func ByteSizeFlag(fs *flag.FlagSet, dest *int64, name string, value int64, usage string) {
	*dest = value
	fs.Func(name, usage, func(s string) error {
		v, err := parseByteSize(s)
		if err != nil {
			return err
		}
		*dest = v
		return nil
	})
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")
	s = strings.TrimSuffix(s, "I")
	suffix := ""
	if len(s) > 0 {
		last := s[len(s)-1:]
		if _, ok := byteSuffixes[last]; ok {
			suffix = last
			s = s[:len(s)-1]
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("byte size must not be negative: %d", n)
	}
	return n * byteSuffixes[suffix], nil
}
