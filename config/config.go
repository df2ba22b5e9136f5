package config

import (
	"runtime"
	"time"
)

var Version string

// Used so that we can control the passage of time in tests
var Clock TimestampGenerator = RealTimestampGenerator{}

// Segment length used when nothing else is configured. Variant playlists and segment
// numbering are derived from it, so changing it invalidates the meaning of cached segments.
const DefaultSegmentDuration = 4

// Number of segments the prefetch scheduler keeps encoded ahead of the last request
const DefaultPrefetchSegments = 4

const DefaultHTTPAddress = "0.0.0.0:7000"
const DefaultCacheDir = "/data/cache"
const DefaultMediaDir = "/files/watch"
const DefaultFilesPath = "/files"
const DefaultMetaCorePath = "/meta-core"

// 10 GiB
const DefaultCacheMaxBytes int64 = 10 << 30

const DefaultCacheMaxAge = 7 * 24 * time.Hour

// Upper bound of queued, not yet started prefetch jobs across all sessions
const DefaultPrefetchQueue = 64

// One encode per core; every encode is single threaded
func DefaultMaxJobs() int {
	return runtime.NumCPU()
}
