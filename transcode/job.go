package transcode

import (
	"time"

	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/video"
)

type Priority int

const (
	// Someone is waiting on the HTTP connection for this segment
	PriorityBlocking Priority = iota
	PriorityPrefetch
)

func (p Priority) String() string {
	if p == PriorityBlocking {
		return "blocking"
	}
	return "prefetch"
}

type JobState int

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobSucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// JobRequest describes the segment to produce
type JobRequest struct {
	Key      cache.SegmentKey
	Asset    *video.MediaAsset
	Rung     video.QualityRung
	Session  *Session
	Priority Priority
	// Request ID for log correlation
	RequestID string
}

// Result is shared by every caller attached to the job
type Result struct {
	// Segment bytes. Set when a blocking caller was attached or the output could not be
	// cached, otherwise read it from the cache.
	Data     []byte
	Cached   bool
	Params   video.EncodeParams
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// Job is the unit of work for one SegmentKey. All fields apart from done are guarded by
// the executor's mutex.
type Job struct {
	ID  string
	req JobRequest

	priority  Priority
	state     JobState
	wantsData bool
	created   time.Time
	started   time.Time

	// queue bookkeeping
	queued bool

	done   chan struct{}
	result Result
}

func (j *Job) Key() cache.SegmentKey {
	return j.req.Key
}

// Done is closed when the job reaches a terminal state
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// JobInfo is a snapshot for status output
type JobInfo struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	Priority string    `json:"priority"`
	State    string    `json:"state"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitempty"`
}
