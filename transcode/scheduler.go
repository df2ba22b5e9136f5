package transcode

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/config"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/video"
)

// Scheduler keeps every session's prefetch window queued on the executor
type Scheduler struct {
	executor        *Executor
	segments        *cache.SegmentCache
	sessions        *Sessions
	window          int
	segmentDuration float64
	clock           config.TimestampGenerator
}

func NewScheduler(executor *Executor, segments *cache.SegmentCache, sessions *Sessions, window int, segmentDuration float64) *Scheduler {
	return &Scheduler{
		executor:        executor,
		segments:        segments,
		sessions:        sessions,
		window:          window,
		segmentDuration: segmentDuration,
		clock:           sessions.clock,
	}
}

func (s *Scheduler) Sessions() *Sessions {
	return s.sessions
}

// Track records that segment i was requested. On a seek, queued prefetch jobs of the
// session that fall outside the new window are dropped.
func (s *Scheduler) Track(sess *Session, i int) bool {
	seek := sess.Advance(i, s.clock.Now())
	if !seek {
		return false
	}
	upper := i + s.window
	n := s.executor.CancelPrefetch(func(req JobRequest) bool {
		return req.Session == sess && (req.Key.Index < i || req.Key.Index > upper)
	})
	glog.V(4).Infof("session=%s seek to %d cancelled %d prefetch jobs", sess.Key, i, n)
	return true
}

// Fill queues prefetch jobs for the segments after i that are neither cached nor already
// being produced. Returns the queued indexes. Nothing is queued while the cache is not
// accepting writes, prefetched output would be thrown away.
func (s *Scheduler) Fill(sess *Session, asset *video.MediaAsset, rung video.QualityRung, i int, requestID string) []int {
	if !s.segments.Writable() {
		glog.V(5).Infof("session=%s segment cache degraded, not prefetching", sess.Key)
		return nil
	}
	count := asset.SegmentCount(s.segmentDuration)
	var queued []int
	for k := i + 1; k <= i+s.window && k < count; k++ {
		key := cache.SegmentKey{AssetID: asset.ID, Rung: rung.Name, AudioTrack: sess.Key.AudioTrack, Index: k}
		if s.segments.Contains(key) || s.executor.InFlight(key) {
			continue
		}
		_, err := s.executor.Submit(JobRequest{
			Key:       key,
			Asset:     asset,
			Rung:      rung,
			Session:   sess,
			Priority:  PriorityPrefetch,
			RequestID: requestID,
		})
		if errors.Is(err, ErrPrefetchQueueFull) || errors.Is(err, ErrExecutorStopped) {
			// the next request advances the window and tries again
			break
		}
		queued = append(queued, k)
	}
	return queued
}

// Expire drops idle sessions together with their queued prefetch work
func (s *Scheduler) Expire(timeout time.Duration) int {
	expired := s.sessions.Expire(timeout)
	if len(expired) == 0 {
		return 0
	}
	gone := make(map[*Session]bool, len(expired))
	for _, sess := range expired {
		gone[sess] = true
	}
	n := s.executor.CancelPrefetch(func(req JobRequest) bool {
		return gone[req.Session]
	})
	log.LogNoRequestID("expired idle sessions", "sessions", len(expired), "cancelled_jobs", n)
	return len(expired)
}

// DropAsset forgets the sessions of an asset and its queued prefetch work
func (s *Scheduler) DropAsset(assetID string) int {
	dropped := s.sessions.DropAsset(assetID)
	s.executor.CancelPrefetch(func(req JobRequest) bool {
		return req.Key.AssetID == assetID
	})
	return len(dropped)
}

// Run expires idle sessions on every tick until ctx is done
func (s *Scheduler) Run(ctx context.Context, interval, timeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Expire(timeout)
		}
	}
}
