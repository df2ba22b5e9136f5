package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type TranscoderMetrics struct {
	SegmentRequestCount   *prometheus.CounterVec
	ManifestRequestCount  *prometheus.CounterVec
	SegmentRequestLatency *prometheus.HistogramVec

	JobDurationSec   *prometheus.HistogramVec
	TranscodeRatio   *prometheus.HistogramVec
	JobAttempts      *prometheus.CounterVec
	JobFailures      *prometheus.CounterVec
	JobsCancelled    prometheus.Counter
	JobsInFlight     prometheus.Gauge
	QueueDepth       *prometheus.GaugeVec
	PrefetchDropped  prometheus.Counter
	QueueWaitTimeout prometheus.Counter

	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheEvictions   prometheus.Counter
	CacheBytes       prometheus.Gauge
	CacheWriteErrors prometheus.Counter
	Invalidations    *prometheus.CounterVec

	ActiveSessions    prometheus.Gauge
	ControllerChanges *prometheus.CounterVec

	SubtitleExtractions *prometheus.CounterVec
	MetaEventsConsumed  *prometheus.CounterVec

	LeaderClient ClientMetrics
}

func NewMetrics() *TranscoderMetrics {
	m := &TranscoderMetrics{
		// HTTP surface
		SegmentRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_request_count",
			Help: "The total number of segment requests, broken up by whether they were served from cache",
		}, []string{"source"}),
		ManifestRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "manifest_request_count",
			Help: "The total number of playlist requests by playlist kind",
		}, []string{"kind"}),
		SegmentRequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segment_request_duration_seconds",
			Help:    "Time taken to answer a segment request",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		// Transcode jobs
		JobDurationSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_segment_duration_seconds",
			Help:    "Time taken to transcode a segment",
			Buckets: []float64{.25, .5, 1, 2, 3, 4, 6, 8, 12, 20},
		}, []string{"rung", "outcome"}),
		TranscodeRatio: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcode_ratio",
			Help:    "Encode wall time divided by segment duration",
			Buckets: []float64{.1, .2, .4, .6, .7, .8, 1, 1.5, 2, 4},
		}, []string{"rung"}),
		JobAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_job_attempts",
			Help: "The number of encoder invocations, broken up by attempt number",
		}, []string{"attempt"}),
		JobFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "transcode_job_failures",
			Help: "The number of jobs that failed after the retry, broken up by priority",
		}, []string{"priority"}),
		JobsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_jobs_cancelled",
			Help: "Queued prefetch jobs dropped because of a seek or an idle session",
		}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcode_jobs_in_flight",
			Help: "Encoder invocations currently running",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transcode_queue_depth",
			Help: "Jobs waiting for a worker slot",
		}, []string{"priority"}),
		PrefetchDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_prefetch_dropped",
			Help: "Prefetch submissions rejected because the prefetch queue was full",
		}),
		QueueWaitTimeout: promauto.NewCounter(prometheus.CounterOpts{
			Name: "transcode_queue_wait_timeouts",
			Help: "Blocking requests that gave up waiting for a worker slot",
		}),

		// Segment cache
		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_cache_hits",
			Help: "Cache lookups that found an artifact",
		}, []string{"kind"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_cache_misses",
			Help: "Cache lookups that found nothing",
		}, []string{"kind"}),
		CacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "segment_cache_evictions",
			Help: "Artifacts removed to stay within the disk quota",
		}),
		CacheBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "segment_cache_bytes",
			Help: "Bytes currently held by the segment cache",
		}),
		CacheWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "segment_cache_write_errors",
			Help: "Failed writes into the segment cache",
		}),
		Invalidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "segment_cache_invalidations",
			Help: "Whole-asset invalidations, broken up by trigger",
		}, []string{"reason"}),

		// Sessions
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stream_sessions_active",
			Help: "Playback sessions currently tracked",
		}),
		ControllerChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_controller_changes",
			Help: "Encode parameter changes made by the adaptive controller",
		}, []string{"direction"}),

		SubtitleExtractions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "subtitle_extractions",
			Help: "Subtitle extraction runs by outcome",
		}, []string{"outcome"}),
		MetaEventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "meta_events_consumed",
			Help: "Entries read from the meta:events stream, by event type",
		}, []string{"type"}),

		LeaderClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "leader_client_retry_count",
				Help: "The number of retries of a successful request to the meta-core leader",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "leader_client_failure_count",
				Help: "The total number of failed requests to the meta-core leader",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "leader_client_request_duration",
				Help:    "Time taken by requests to the meta-core leader",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
