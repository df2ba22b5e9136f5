package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/config"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metrics"
	"github.com/meta-stremio/meta-stremio/video"
)

// An encode is tried once with the session's parameters and once with the next faster step
const maxAttempts = 2

var ErrPrefetchQueueFull = errors.New("prefetch queue full")
var ErrExecutorStopped = errors.New("transcode executor stopped")

// Encoder produces one MPEG-TS segment at req.Output
type Encoder interface {
	Encode(ctx context.Context, req video.EncodeRequest) error
}

type EncoderFunc func(ctx context.Context, req video.EncodeRequest) error

func (f EncoderFunc) Encode(ctx context.Context, req video.EncodeRequest) error {
	return f(ctx, req)
}

// SegmentValidator checks that encoder output is a playable segment
type SegmentValidator interface {
	ValidateSegment(ctx context.Context, path string) error
}

type Options struct {
	MaxJobs         int
	PrefetchQueue   int
	MaxWait         time.Duration
	EncodeTimeout   time.Duration
	SegmentDuration float64
	Clock           config.TimestampGenerator
}

type ExecutorStats struct {
	MaxJobs        int       `json:"max_jobs"`
	Running        int       `json:"running"`
	QueuedBlocking int       `json:"queued_blocking"`
	QueuedPrefetch int       `json:"queued_prefetch"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	Retries        int64     `json:"retries"`
	Cancelled      int64     `json:"cancelled"`
	Dropped        int64     `json:"dropped"`
	Jobs           []JobInfo `json:"jobs"`
}

// Executor runs at most one job per SegmentKey on a fixed pool of workers
type Executor struct {
	opts      Options
	encoder   Encoder
	validator SegmentValidator
	segments  *cache.SegmentCache

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *jobQueue
	jobs    map[cache.SegmentKey]*Job
	running int
	stopped bool

	succeeded, failed, retries, cancelled, dropped int64
}

// NewExecutor builds an executor. validator may be nil. Workers start with Run.
func NewExecutor(encoder Encoder, segments *cache.SegmentCache, validator SegmentValidator, opts Options) *Executor {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 1
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = config.DefaultSegmentDuration
	}
	if opts.Clock == nil {
		opts.Clock = config.Clock
	}
	e := &Executor{
		opts:      opts,
		encoder:   encoder,
		validator: validator,
		segments:  segments,
		queue:     newJobQueue(opts.PrefetchQueue),
		jobs:      map[cache.SegmentKey]*Job{},
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Run starts the workers and blocks until ctx is cancelled and running jobs have returned
func (e *Executor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.opts.MaxJobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}

	<-ctx.Done()
	e.mu.Lock()
	e.stopped = true
	var orphaned []*Job
	for j := e.queue.pop(); j != nil; j = e.queue.pop() {
		delete(e.jobs, j.Key())
		j.state = JobFailed
		j.result = Result{Err: ErrExecutorStopped}
		orphaned = append(orphaned, j)
	}
	e.updateQueueGauges()
	e.cond.Broadcast()
	e.mu.Unlock()
	for _, j := range orphaned {
		close(j.done)
	}

	wg.Wait()
	return nil
}

// Submit attaches to the live job for the key or queues a new one. A blocking submission
// moves a queued prefetch job ahead of every other prefetch job.
func (e *Executor) Submit(req JobRequest) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil, ErrExecutorStopped
	}

	if j, ok := e.jobs[req.Key]; ok {
		if req.Priority == PriorityBlocking {
			j.wantsData = true
			if j.queued {
				e.queue.upgrade(j)
				e.updateQueueGauges()
			} else {
				j.priority = PriorityBlocking
			}
		}
		return j, nil
	}

	j := &Job{
		ID:        uuid.NewString(),
		req:       req,
		priority:  req.Priority,
		state:     JobPending,
		wantsData: req.Priority == PriorityBlocking,
		created:   e.opts.Clock.Now(),
		done:      make(chan struct{}),
	}
	if !e.queue.push(j) {
		e.dropped++
		metrics.Metrics.PrefetchDropped.Inc()
		return nil, ErrPrefetchQueueFull
	}
	e.jobs[req.Key] = j
	e.updateQueueGauges()
	e.cond.Signal()
	return j, nil
}

// Wait blocks until the job finishes. If the job has not started after max-wait the
// caller gets ErrQueueTimeout, the job itself stays queued.
func (e *Executor) Wait(ctx context.Context, j *Job) (Result, error) {
	var timeout <-chan time.Time
	if e.opts.MaxWait > 0 {
		timer := time.NewTimer(e.opts.MaxWait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		select {
		case <-j.done:
			return j.result, j.result.Err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-timeout:
			timeout = nil
			if e.State(j) == JobPending {
				metrics.Metrics.QueueWaitTimeout.Inc()
				return Result{}, catErrs.ErrQueueTimeout
			}
		}
	}
}

// Segment submits a blocking job and waits for it
func (e *Executor) Segment(ctx context.Context, req JobRequest) (Result, error) {
	req.Priority = PriorityBlocking
	j, err := e.Submit(req)
	if err != nil {
		return Result{}, err
	}
	return e.Wait(ctx, j)
}

func (e *Executor) State(j *Job) JobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return j.state
}

// InFlight reports whether a job for key is queued or running
func (e *Executor) InFlight(key cache.SegmentKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[key]
	return ok
}

// CancelPrefetch drops the queued prefetch jobs matching pred. Running jobs and jobs a
// caller is blocked on are never touched.
func (e *Executor) CancelPrefetch(pred func(req JobRequest) bool) int {
	e.mu.Lock()
	var cancelled []*Job
	for _, j := range e.queue.prefetchJobs() {
		if !pred(j.req) {
			continue
		}
		e.queue.remove(j)
		delete(e.jobs, j.Key())
		j.state = JobFailed
		j.result = Result{Err: catErrs.ErrJobCancelled}
		cancelled = append(cancelled, j)
	}
	e.cancelled += int64(len(cancelled))
	e.updateQueueGauges()
	e.mu.Unlock()

	for _, j := range cancelled {
		close(j.done)
	}
	metrics.Metrics.JobsCancelled.Add(float64(len(cancelled)))
	return len(cancelled)
}

func (e *Executor) worker(ctx context.Context) {
	for {
		j := e.next()
		if j == nil {
			return
		}
		res := e.execute(ctx, j)
		e.finish(j, res)
	}
}

func (e *Executor) next() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.stopped && e.queue.len(PriorityBlocking)+e.queue.len(PriorityPrefetch) == 0 {
		e.cond.Wait()
	}
	if e.stopped {
		return nil
	}
	j := e.queue.pop()
	j.state = JobRunning
	j.started = e.opts.Clock.Now()
	e.running++
	metrics.Metrics.JobsInFlight.Set(float64(e.running))
	e.updateQueueGauges()
	return j
}

func (e *Executor) wantsData(j *Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return j.wantsData
}

func (e *Executor) execute(ctx context.Context, j *Job) Result {
	req := j.req
	key := req.Key

	// an earlier job or a previous run of the process may have produced it already
	if e.segments.Contains(key) {
		res := Result{Cached: true}
		if e.wantsData(j) {
			if data, ok := e.segments.Get(key); ok {
				res.Data = data
			} else {
				res.Cached = false
			}
		}
		if res.Cached {
			return res
		}
	}

	params := ParamLadder[startStep]
	if req.Session != nil {
		params = req.Session.Controller.Params()
	}
	generation := e.segments.Generation(key.AssetID)
	segSeconds := req.Asset.SegmentLength(key.Index, e.opts.SegmentDuration)

	jobCtx := log.WithLogValues(ctx, "request_id", req.RequestID, "job_id", j.ID, "key", key.String())
	var lastErr error
	attempt := 1
	stagingChecked := false
	for ; attempt <= maxAttempts; attempt++ {
		metrics.Metrics.JobAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
		output, inCache, err := e.segments.OutputFile(".ts")
		if err != nil {
			lastErr = err
			break
		}
		encReq := video.EncodeRequest{
			SourcePath: req.Asset.SourcePath,
			Start:      req.Asset.SegmentStart(key.Index, e.opts.SegmentDuration),
			Duration:   segSeconds,
			Rung:       req.Rung,
			AudioTrack: key.AudioTrack,
			HasAudio:   req.Asset.HasAudio(),
			Params:     params,
			Output:     output,
		}

		began := time.Now()
		err = e.encodeOnce(ctx, encReq)
		elapsed := time.Since(began)
		if err == nil {
			if req.Session != nil {
				next := req.Session.Controller.Observe(params, elapsed, segSeconds)
				if next != params {
					glog.V(4).Infof("session=%s controller moved from %s to %s ratio=%.2f", req.Session.Key, params, next, elapsed.Seconds()/segSeconds)
				}
			}
			metrics.Metrics.TranscodeRatio.WithLabelValues(key.Rung).Observe(elapsed.Seconds() / segSeconds)
			res := e.store(j, output, inCache, generation)
			res.Params = params
			res.Elapsed = elapsed
			res.Attempts = attempt
			return res
		}

		_ = os.Remove(encReq.Output)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.LogCtxError(jobCtx, "segment encode failed", err, "attempt", attempt, "params", params.String())
		// a full or broken cache volume fails the encode too; that is not the encoder's fault
		if inCache && !stagingChecked {
			stagingChecked = true
			if checkErr := e.segments.CheckStaging(); checkErr != nil {
				log.LogCtxError(jobCtx, "cache staging not writable, encoding outside the cache", checkErr)
				attempt--
				continue
			}
		}
		if attempt < maxAttempts {
			e.mu.Lock()
			e.retries++
			e.mu.Unlock()
			params = Safer(params)
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}
	return Result{
		Params:   params,
		Attempts: attempt,
		Err:      fmt.Errorf("%w: segment %s: %s", catErrs.ErrTranscodeUnavailable, key, lastErr),
	}
}

func (e *Executor) encodeOnce(ctx context.Context, req video.EncodeRequest) error {
	if e.opts.EncodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.EncodeTimeout)
		defer cancel()
	}
	if err := e.encoder.Encode(ctx, req); err != nil {
		return err
	}
	info, err := os.Stat(req.Output)
	if err != nil {
		return fmt.Errorf("encoder produced no output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("encoder produced an empty segment")
	}
	if e.validator != nil {
		if err := e.validator.ValidateSegment(ctx, req.Output); err != nil {
			return fmt.Errorf("encoder output failed validation: %w", err)
		}
	}
	return nil
}

// store promotes the staged output. Bytes are read first when a caller is waiting for
// them or when the output cannot end up in the cache, so the segment is served either way.
func (e *Executor) store(j *Job, output string, inCache bool, generation uint64) Result {
	var res Result
	writable := inCache && e.segments.Writable()
	if e.wantsData(j) || !writable {
		if err := e.readOutput(&res, output); err != nil {
			return Result{Err: err}
		}
	}
	if !writable {
		_ = os.Remove(output)
		return res
	}
	err := e.segments.Promote(j.Key(), output, generation)
	switch {
	case err == nil:
		res.Cached = true
	case errors.Is(err, cache.ErrStale):
		glog.V(4).Infof("discarded segment %s of an invalidated asset", j.Key())
	default:
		log.LogError(j.req.RequestID, "failed to cache segment, serving it uncached", err, "key", j.Key().String())
		// a blocking caller may have attached after the read decision
		if res.Data == nil {
			if readErr := e.readOutput(&res, output); readErr != nil {
				return Result{Err: readErr}
			}
		}
		_ = os.Remove(output)
	}
	return res
}

func (e *Executor) readOutput(res *Result, output string) error {
	data, err := os.ReadFile(output)
	if err != nil {
		_ = os.Remove(output)
		return fmt.Errorf("%w: reading encoder output: %s", catErrs.ErrTranscodeUnavailable, err)
	}
	res.Data = data
	return nil
}

func (e *Executor) finish(j *Job, res Result) {
	outcome := "success"
	e.mu.Lock()
	j.result = res
	if res.Err != nil {
		j.state = JobFailed
		e.failed++
		outcome = "failure"
	} else {
		j.state = JobSucceeded
		e.succeeded++
	}
	if e.jobs[j.Key()] == j {
		delete(e.jobs, j.Key())
	}
	e.running--
	metrics.Metrics.JobsInFlight.Set(float64(e.running))
	priority := j.priority
	started := j.started
	e.mu.Unlock()
	close(j.done)

	metrics.Metrics.JobDurationSec.WithLabelValues(j.Key().Rung, outcome).Observe(e.opts.Clock.Now().Sub(started).Seconds())
	if res.Err != nil {
		metrics.Metrics.JobFailures.WithLabelValues(priority.String()).Inc()
		if priority == PriorityPrefetch {
			log.LogNoRequestID("prefetch job failed", "job_id", j.ID, "key", j.Key().String(), "err", res.Err)
		}
		return
	}
	glog.V(5).Infof("job=%s key=%s done params=%s elapsed=%s attempts=%d cached=%t", j.ID, j.Key(), res.Params, res.Elapsed, res.Attempts, res.Cached)
}

// caller holds e.mu
func (e *Executor) updateQueueGauges() {
	metrics.Metrics.QueueDepth.WithLabelValues(PriorityBlocking.String()).Set(float64(e.queue.len(PriorityBlocking)))
	metrics.Metrics.QueueDepth.WithLabelValues(PriorityPrefetch.String()).Set(float64(e.queue.len(PriorityPrefetch)))
}

func (e *Executor) Stats() ExecutorStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := ExecutorStats{
		MaxJobs:        e.opts.MaxJobs,
		Running:        e.running,
		QueuedBlocking: e.queue.len(PriorityBlocking),
		QueuedPrefetch: e.queue.len(PriorityPrefetch),
		Succeeded:      e.succeeded,
		Failed:         e.failed,
		Retries:        e.retries,
		Cancelled:      e.cancelled,
		Dropped:        e.dropped,
		Jobs:           make([]JobInfo, 0, len(e.jobs)),
	}
	for _, j := range e.jobs {
		s.Jobs = append(s.Jobs, JobInfo{
			ID:       j.ID,
			Key:      j.Key().String(),
			Priority: j.priority.String(),
			State:    j.state.String(),
			Created:  j.created,
			Started:  j.started,
		})
	}
	return s
}

func (e *Executor) ResetCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.succeeded, e.failed, e.retries, e.cancelled, e.dropped = 0, 0, 0, 0, 0
}
