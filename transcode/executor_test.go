package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meta-stremio/meta-stremio/cache"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/video"
	"github.com/stretchr/testify/require"
)

type fakeEncoder struct {
	mu        sync.Mutex
	calls     []video.EncodeRequest
	failFirst int
	failAll   bool
	// when set, every call blocks until it is closed
	gate chan struct{}
}

func (f *fakeEncoder) Encode(ctx context.Context, req video.EncodeRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failAll || n <= f.failFirst {
		return errors.New("encoder exploded")
	}
	body := fmt.Sprintf("segment rung=%s audio=%d start=%.3f", req.Rung.Name, req.AudioTrack, req.Start)
	return os.WriteFile(req.Output, []byte(body), 0644)
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEncoder) call(i int) video.EncodeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type rejectingValidator struct{}

func (rejectingValidator) ValidateSegment(ctx context.Context, path string) error {
	return errors.New("no video stream")
}

func newTestSegmentCache(t *testing.T) *cache.SegmentCache {
	c, err := cache.NewSegmentCache(cache.Options{Root: t.TempDir()})
	require.NoError(t, err)
	return c
}

func startExecutor(t *testing.T, enc Encoder, segments *cache.SegmentCache, validator SegmentValidator, opts Options) *Executor {
	e := NewExecutor(enc, segments, validator, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func segmentRequest(asset *video.MediaAsset, i int, p Priority) JobRequest {
	return JobRequest{
		Key:      cache.SegmentKey{AssetID: asset.ID, Rung: video.Rung360p.Name, AudioTrack: 0, Index: i},
		Asset:    asset,
		Rung:     video.Rung360p,
		Priority: p,
	}
}

func TestConcurrentRequestsShareOneEncode(t *testing.T) {
	enc := &fakeEncoder{gate: make(chan struct{})}
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 4, MaxWait: 10 * time.Second})
	asset := testAsset()

	const callers = 10
	var submitted, finished sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	submitted.Add(callers)
	finished.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer finished.Done()
			j, err := e.Submit(segmentRequest(asset, 1, PriorityBlocking))
			submitted.Done()
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = e.Wait(context.Background(), j)
		}(i)
	}
	submitted.Wait()
	close(enc.gate)
	finished.Wait()

	require.Equal(t, 1, enc.callCount())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Data, results[i].Data)
	}
	require.NotEmpty(t, results[0].Data)
	require.True(t, results[0].Cached)
}

func TestSegmentIsPromotedIntoCache(t *testing.T) {
	enc := &fakeEncoder{}
	segments := newTestSegmentCache(t)
	e := startExecutor(t, enc, segments, nil, Options{MaxJobs: 1, MaxWait: time.Second})
	asset := testAsset()

	res, err := e.Segment(context.Background(), segmentRequest(asset, 2, PriorityBlocking))
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)

	cached, ok := segments.Get(cache.SegmentKey{AssetID: asset.ID, Rung: "360p", Index: 2})
	require.True(t, ok)
	require.Equal(t, res.Data, cached)

	req := enc.call(0)
	require.InDelta(t, 8.0, req.Start, 0.0001)
	require.InDelta(t, 2.0, req.Duration, 0.0001)
	require.True(t, req.HasAudio)
	require.Equal(t, ParamLadder[startStep], req.Params)
}

func TestCachedSegmentIsNotEncodedAgain(t *testing.T) {
	enc := &fakeEncoder{}
	segments := newTestSegmentCache(t)
	asset := testAsset()
	key := cache.SegmentKey{AssetID: asset.ID, Rung: "360p", Index: 0}
	require.NoError(t, segments.Put(key, []byte("already here")))

	e := startExecutor(t, enc, segments, nil, Options{MaxJobs: 1, MaxWait: time.Second})
	res, err := e.Segment(context.Background(), segmentRequest(asset, 0, PriorityBlocking))
	require.NoError(t, err)
	require.Equal(t, []byte("already here"), res.Data)
	require.Equal(t, 0, enc.callCount())
}

func TestFailingEncoderIsTriedExactlyTwice(t *testing.T) {
	enc := &fakeEncoder{failAll: true}
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 2, MaxWait: time.Second})

	_, err := e.Segment(context.Background(), segmentRequest(testAsset(), 0, PriorityBlocking))
	require.ErrorIs(t, err, catErrs.ErrTranscodeUnavailable)
	require.Equal(t, 2, enc.callCount())
	require.Equal(t, Safer(enc.call(0).Params), enc.call(1).Params)
	require.Equal(t, int64(1), e.Stats().Failed)
	require.Equal(t, int64(1), e.Stats().Retries)
}

func TestRetryUsesFasterParams(t *testing.T) {
	enc := &fakeEncoder{failFirst: 1}
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: time.Second})

	res, err := e.Segment(context.Background(), segmentRequest(testAsset(), 0, PriorityBlocking))
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, "superfast", res.Params.Preset)
}

func TestInvalidOutputCountsAsFailure(t *testing.T) {
	enc := &fakeEncoder{}
	e := startExecutor(t, enc, newTestSegmentCache(t), rejectingValidator{}, Options{MaxJobs: 1, MaxWait: time.Second})

	_, err := e.Segment(context.Background(), segmentRequest(testAsset(), 0, PriorityBlocking))
	require.ErrorIs(t, err, catErrs.ErrTranscodeUnavailable)
	require.Contains(t, err.Error(), "no video stream")
	require.Equal(t, 2, enc.callCount())
}

func TestPendingJobTimesOut(t *testing.T) {
	enc := &fakeEncoder{gate: make(chan struct{})}
	defer close(enc.gate)
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: 50 * time.Millisecond})
	asset := testAsset()

	_, err := e.Submit(segmentRequest(asset, 0, PriorityBlocking))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return enc.callCount() == 1 }, time.Second, time.Millisecond)

	_, err = e.Segment(context.Background(), segmentRequest(asset, 1, PriorityBlocking))
	require.ErrorIs(t, err, catErrs.ErrQueueTimeout)
}

func TestWaitRespectsContext(t *testing.T) {
	enc := &fakeEncoder{gate: make(chan struct{})}
	defer close(enc.gate)
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Segment(ctx, segmentRequest(testAsset(), 0, PriorityBlocking))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockingSubmitJumpsAheadOfPrefetch(t *testing.T) {
	enc := &fakeEncoder{gate: make(chan struct{})}
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: 5 * time.Second})
	asset := testAsset()

	first, err := e.Submit(segmentRequest(asset, 0, PriorityBlocking))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return enc.callCount() == 1 }, time.Second, time.Millisecond)

	_, err = e.Submit(segmentRequest(asset, 1, PriorityPrefetch))
	require.NoError(t, err)
	queued, err := e.Submit(segmentRequest(asset, 2, PriorityPrefetch))
	require.NoError(t, err)

	upgraded, err := e.Submit(segmentRequest(asset, 2, PriorityBlocking))
	require.NoError(t, err)
	require.Same(t, queued, upgraded)

	close(enc.gate)
	_, err = e.Wait(context.Background(), first)
	require.NoError(t, err)
	res, err := e.Wait(context.Background(), upgraded)
	require.NoError(t, err)
	require.NotEmpty(t, res.Data)

	require.Eventually(t, func() bool { return enc.callCount() == 3 }, time.Second, time.Millisecond)
	require.InDelta(t, 8.0, enc.call(1).Start, 0.001)
	require.InDelta(t, 4.0, enc.call(2).Start, 0.001)
}

func TestPrefetchQueueIsBounded(t *testing.T) {
	e := NewExecutor(&fakeEncoder{}, newTestSegmentCache(t), nil, Options{MaxJobs: 1, PrefetchQueue: 2})
	asset := testAsset()

	_, err := e.Submit(segmentRequest(asset, 0, PriorityPrefetch))
	require.NoError(t, err)
	_, err = e.Submit(segmentRequest(asset, 1, PriorityPrefetch))
	require.NoError(t, err)
	_, err = e.Submit(segmentRequest(asset, 2, PriorityPrefetch))
	require.ErrorIs(t, err, ErrPrefetchQueueFull)

	// blocking work is never refused
	_, err = e.Submit(segmentRequest(asset, 2, PriorityBlocking))
	require.NoError(t, err)
	require.Equal(t, int64(1), e.Stats().Dropped)
}

func TestCancelPrefetchOnlyTouchesMatchingQueuedJobs(t *testing.T) {
	e := NewExecutor(&fakeEncoder{}, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: time.Second})
	asset := testAsset()

	var jobs []*Job
	for i := 0; i < 3; i++ {
		j, err := e.Submit(segmentRequest(asset, i, PriorityPrefetch))
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	blocking, err := e.Submit(segmentRequest(asset, 0, PriorityBlocking))
	require.NoError(t, err)
	require.Same(t, jobs[0], blocking)

	n := e.CancelPrefetch(func(req JobRequest) bool { return true })
	require.Equal(t, 2, n)

	_, err = e.Wait(context.Background(), jobs[2])
	require.ErrorIs(t, err, catErrs.ErrJobCancelled)
	require.False(t, e.InFlight(jobs[1].Key()))
	require.True(t, e.InFlight(jobs[0].Key()))
	require.Equal(t, JobPending, e.State(jobs[0]))
}

func TestControllerReceivesFeedback(t *testing.T) {
	enc := &fakeEncoder{}
	e := startExecutor(t, enc, newTestSegmentCache(t), nil, Options{MaxJobs: 1, MaxWait: time.Second})
	asset := testAsset()
	sess := NewSessions(nil).Get(SessionKey{AssetID: asset.ID, Rung: "360p"})

	req := segmentRequest(asset, 0, PriorityBlocking)
	req.Session = sess
	_, err := e.Segment(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, sess.Controller.State().Samples)
}

func newBrokenStagingCache(t *testing.T) (*cache.SegmentCache, string) {
	root := t.TempDir()
	c, err := cache.NewSegmentCache(cache.Options{Root: root, RetryInterval: time.Hour})
	require.NoError(t, err)
	return c, filepath.Join(root, ".staging")
}

func breakStaging(t *testing.T, staging string) {
	require.NoError(t, os.RemoveAll(staging))
	require.NoError(t, os.WriteFile(staging, []byte("not a directory"), 0644))
}

func TestUnwritableCacheStillServesSegments(t *testing.T) {
	enc := &fakeEncoder{}
	segments, staging := newBrokenStagingCache(t)
	breakStaging(t, staging)
	e := startExecutor(t, enc, segments, nil, Options{MaxJobs: 1, MaxWait: time.Second})
	asset := testAsset()

	res, err := e.Segment(context.Background(), segmentRequest(asset, 0, PriorityBlocking))
	require.NoError(t, err)
	require.NotEmpty(t, res.Data)
	require.False(t, res.Cached)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, enc.callCount())
	require.False(t, strings.HasPrefix(enc.call(0).Output, staging))
	require.NoFileExists(t, enc.call(0).Output)
	require.False(t, segments.Writable())

	res, err = e.Segment(context.Background(), segmentRequest(asset, 1, PriorityBlocking))
	require.NoError(t, err)
	require.NotEmpty(t, res.Data)
	require.Equal(t, 2, enc.callCount())
}

func TestCacheBreakingDuringEncodeDoesNotCountAsAttempt(t *testing.T) {
	segments, staging := newBrokenStagingCache(t)
	var mu sync.Mutex
	var outputs []string
	var params []video.EncodeParams
	enc := EncoderFunc(func(ctx context.Context, req video.EncodeRequest) error {
		mu.Lock()
		defer mu.Unlock()
		outputs = append(outputs, req.Output)
		params = append(params, req.Params)
		if len(outputs) == 1 {
			// the volume fills up under the encoder
			breakStaging(t, staging)
			return errors.New("No space left on device")
		}
		return os.WriteFile(req.Output, []byte("segment"), 0644)
	})
	e := startExecutor(t, enc, segments, nil, Options{MaxJobs: 1, MaxWait: time.Second})

	res, err := e.Segment(context.Background(), segmentRequest(testAsset(), 0, PriorityBlocking))
	require.NoError(t, err)
	require.Equal(t, []byte("segment"), res.Data)
	require.False(t, res.Cached)
	require.Equal(t, 1, res.Attempts)
	require.False(t, segments.Writable())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outputs, 2)
	require.True(t, strings.HasPrefix(outputs[0], staging))
	require.False(t, strings.HasPrefix(outputs[1], staging))
	require.Equal(t, params[0], params[1])
	require.Equal(t, int64(0), e.Stats().Retries)
}

func TestPromoteFailureStillReturnsData(t *testing.T) {
	root := t.TempDir()
	segments, err := cache.NewSegmentCache(cache.Options{Root: root})
	require.NoError(t, err)
	asset := testAsset()
	// the asset directory cannot be created, so promotion fails after a good encode
	require.NoError(t, os.WriteFile(filepath.Join(root, asset.ID), []byte("x"), 0644))

	enc := &fakeEncoder{}
	e := startExecutor(t, enc, segments, nil, Options{MaxJobs: 1, MaxWait: time.Second})

	// nobody asked for the bytes when the job started
	j, err := e.Submit(segmentRequest(asset, 0, PriorityPrefetch))
	require.NoError(t, err)
	res, err := e.Wait(context.Background(), j)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.NotEmpty(t, res.Data)
	require.NoFileExists(t, enc.call(0).Output)
}
