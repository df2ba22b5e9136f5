package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/meta-stremio/meta-stremio/api"
	"github.com/meta-stremio/meta-stremio/cache"
	"github.com/meta-stremio/meta-stremio/config"
	"github.com/meta-stremio/meta-stremio/metadata"
	"github.com/meta-stremio/meta-stremio/pipeline"
	"github.com/meta-stremio/meta-stremio/pprof"
	"github.com/meta-stremio/meta-stremio/subtitles"
	"github.com/meta-stremio/meta-stremio/transcode"
	"github.com/meta-stremio/meta-stremio/video"
	"github.com/peterbourgon/ff/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/vansante/go-ffprobe.v2"
)

const cacheSweepInterval = time.Minute

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("meta-stremio", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", config.DefaultHTTPAddress, "Address to bind for playlist, segment and status HTTP handling")
	fs.IntVar(&cli.PprofPort, "pprof-port", 6061, "Pprof listen port")

	// filesystem
	fs.StringVar(&cli.CacheDir, "cache-dir", config.DefaultCacheDir, "Directory holding encoded segments and extracted subtitles")
	fs.StringVar(&cli.MediaDir, "media-dir", config.DefaultMediaDir, "Root for relative filePath values in metadata records")
	fs.StringVar(&cli.FilesPath, "files-path", config.DefaultFilesPath, "Root of the shared volume, used for the path field of metadata records")

	// transcoding
	fs.IntVar(&cli.SegmentDuration, "segment-duration", config.DefaultSegmentDuration, "Length of every segment in seconds. Changing it requires an empty cache")
	fs.IntVar(&cli.PrefetchSegments, "prefetch-segments", config.DefaultPrefetchSegments, "Number of segments encoded ahead of the last request of a session")
	fs.IntVar(&cli.MaxJobs, "max-jobs", config.DefaultMaxJobs(), "Maximum number of concurrent encodes")
	fs.IntVar(&cli.PrefetchQueue, "prefetch-queue", config.DefaultPrefetchQueue, "Maximum number of queued prefetch encodes across all sessions")
	fs.DurationVar(&cli.MaxWait, "max-wait", 60*time.Second, "How long a segment request waits for an encode slot before giving up")
	fs.DurationVar(&cli.EncodeTimeout, "encode-timeout", 2*time.Minute, "Timeout of a single encode attempt")
	fs.DurationVar(&cli.SessionTimeout, "session-timeout", 5*time.Minute, "Inactivity after which a playback session is dropped")
	fs.DurationVar(&cli.SessionSweepInterval, "session-sweep-interval", 30*time.Second, "How often idle sessions are looked for")
	fs.StringVar(&cli.FFmpegPath, "ffmpeg", "ffmpeg", "Path of the ffmpeg binary")
	fs.StringVar(&cli.FFprobePath, "ffprobe", "ffprobe", "Path of the ffprobe binary")
	fs.BoolVar(&cli.ProbeOutput, "probe-output", false, "Validate every encoded segment with ffprobe before caching it")

	// cache
	config.ByteSizeFlag(fs, &cli.CacheMaxBytes, "cache-max-bytes", config.DefaultCacheMaxBytes, "Size bound of the segment cache, e.g. 20G")
	fs.DurationVar(&cli.CacheMaxAge, "cache-max-age", config.DefaultCacheMaxAge, "Cached artifacts not read for this long are evicted")
	fs.DurationVar(&cli.CacheRetryInterval, "cache-retry-interval", 30*time.Second, "How long the cache stays read-only after a failed write")

	// metadata
	fs.DurationVar(&cli.MetadataTTL, "metadata-ttl", 30*time.Second, "How long metadata records are kept in memory")
	fs.StringVar(&cli.RedisURL, "redis-url", "", "Redis holding meta-sort records. Empty means follow the meta-core leader")
	fs.StringVar(&cli.RedisPrefix, "redis-prefix", "", "Prefix of every metadata key")
	fs.StringVar(&cli.MetaCorePath, "meta-core-path", config.DefaultMetaCorePath, "meta-core shared directory, used to find the leader")
	config.InvertedBoolFlag(fs, &cli.MetaEvents, "meta-events", true, "Disable invalidation from the meta:events stream")

	// special parameters
	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("STREMIO"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("meta-stremio version: %s", config.Version)
		return
	}

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	if err := cli.Validate(); err != nil {
		glog.Fatalf("invalid configuration: %s", err)
	}

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	segments, err := cache.NewSegmentCache(cache.Options{
		Root:          cli.CacheDir,
		MaxBytes:      cli.CacheMaxBytes,
		MaxAge:        cli.CacheMaxAge,
		RetryInterval: cli.CacheRetryInterval,
	})
	if err != nil {
		glog.Fatalf("error opening segment cache: %v", err)
	}

	if cli.FFprobePath != "" {
		ffprobe.SetFFProbeBinPath(cli.FFprobePath)
	}
	ffmpeg := video.FFmpeg{Path: cli.FFmpegPath}
	prober := video.Probe{IgnoreErrMessages: []string{"parametric stereo signaled to be not-present"}}
	var validator transcode.SegmentValidator
	if cli.ProbeOutput {
		validator = prober
	}

	executor := transcode.NewExecutor(transcode.EncoderFunc(ffmpeg.EncodeSegment), segments, validator, transcode.Options{
		MaxJobs:         cli.MaxJobs,
		PrefetchQueue:   cli.PrefetchQueue,
		MaxWait:         cli.MaxWait,
		EncodeTimeout:   cli.EncodeTimeout,
		SegmentDuration: cli.SegmentSeconds(),
	})
	scheduler := transcode.NewScheduler(executor, segments, transcode.NewSessions(nil), cli.PrefetchSegments, cli.SegmentSeconds())

	redisStore := metadata.NewRedisStore(nil, cli.RedisPrefix, metadata.Paths{MediaDir: cli.MediaDir, FilesPath: cli.FilesPath})
	defer redisStore.Close()
	records := metadata.NewCached(redisStore, cli.MetadataTTL)

	vodEngine := pipeline.NewCoordinator(pipeline.Deps{
		Metadata:        records,
		Prober:          prober,
		Segments:        segments,
		Executor:        executor,
		Scheduler:       scheduler,
		Subtitles:       subtitles.NewExtractor(ffmpeg, segments, subtitles.DefaultTimeout),
		SegmentDuration: cli.SegmentSeconds(),
	})

	if cli.LeaderDiscovery() {
		discovery := metadata.NewLeaderDiscovery(cli.MetaCorePath)
		client, urls, err := discovery.Discover(ctx)
		if err != nil {
			glog.Warningf("meta-core leader not available yet, waiting for %s: %v", discovery.InfoPath(), err)
		} else {
			glog.Infof("using redis of meta-core leader %s at %s", urls.Hostname, urls.RedisURL)
			redisStore.SetClient(client)
		}
		group.Go(func() error {
			return discovery.Watch(ctx, func(client *redis.Client, _ metadata.LeaderURLs) {
				redisStore.SetClient(client)
				// records may differ between the old and new leader
				records.Flush()
			})
		})
	} else {
		client, err := metadata.Connect(ctx, cli.RedisURL)
		if err != nil {
			// go-redis reconnects on its own once the server is up
			glog.Warningf("redis not reachable at startup: %v", err)
			opts, parseErr := redis.ParseURL(cli.RedisURL)
			if parseErr != nil {
				glog.Fatalf("invalid -redis-url: %v", parseErr)
			}
			client = redis.NewClient(opts)
		}
		redisStore.SetClient(client)
	}

	if cli.MetaEvents {
		consumer := metadata.NewEventConsumer(redisStore, func(assetID, reason string) {
			vodEngine.Invalidate(assetID, reason)
		})
		group.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli.HTTPAddress, vodEngine)
	})

	group.Go(func() error {
		return pprof.ListenAndServe(ctx, cli.PprofPort)
	})

	group.Go(func() error {
		return executor.Run(ctx)
	})

	group.Go(func() error {
		return scheduler.Run(ctx, cli.SessionSweepInterval, cli.SessionTimeout)
	})

	group.Go(func() error {
		return segments.Run(ctx, cacheSweepInterval)
	})

	err = group.Wait()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
