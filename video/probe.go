package video

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meta-stremio/meta-stremio/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

var unsupportedVideoCodecList = []string{"mjpeg", "jpeg", "png"}

type Prober interface {
	// ProbeFile reads container and track information of a source file
	ProbeFile(ctx context.Context, requestID, path string) (*MediaAsset, error)
	// ValidateSegment checks that an encoder output is a readable stream with video
	ValidateSegment(ctx context.Context, path string) error
}

type Probe struct {
	IgnoreErrMessages []string
	Timeout           time.Duration
}

func (p Probe) ProbeFile(ctx context.Context, requestID string, path string) (*MediaAsset, error) {
	data, err := p.runProbe(ctx, path)
	if err != nil {
		// ignore these probing errors if found and re-run with fatal loglevel to obtain the probe data
		errMsg := strings.ToLower(err.Error())
		ignored := false
		for _, ignoreMsg := range p.IgnoreErrMessages {
			if strings.Contains(errMsg, ignoreMsg) {
				log.Log(requestID, "ignoring probe error", "err", err)
				ignored = true
				break
			}
		}
		if !ignored {
			return nil, err
		}
		if data, err = p.runProbe(ctx, path, "-loglevel", "fatal"); err != nil {
			return nil, err
		}
	}
	return parseProbeOutput(data)
}

func (p Probe) ValidateSegment(ctx context.Context, path string) error {
	data, err := p.probeOnce(ctx, path, "-loglevel", "error")
	if err != nil {
		return fmt.Errorf("probing encoder output: %w", err)
	}
	if data.FirstVideoStream() == nil {
		return errors.New("encoder output has no video stream")
	}
	return nil
}

func (p Probe) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 60 * time.Second
}

func (p Probe) probeOnce(ctx context.Context, path string, ffProbeOptions ...string) (*ffprobe.ProbeData, error) {
	probeCtx, probeCancel := context.WithTimeout(ctx, p.timeout())
	defer probeCancel()
	return ffprobe.ProbeURL(probeCtx, path, ffProbeOptions...)
}

func (p Probe) runProbe(ctx context.Context, path string, ffProbeOptions ...string) (*ffprobe.ProbeData, error) {
	if len(ffProbeOptions) == 0 {
		ffProbeOptions = []string{"-loglevel", "error"}
	}
	var data *ffprobe.ProbeData
	operation := func() error {
		var err error
		data, err = p.probeOnce(ctx, path, ffProbeOptions...)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = 500 * time.Millisecond
	backOff.MaxInterval = 2 * time.Second
	backOff.MaxElapsedTime = 0 // don't impose a timeout as part of the retries
	err := backoff.Retry(operation, backoff.WithMaxRetries(backOff, 3))
	if err != nil {
		return nil, fmt.Errorf("error probing: %w", err)
	}
	return data, nil
}

func parseProbeOutput(probeData *ffprobe.ProbeData) (*MediaAsset, error) {
	// check for a valid video stream
	videoStream := probeData.FirstVideoStream()
	if videoStream == nil {
		return nil, errors.New("error checking for video: no video stream found")
	}
	// check for unsupported video stream(s)
	for _, codec := range unsupportedVideoCodecList {
		if strings.ToLower(videoStream.CodecName) == codec {
			return nil, fmt.Errorf("error checking for video: %s is not supported", videoStream.CodecName)
		}
	}
	// We rely on this being present to get required information about the input video, so error out if it isn't
	if probeData.Format == nil {
		return nil, fmt.Errorf("error parsing input video: format information missing")
	}

	bitRateValue := videoStream.BitRate
	if bitRateValue == "" {
		bitRateValue = probeData.Format.BitRate
	}
	var bitrate int64
	if bitRateValue != "" {
		var err error
		bitrate, err = strconv.ParseInt(bitRateValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing bitrate from probed data: %w", err)
		}
	}

	fps, err := parseFps(videoStream.AvgFrameRate)
	if err != nil {
		return nil, fmt.Errorf("error parsing avg fps numerator from probed data: %w", err)
	}
	if fps == 0 {
		fps, err = parseFps(videoStream.RFrameRate)
		if err != nil {
			return nil, fmt.Errorf("error parsing real fps numerator from probed data: %w", err)
		}
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil || duration <= 0 {
		duration = probeData.Format.DurationSeconds
	}
	size, _ := strconv.ParseInt(probeData.Format.Size, 10, 64)

	asset := &MediaAsset{
		Container:    probeData.Format.FormatName,
		Duration:     duration,
		SizeBytes:    size,
		Width:        int64(videoStream.Width),
		Height:       int64(videoStream.Height),
		VideoCodec:   videoStream.CodecName,
		VideoBitrate: bitrate,
		FPS:          fps,
	}

	var audioIndex, subtitleIndex int
	for _, stream := range probeData.Streams {
		if stream == nil {
			continue
		}
		switch stream.CodecType {
		case TrackTypeAudio:
			asset.AudioTracks = append(asset.AudioTracks, AudioTrack{
				Index:    audioIndex,
				Language: stream.Tags.Language,
				Title:    stream.Tags.Title,
				Codec:    stream.CodecName,
				Channels: stream.Channels,
				Default:  stream.Disposition.Default == 1,
			})
			audioIndex++
		case TrackTypeSubtitle:
			asset.SubtitleTracks = append(asset.SubtitleTracks, SubtitleTrack{
				Index:    subtitleIndex,
				Language: stream.Tags.Language,
				Title:    stream.Tags.Title,
				Codec:    stream.CodecName,
				Forced:   stream.Disposition.Forced == 1,
				Default:  stream.Disposition.Default == 1,
			})
			subtitleIndex++
		}
	}

	return asset, nil
}

func parseFps(framerate string) (float64, error) {
	if framerate == "" {
		return 0, nil
	}
	parts := strings.SplitN(framerate, "/", 2)
	if len(parts) < 2 {
		fps, err := strconv.ParseFloat(framerate, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing framerate: %w", err)
		}
		return fps, nil
	}
	num, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate numerator: %w", err)
	}
	den, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("error parsing framerate denominator: %w", err)
	}

	if den == 0 {
		// 0/0 can be valid for a video track i.e. mjpeg
		if num == 0 {
			return 0, nil
		}
		return 0, errors.New("invalid framerate denominator 0")
	}

	return float64(num) / float64(den), nil
}
