package video

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/meta-stremio/meta-stremio/subprocess"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// EncodeParams is the knob the adaptive controller turns
type EncodeParams struct {
	Preset string `json:"preset"`
	CRF    int    `json:"crf"`
}

func (p EncodeParams) String() string {
	return fmt.Sprintf("%s/crf%d", p.Preset, p.CRF)
}

// EncodeRequest asks for exactly one muxed MPEG-TS segment
type EncodeRequest struct {
	SourcePath string
	// Start offset and length in seconds of the segment within the source
	Start    float64
	Duration float64
	Rung     QualityRung
	// Position among the source's audio streams, ignored when HasAudio is false
	AudioTrack int
	HasAudio   bool
	Params     EncodeParams
	Output     string
}

// FFmpeg drives the ffmpeg binary. Every invocation is restricted to a single thread so
// wall-clock time tracks single core throughput.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) binary() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

func (f FFmpeg) EncodeSegment(ctx context.Context, req EncodeRequest) error {
	args := SegmentArgs(req)
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	stderr, err := subprocess.RunCaptured(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg segment encode of %s aborted: %w", req.SourcePath, ctx.Err())
		}
		return fmt.Errorf("ffmpeg segment encode of %s failed [%s]: %w", req.SourcePath, stderr, err)
	}
	return nil
}

// ExtractSubtitle converts one embedded subtitle stream to a WebVTT file
func (f FFmpeg) ExtractSubtitle(ctx context.Context, sourcePath string, track int, output string) error {
	args := SubtitleArgs(sourcePath, track, output)
	cmd := exec.CommandContext(ctx, f.binary(), args...)
	stderr, err := subprocess.RunCaptured(cmd)
	if err != nil {
		return fmt.Errorf("ffmpeg subtitle extraction of %s track %d failed [%s]: %w", sourcePath, track, stderr, err)
	}
	return nil
}

// SegmentArgs builds the ffmpeg argument list for one segment. Input seeking keeps the
// decode cost proportional to the segment length, and the output timestamp offset lets
// players stitch independently encoded segments.
func SegmentArgs(req EncodeRequest) []string {
	start := strconv.FormatFloat(req.Start, 'f', 3, 64)
	length := strconv.FormatFloat(req.Duration, 'f', 3, 64)

	outputArgs := ffmpeg.KwArgs{
		"c:v":              "libx264",
		"preset":           req.Params.Preset,
		"crf":              strconv.Itoa(req.Params.CRF),
		"maxrate":          strconv.FormatInt(req.Rung.VideoBitrate, 10),
		"bufsize":          strconv.FormatInt(req.Rung.VideoBitrate*2, 10),
		"pix_fmt":          "yuv420p",
		"profile:v":        "high",
		"threads":          "1",
		"sc_threshold":     "0",
		"force_key_frames": "expr:gte(t,0)",
		"t":                length,
		"output_ts_offset": start,
		"muxdelay":         "0",
		"f":                "mpegts",
	}
	if req.Rung.Original {
		outputArgs["vf"] = "scale=trunc(iw/2)*2:trunc(ih/2)*2"
	} else {
		outputArgs["vf"] = fmt.Sprintf("scale=-2:%d", req.Rung.Height)
	}
	if req.HasAudio {
		outputArgs["map"] = []string{"0:v:0", fmt.Sprintf("0:a:%d", req.AudioTrack)}
		outputArgs["c:a"] = "aac"
		outputArgs["ac"] = "2"
		outputArgs["b:a"] = strconv.FormatInt(req.Rung.AudioBitrate, 10)
	} else {
		outputArgs["map"] = "0:v:0"
		outputArgs["an"] = ""
	}

	// decoding, filtering and encoding each stay on one thread so max-jobs bounds CPU use
	return ffmpeg.Input(req.SourcePath, ffmpeg.KwArgs{"ss": start, "threads": "1"}).
		Output(req.Output, outputArgs).
		GlobalArgs("-hide_banner", "-nostdin", "-loglevel", "error", "-filter_threads", "1").
		OverWriteOutput().
		GetArgs()
}

func SubtitleArgs(sourcePath string, track int, output string) []string {
	return ffmpeg.Input(sourcePath).
		Output(output, ffmpeg.KwArgs{
			"map": fmt.Sprintf("0:s:%d", track),
			"c:s": "webvtt",
			"f":   "webvtt",
		}).
		GlobalArgs("-hide_banner", "-nostdin", "-loglevel", "error").
		OverWriteOutput().
		GetArgs()
}
