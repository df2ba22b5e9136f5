package video

import (
	"fmt"
	"math"
	"strings"
)

const (
	TrackTypeVideo    = "video"
	TrackTypeAudio    = "audio"
	TrackTypeSubtitle = "subtitle"
)

// MediaAsset is everything the engine knows about one source file. It is built from the
// metadata store record, optionally completed by probing the file.
type MediaAsset struct {
	ID         string  `json:"id"`
	SourcePath string  `json:"source_path"`
	Container  string  `json:"container,omitempty"`
	Duration   float64 `json:"duration"`
	SizeBytes  int64   `json:"size,omitempty"`

	Width        int64   `json:"width,omitempty"`
	Height       int64   `json:"height,omitempty"`
	VideoCodec   string  `json:"video_codec,omitempty"`
	VideoBitrate int64   `json:"video_bitrate,omitempty"`
	FPS          float64 `json:"fps,omitempty"`

	AudioTracks    []AudioTrack    `json:"audio_tracks,omitempty"`
	SubtitleTracks []SubtitleTrack `json:"subtitle_tracks,omitempty"`

	Title   string `json:"title,omitempty"`
	Type    string `json:"type,omitempty"`
	Year    int    `json:"year,omitempty"`
	Season  int    `json:"season,omitempty"`
	Episode int    `json:"episode,omitempty"`
	IMDBID  string `json:"imdb_id,omitempty"`
	TMDBID  string `json:"tmdb_id,omitempty"`
}

// AudioTrack.Index is the position among the file's audio streams (ffmpeg 0:a:N)
type AudioTrack struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Title    string `json:"title,omitempty"`
	Channels int    `json:"channels,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// SubtitleTrack.Index is the position among the file's subtitle streams (ffmpeg 0:s:N)
type SubtitleTrack struct {
	Index    int    `json:"index"`
	Language string `json:"language,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Title    string `json:"title,omitempty"`
	Forced   bool   `json:"forced,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

var bitmapSubtitleCodecs = []string{"hdmv_pgs_subtitle", "pgssub", "dvd_subtitle", "dvdsub", "dvb_subtitle", "dvbsub", "xsub"}

// IsText reports whether the track can be converted to WebVTT
func (s SubtitleTrack) IsText() bool {
	codec := strings.ToLower(s.Codec)
	for _, c := range bitmapSubtitleCodecs {
		if codec == c {
			return false
		}
	}
	return true
}

// Name shown in players. Falls back to the language, then to the index.
func (s SubtitleTrack) DisplayName() string {
	switch {
	case s.Title != "":
		return s.Title
	case s.Language != "":
		return s.Language
	}
	return fmt.Sprintf("Subtitle %d", s.Index+1)
}

func (a AudioTrack) DisplayName() string {
	switch {
	case a.Title != "":
		return a.Title
	case a.Language != "":
		return a.Language
	}
	return fmt.Sprintf("Audio %d", a.Index+1)
}

// SegmentCount is the number of segmentDuration-long segments needed to cover the asset.
// The last one is usually shorter.
func (a *MediaAsset) SegmentCount(segmentDuration float64) int {
	if a.Duration <= 0 || segmentDuration <= 0 {
		return 0
	}
	// guard against 8.000000001 / 4 producing a near-empty extra segment
	return int(math.Ceil(a.Duration/segmentDuration - 1e-6))
}

func (a *MediaAsset) SegmentStart(index int, segmentDuration float64) float64 {
	return float64(index) * segmentDuration
}

// SegmentLength is the playback length of segment index, 0 if out of range
func (a *MediaAsset) SegmentLength(index int, segmentDuration float64) float64 {
	count := a.SegmentCount(segmentDuration)
	if index < 0 || index >= count {
		return 0
	}
	if index < count-1 {
		return segmentDuration
	}
	return a.Duration - float64(count-1)*segmentDuration
}

// HasAudio is false for silent files, in which case a0 is the only valid selector
func (a *MediaAsset) HasAudio() bool {
	return len(a.AudioTracks) > 0
}

// ValidAudio reports whether the a{n} selector from a URL refers to something we can encode
func (a *MediaAsset) ValidAudio(index int) bool {
	if !a.HasAudio() {
		return index == 0
	}
	return index >= 0 && index < len(a.AudioTracks)
}

func (a *MediaAsset) Subtitle(index int) (SubtitleTrack, bool) {
	if index < 0 || index >= len(a.SubtitleTracks) {
		return SubtitleTrack{}, false
	}
	return a.SubtitleTracks[index], true
}

// AudioSelectors lists the a{n} values advertised in the master playlist
func (a *MediaAsset) AudioSelectors() []int {
	if !a.HasAudio() {
		return []int{0}
	}
	out := make([]int, len(a.AudioTracks))
	for i := range a.AudioTracks {
		out[i] = i
	}
	return out
}

// NeedsProbe is true when the metadata record is missing what the ladder and the
// encoder depend on
func (a *MediaAsset) NeedsProbe() bool {
	return a.Duration <= 0 || a.Height <= 0 || a.Width <= 0
}

// MergeProbe fills fields the metadata record left empty from a probe of the file.
// Existing values win, the metadata store is the authority.
func (a *MediaAsset) MergeProbe(p *MediaAsset) {
	if a.Duration <= 0 {
		a.Duration = p.Duration
	}
	if a.Width <= 0 || a.Height <= 0 {
		a.Width, a.Height = p.Width, p.Height
	}
	if a.VideoCodec == "" {
		a.VideoCodec = p.VideoCodec
	}
	if a.VideoBitrate <= 0 {
		a.VideoBitrate = p.VideoBitrate
	}
	if a.FPS <= 0 {
		a.FPS = p.FPS
	}
	if a.Container == "" {
		a.Container = p.Container
	}
	if a.SizeBytes <= 0 {
		a.SizeBytes = p.SizeBytes
	}
	if len(a.AudioTracks) == 0 {
		a.AudioTracks = p.AudioTracks
	}
	if len(a.SubtitleTracks) == 0 {
		a.SubtitleTracks = p.SubtitleTracks
	}
}
