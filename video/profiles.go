package video

import (
	"fmt"
	"math"
)

const (
	MinVideoBitrate = 100_000
	MaxVideoBitrate = 288_000_000

	OriginalRungName = "original"
)

// QualityRung is one entry of the ladder. Bitrates are in bits per second.
type QualityRung struct {
	Name         string `json:"name"`
	Width        int64  `json:"width"`
	Height       int64  `json:"height"`
	VideoBitrate int64  `json:"video_bitrate"`
	AudioBitrate int64  `json:"audio_bitrate"`
	Original     bool   `json:"original,omitempty"`
}

var Rung360p = QualityRung{Name: "360p", Width: 640, Height: 360, VideoBitrate: 800_000, AudioBitrate: 96_000}
var Rung480p = QualityRung{Name: "480p", Width: 854, Height: 480, VideoBitrate: 1_400_000, AudioBitrate: 128_000}
var Rung720p = QualityRung{Name: "720p", Width: 1280, Height: 720, VideoBitrate: 2_800_000, AudioBitrate: 128_000}
var Rung1080p = QualityRung{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: 5_000_000, AudioBitrate: 192_000}

// DefaultLadder is ordered from lowest to highest
var DefaultLadder = []QualityRung{Rung360p, Rung480p, Rung720p, Rung1080p}

const originalAudioBitrate = 192_000

// Bandwidth is the peak bandwidth advertised in the master playlist
func (r QualityRung) Bandwidth() uint32 {
	return uint32(r.VideoBitrate + r.AudioBitrate)
}

func (r QualityRung) Resolution() string {
	if r.Width <= 0 || r.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ApplicableRungs returns the ladder rungs below the source height followed by the
// original rung. Rungs are never taller than the source.
func ApplicableRungs(asset *MediaAsset) []QualityRung {
	rungs := make([]QualityRung, 0, len(DefaultLadder)+1)
	for _, rung := range DefaultLadder {
		if asset.Height <= 0 || rung.Height >= asset.Height {
			continue
		}
		rungs = append(rungs, scaleRung(rung, asset))
	}
	return append(rungs, OriginalRung(asset))
}

// FindRung looks up a rung by name among those applicable to the asset
func FindRung(asset *MediaAsset, name string) (QualityRung, bool) {
	for _, rung := range ApplicableRungs(asset) {
		if rung.Name == name {
			return rung, true
		}
	}
	return QualityRung{}, false
}

// OriginalRung keeps the source resolution and re-encodes at a bitrate derived from the
// source. Unknown source bitrates are estimated from the 1080p rung by pixel count.
func OriginalRung(asset *MediaAsset) QualityRung {
	rung := QualityRung{
		Name:         OriginalRungName,
		Width:        evenFloor(asset.Width),
		Height:       evenFloor(asset.Height),
		AudioBitrate: originalAudioBitrate,
		Original:     true,
	}
	switch {
	case asset.VideoBitrate > 0:
		rung.VideoBitrate = asset.VideoBitrate
	case asset.Width > 0 && asset.Height > 0:
		rung.VideoBitrate = relativeBitrate(Rung1080p, Rung1080p.Width*Rung1080p.Height, asset.Width*asset.Height)
	default:
		rung.VideoBitrate = Rung720p.VideoBitrate
	}
	if rung.VideoBitrate > MaxVideoBitrate {
		rung.VideoBitrate = MaxVideoBitrate
	}
	if rung.VideoBitrate < MinVideoBitrate {
		rung.VideoBitrate = MinVideoBitrate
	}
	return rung
}

// scaleRung keeps the source aspect ratio at the rung height and never spends more bits
// per pixel than the source does
func scaleRung(rung QualityRung, asset *MediaAsset) QualityRung {
	if asset.Width > 0 && asset.Height > 0 {
		rung.Width = evenFloor(int64(math.Round(float64(asset.Width) * float64(rung.Height) / float64(asset.Height))))
	}
	if asset.VideoBitrate > 0 && asset.Width > 0 && asset.Height > 0 {
		br := relativeBitrate(QualityRung{VideoBitrate: asset.VideoBitrate}, asset.Width*asset.Height, rung.Width*rung.Height)
		if br < rung.VideoBitrate {
			rung.VideoBitrate = br
		}
		if rung.VideoBitrate < MinVideoBitrate {
			rung.VideoBitrate = MinVideoBitrate
		}
	}
	return rung
}

func relativeBitrate(ref QualityRung, refPixels, pixels int64) int64 {
	return int64(float64(pixels) * float64(ref.VideoBitrate) / float64(refPixels))
}

func evenFloor(input int64) int64 {
	return input &^ 1
}
