package transcode

import (
	"fmt"
	"math"

	"github.com/grafov/m3u8"
	"github.com/meta-stremio/meta-stremio/config"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/video"
)

const (
	subtitleGroup = "subs"
	codecsVideo   = "avc1.640028"
	codecsAudio   = "mp4a.40.2"
)

func VariantURI(audio int, rung string) string {
	return fmt.Sprintf("stream_a%d_%s.m3u8", audio, rung)
}

func SegmentURI(audio int, rung string, index int) string {
	return fmt.Sprintf("seg_a%d_%s_%d.ts", audio, rung, index)
}

func SubtitlePlaylistURI(track int) string {
	return fmt.Sprintf("subtitle_%d.m3u8", track)
}

func SubtitleURI(track int) string {
	return fmt.Sprintf("subtitle_%d.vtt", track)
}

func audioGroup(audio int) string {
	return fmt.Sprintf("aud%d", audio)
}

// MasterFilter narrows the master playlist to one rung and/or one audio track. Zero
// values mean everything.
type MasterFilter struct {
	Rung       string
	AudioTrack *int
}

// GenerateMasterPlaylist lists a variant for every applicable rung of every audio track.
// Audio renditions are muxed into the video segments, so they carry no URI.
func GenerateMasterPlaylist(asset *video.MediaAsset, filter MasterFilter) (string, error) {
	rungs := video.ApplicableRungs(asset)
	if filter.Rung != "" {
		rung, ok := video.FindRung(asset, filter.Rung)
		if !ok {
			return "", fmt.Errorf("%w: rung %q not available for asset %s", catErrs.ErrInvalidRequest, filter.Rung, asset.ID)
		}
		rungs = []video.QualityRung{rung}
	}
	audios := asset.AudioSelectors()
	if filter.AudioTrack != nil {
		if !asset.ValidAudio(*filter.AudioTrack) {
			return "", fmt.Errorf("%w: audio track %d not available for asset %s", catErrs.ErrInvalidRequest, *filter.AudioTrack, asset.ID)
		}
		audios = []int{*filter.AudioTrack}
	}

	var subtitleAlts []*m3u8.Alternative
	for _, sub := range asset.SubtitleTracks {
		if !sub.IsText() {
			continue
		}
		subtitleAlts = append(subtitleAlts, &m3u8.Alternative{
			GroupId:    subtitleGroup,
			URI:        SubtitlePlaylistURI(sub.Index),
			Type:       "SUBTITLES",
			Language:   sub.Language,
			Name:       sub.DisplayName(),
			Default:    false,
			Autoselect: "YES",
			Forced:     yesNo(sub.Forced),
		})
	}

	codecs := codecsVideo
	if asset.HasAudio() {
		codecs = codecsVideo + "," + codecsAudio
	}

	// only used by the library to size the variant entry
	targetDuration := math.Ceil(float64(config.DefaultSegmentDuration))
	master := m3u8.NewMasterPlaylist()
	master.SetVersion(4)
	subtitlesWritten := false
	for _, a := range audios {
		// renditions are listed once, on the first variant that references their group
		var alts []*m3u8.Alternative
		if asset.HasAudio() {
			track := asset.AudioTracks[a]
			alts = append(alts, &m3u8.Alternative{
				GroupId:    audioGroup(a),
				Type:       "AUDIO",
				Language:   track.Language,
				Name:       track.DisplayName(),
				Default:    true,
				Autoselect: "YES",
			})
		}
		if !subtitlesWritten && len(subtitleAlts) > 0 {
			alts = append(alts, subtitleAlts...)
			subtitlesWritten = true
		}

		for i := len(rungs) - 1; i >= 0; i-- {
			rung := rungs[i]
			params := m3u8.VariantParams{
				Bandwidth:  rung.Bandwidth(),
				Resolution: rung.Resolution(),
				Codecs:     codecs,
				Name:       rung.Name,
				FrameRate:  asset.FPS,
			}
			if asset.HasAudio() {
				params.Audio = audioGroup(a)
			}
			if len(subtitleAlts) > 0 {
				params.Subtitles = subtitleGroup
			}
			if alts != nil {
				params.Alternatives = alts
				alts = nil
			}
			master.Append(VariantURI(a, rung.Name), &m3u8.MediaPlaylist{TargetDuration: targetDuration}, params)
		}
	}
	return master.String(), nil
}

// GenerateVariantPlaylist is the VOD playlist of one (rung, audio) rendition
func GenerateVariantPlaylist(asset *video.MediaAsset, rungName string, audio int, segmentDuration float64) (string, error) {
	rung, ok := video.FindRung(asset, rungName)
	if !ok {
		return "", fmt.Errorf("%w: rung %q not available for asset %s", catErrs.ErrInvalidRequest, rungName, asset.ID)
	}
	if !asset.ValidAudio(audio) {
		return "", fmt.Errorf("%w: audio track %d not available for asset %s", catErrs.ErrInvalidRequest, audio, asset.ID)
	}
	count := asset.SegmentCount(segmentDuration)
	if count == 0 {
		return "", fmt.Errorf("%w: asset %s has no duration", catErrs.ErrInvalidRequest, asset.ID)
	}

	playlist, err := m3u8.NewMediaPlaylist(0, uint(count))
	if err != nil {
		return "", fmt.Errorf("failed to create variant playlist: %w", err)
	}
	playlist.MediaType = m3u8.VOD
	playlist.TargetDuration = math.Ceil(segmentDuration)
	for i := 0; i < count; i++ {
		if err := playlist.Append(SegmentURI(audio, rung.Name, i), asset.SegmentLength(i, segmentDuration), ""); err != nil {
			return "", fmt.Errorf("failed to append segment %d to variant playlist: %w", i, err)
		}
	}
	playlist.Close()
	return playlist.String(), nil
}

// GenerateSubtitlePlaylist points at a single WebVTT file covering the whole asset
func GenerateSubtitlePlaylist(asset *video.MediaAsset, track int) (string, error) {
	sub, ok := asset.Subtitle(track)
	if !ok {
		return "", fmt.Errorf("%w: subtitle track %d not available for asset %s", catErrs.ErrInvalidRequest, track, asset.ID)
	}
	if asset.Duration <= 0 {
		return "", fmt.Errorf("%w: asset %s has no duration", catErrs.ErrInvalidRequest, asset.ID)
	}
	playlist, err := m3u8.NewMediaPlaylist(0, 1)
	if err != nil {
		return "", fmt.Errorf("failed to create subtitle playlist: %w", err)
	}
	playlist.MediaType = m3u8.VOD
	playlist.TargetDuration = math.Ceil(asset.Duration)
	if err := playlist.Append(SubtitleURI(sub.Index), asset.Duration, ""); err != nil {
		return "", fmt.Errorf("failed to append subtitle file to playlist: %w", err)
	}
	playlist.Close()
	return playlist.String(), nil
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}
