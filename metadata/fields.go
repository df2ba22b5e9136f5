package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/video"
)

// Streams listed as stream/0, stream/1... are only scanned this far
const maxStreamFields = 20

type streamField struct {
	Type   string      `json:"type"`
	Codec  string      `json:"codec"`
	Width  json.Number `json:"width"`
	Height json.Number `json:"height"`
}

// ParseFields builds an asset from the flat file:{id}/{field} values of one record
func ParseFields(assetID string, f map[string]string, paths Paths) (*video.MediaAsset, error) {
	source := ""
	if p := first(f, "filePath", "sourcePath"); p != "" {
		source = paths.resolve(p, paths.MediaDir)
	} else if p := f["path"]; p != "" {
		source = paths.resolve(p, paths.FilesPath)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: record %s has no file path", catErrs.ErrAssetNotFound, assetID)
	}

	a := &video.MediaAsset{
		ID:         assetID,
		SourcePath: source,
		Container:  f["container"],
		Duration:   parseFloat(first(f, "duration", "fileinfo/duration")),
		SizeBytes:  parseInt(first(f, "fileSize", "sizeByte")),
		Width:      parseInt(f["width"]),
		Height:     parseInt(f["height"]),
		VideoCodec: f["videoCodec"],
		Title:      first(f, "title", "originalTitle"),
		Type:       normaliseType(first(f, "type", "videoType")),
		Year:       int(parseInt(first(f, "year", "movieYear"))),
		Season:     int(parseInt(f["season"])),
		Episode:    int(parseInt(f["episode"])),
		IMDBID:     first(f, "imdbId", "imdbid"),
		TMDBID:     first(f, "tmdbId", "tmdbid"),
	}
	audioCodec := f["audioCodec"]

	if a.VideoCodec == "" || a.Width <= 0 || a.Height <= 0 || audioCodec == "" {
		for i := 0; i < maxStreamFields; i++ {
			raw, ok := f[fmt.Sprintf("stream/%d", i)]
			if !ok {
				break
			}
			var s streamField
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				continue
			}
			switch s.Type {
			case video.TrackTypeVideo:
				if a.VideoCodec == "" {
					a.VideoCodec = s.Codec
				}
				if a.Width <= 0 {
					a.Width = parseInt(s.Width.String())
				}
				if a.Height <= 0 {
					a.Height = parseInt(s.Height.String())
				}
			case video.TrackTypeAudio:
				if audioCodec == "" {
					audioCodec = s.Codec
				}
			}
		}
	}
	if a.VideoCodec == "" {
		a.VideoCodec = f["fileinfo/streamdetails/video/0/codec"]
	}
	if a.Width <= 0 {
		a.Width = parseInt(f["fileinfo/streamdetails/video/0/width"])
	}
	if a.Height <= 0 {
		a.Height = parseInt(f["fileinfo/streamdetails/video/0/height"])
	}

	a.AudioTracks = parseAudioTracks(f["audioTracks"], audioCodec)
	a.SubtitleTracks = parseSubtitleTracks(f["subtitles"])
	return a, nil
}

func parseAudioTracks(raw string, fallbackCodec string) []video.AudioTrack {
	entries := parseTrackList(raw)
	tracks := make([]video.AudioTrack, 0, len(entries))
	for i, e := range entries {
		t := video.AudioTrack{
			Index:    i,
			Language: e.str("language", "lang"),
			Codec:    e.str("codec", "codec_name"),
			Title:    e.str("title", "name"),
			Channels: int(e.num("channels")),
			Default:  e.flag("default"),
		}
		if t.Codec == "" && i == 0 {
			t.Codec = fallbackCodec
		}
		tracks = append(tracks, t)
	}
	return tracks
}

func parseSubtitleTracks(raw string) []video.SubtitleTrack {
	entries := parseTrackList(raw)
	tracks := make([]video.SubtitleTrack, 0, len(entries))
	for i, e := range entries {
		tracks = append(tracks, video.SubtitleTrack{
			Index:    i,
			Language: e.str("language", "lang"),
			Codec:    e.str("codec", "codec_name", "format"),
			Title:    e.str("title", "name"),
			Forced:   e.flag("forced"),
			Default:  e.flag("default"),
		})
	}
	return tracks
}

type trackEntry map[string]interface{}

// parseTrackList accepts a JSON array of objects. Anything unparsable means no tracks,
// the file gets probed instead.
func parseTrackList(raw string) []trackEntry {
	if raw == "" {
		return nil
	}
	var entries []trackEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

func (e trackEntry) str(keys ...string) string {
	for _, k := range keys {
		if v, ok := e[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (e trackEntry) num(key string) int64 {
	switch v := e[key].(type) {
	case float64:
		return int64(v)
	case string:
		return parseInt(v)
	}
	return 0
}

func (e trackEntry) flag(key string) bool {
	switch v := e[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func first(f map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := f[k]; v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	// meta-sort occasionally writes integers as floats
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(fl)
	}
	return 0
}

func parseFloat(s string) float64 {
	fl, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return fl
}

func normaliseType(t string) string {
	switch strings.ToLower(t) {
	case "tvshow", "episode", "series":
		return "series"
	case "":
		return "movie"
	}
	return strings.ToLower(t)
}
