package cache

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

const (
	KindSegment  = "segment"
	KindSubtitle = "subtitle"
)

// Key addresses one immutable artifact. RelPath is slash separated and always starts with
// the asset id, so removing that directory drops everything cached for the asset.
type Key interface {
	Asset() string
	RelPath() string
	Kind() string
}

type SegmentKey struct {
	AssetID    string `json:"asset_id"`
	Rung       string `json:"rung"`
	AudioTrack int    `json:"audio_track"`
	Index      int    `json:"index"`
}

func (k SegmentKey) Asset() string { return k.AssetID }
func (k SegmentKey) Kind() string  { return KindSegment }

func (k SegmentKey) RelPath() string {
	return path.Join(k.AssetID, k.Rung, fmt.Sprintf("a%d", k.AudioTrack), fmt.Sprintf("%06d.ts", k.Index))
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s/%s/a%d/%d", k.AssetID, k.Rung, k.AudioTrack, k.Index)
}

type SubtitleKey struct {
	AssetID string `json:"asset_id"`
	Track   int    `json:"track"`
}

func (k SubtitleKey) Asset() string { return k.AssetID }
func (k SubtitleKey) Kind() string  { return KindSubtitle }

func (k SubtitleKey) RelPath() string {
	return path.Join(k.AssetID, "subtitles", strconv.Itoa(k.Track)+".vtt")
}

func (k SubtitleKey) String() string {
	return fmt.Sprintf("%s/sub/%d", k.AssetID, k.Track)
}

// ValidAssetID keeps asset ids from escaping the cache root
func ValidAssetID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// kindOf recovers the artifact kind from a path found on disk
func kindOf(rel string) (string, bool) {
	switch {
	case strings.HasSuffix(rel, ".ts"):
		return KindSegment, true
	case strings.HasSuffix(rel, ".vtt"):
		return KindSubtitle, true
	}
	return "", false
}
