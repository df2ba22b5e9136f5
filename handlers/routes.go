package handlers

import (
	"fmt"
	"regexp"
	"strconv"

	catErrs "github.com/meta-stremio/meta-stremio/errors"
)

type fileKind int

const (
	fileMaster fileKind = iota
	fileVariant
	fileSegment
	fileSubtitlePlaylist
	fileSubtitle
)

// fileRequest is a parsed /transcode/:asset/:file name
type fileRequest struct {
	kind  fileKind
	rung  string
	audio *int
	index int
	track int
}

const rungPattern = `([0-9]+p|original)`

var (
	masterRe        = regexp.MustCompile(`^master\.m3u8$`)
	masterAudioRe   = regexp.MustCompile(`^master_a([0-9]+)\.m3u8$`)
	masterRungRe    = regexp.MustCompile(`^master_` + rungPattern + `\.m3u8$`)
	masterBothRe    = regexp.MustCompile(`^master_` + rungPattern + `_a([0-9]+)\.m3u8$`)
	variantRe       = regexp.MustCompile(`^stream_a([0-9]+)_` + rungPattern + `\.m3u8$`)
	segmentRe       = regexp.MustCompile(`^seg_a([0-9]+)_` + rungPattern + `_([0-9]+)\.ts$`)
	subtitleFilesRe = regexp.MustCompile(`^subtitle_([0-9]+)\.(m3u8|vtt)$`)
)

func parseFile(name string) (fileRequest, error) {
	switch {
	case masterRe.MatchString(name):
		return fileRequest{kind: fileMaster}, nil
	case masterAudioRe.MatchString(name):
		m := masterAudioRe.FindStringSubmatch(name)
		a, err := atoi(m[1])
		return fileRequest{kind: fileMaster, audio: &a}, err
	case masterBothRe.MatchString(name):
		m := masterBothRe.FindStringSubmatch(name)
		a, err := atoi(m[2])
		return fileRequest{kind: fileMaster, rung: m[1], audio: &a}, err
	case masterRungRe.MatchString(name):
		m := masterRungRe.FindStringSubmatch(name)
		return fileRequest{kind: fileMaster, rung: m[1]}, nil
	case variantRe.MatchString(name):
		m := variantRe.FindStringSubmatch(name)
		a, err := atoi(m[1])
		return fileRequest{kind: fileVariant, rung: m[2], audio: &a}, err
	case segmentRe.MatchString(name):
		m := segmentRe.FindStringSubmatch(name)
		a, err := atoi(m[1])
		if err != nil {
			return fileRequest{}, err
		}
		i, err := atoi(m[3])
		return fileRequest{kind: fileSegment, rung: m[2], audio: &a, index: i}, err
	case subtitleFilesRe.MatchString(name):
		m := subtitleFilesRe.FindStringSubmatch(name)
		n, err := atoi(m[1])
		kind := fileSubtitlePlaylist
		if m[2] == "vtt" {
			kind = fileSubtitle
		}
		return fileRequest{kind: kind, track: n}, err
	}
	return fileRequest{}, fmt.Errorf("%w: unknown file %q", catErrs.ErrInvalidRequest, name)
}

// the patterns only let digits through, so this only fails on overflow
func atoi(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q out of range", catErrs.ErrInvalidRequest, s)
	}
	return n, nil
}
