package handlers

import (
	"context"
	"errors"
	"net/http"

	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/pipeline"
	"github.com/meta-stremio/meta-stremio/transcode"
)

// Engine is what the HTTP layer needs from pipeline.Coordinator
type Engine interface {
	Master(ctx context.Context, requestID, assetID string, filter transcode.MasterFilter) (string, error)
	Variant(ctx context.Context, requestID, assetID, rung string, audio int) (string, error)
	Segment(ctx context.Context, requestID, assetID, rung string, audio, index int) ([]byte, error)
	SubtitlePlaylist(ctx context.Context, requestID, assetID string, track int) (string, error)
	Subtitle(ctx context.Context, requestID, assetID string, track int) ([]byte, error)
	StatSegment(ctx context.Context, requestID, assetID, rung string, audio, index int) (bool, error)
	StatSubtitle(ctx context.Context, requestID, assetID string, track int) error
	Invalidate(assetID, reason string) pipeline.InvalidateResult
	Status() pipeline.Status
	ResetStats()
}

var _ Engine = (*pipeline.Coordinator)(nil)

type StremioHandlersCollection struct {
	Engine Engine
}

const (
	contentTypeM3U8 = "application/vnd.apple.mpegurl"
	contentTypeTS   = "video/mp2t"
	contentTypeVTT  = "text/vtt; charset=utf-8"
	contentTypeJSON = "application/json"
)

// handleError maps engine errors to status codes
func handleError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, catErrs.ErrInvalidRequest), errors.Is(err, catErrs.ErrSubtitleUnsupported):
		catErrs.WriteHTTPBadRequest(w, "invalid request", err)
	case errors.Is(err, catErrs.ErrAssetNotFound):
		catErrs.WriteHTTPNotFound(w, "asset not found", err)
	case errors.Is(err, catErrs.ErrSourceUnavailable):
		catErrs.WriteHTTPNotFound(w, "source file unavailable", err)
	case errors.Is(err, catErrs.ErrTranscodeUnavailable):
		catErrs.WriteHTTPServiceUnavailable(w, "transcode unavailable", err)
	case errors.Is(err, catErrs.ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
		catErrs.WriteHTTPGatewayTimeout(w, "timed out waiting for transcode", err)
	case errors.Is(err, context.Canceled):
		// client went away, nobody is reading the response
		w.WriteHeader(499)
	default:
		log.LogError(requestID, "unexpected error serving request", err)
		catErrs.WriteHTTPInternalServerError(w, "internal error", err)
	}
}

func writeBody(w http.ResponseWriter, contentType string, cacheControl string, body []byte) {
	writeHeaders(w, contentType, cacheControl)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeHeaders(w http.ResponseWriter, contentType string, cacheControl string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", cacheControl)
}
