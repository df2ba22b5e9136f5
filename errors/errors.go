package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/meta-stremio/meta-stremio/log"
)

// Errors that cross the engine boundary. Handlers match them with errors.Is and pick the
// status code, so anything returned from pipeline.Coordinator should wrap one of these.
var (
	// The metadata store has no record for the asset id
	ErrAssetNotFound = errors.New("asset not found")
	// The record exists but the file behind it is missing or unreadable
	ErrSourceUnavailable = errors.New("source file unavailable")
	// Two encode attempts failed for the segment
	ErrTranscodeUnavailable = errors.New("transcode unavailable")
	// The job did not get a worker slot within the configured wait
	ErrQueueTimeout = errors.New("timed out waiting for a transcode slot")
	// Rung, track or segment index outside of what the asset offers
	ErrInvalidRequest = errors.New("invalid request")
	// Writing to the segment cache failed
	ErrCacheWrite = errors.New("segment cache write failed")
	// Bitmap subtitle formats have no text to convert
	ErrSubtitleUnsupported = errors.New("subtitle codec cannot be converted to webvtt")
	// Queued job was dropped before a worker picked it up
	ErrJobCancelled = errors.New("transcode job cancelled")
)

type apiError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

func (e apiError) Error() string {
	return e.Msg
}

func writeHttpError(w http.ResponseWriter, msg string, status int, err error) apiError {
	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}

	return apiError{msg, status, err}
}

// HTTP Errors
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusNotFound, err)
}

func WriteHTTPServiceUnavailable(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusServiceUnavailable, err)
}

func WriteHTTPGatewayTimeout(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusGatewayTimeout, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) apiError {
	return writeHttpError(w, msg, http.StatusInternalServerError, err)
}

// Unretriable marks err so that backoff.Retry gives up on it straight away
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

func IsUnretriable(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent) || errors.Is(err, ErrAssetNotFound)
}
