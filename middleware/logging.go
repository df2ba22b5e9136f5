package middleware

import (
	"net/http"
	"runtime/debug"

	kitlog "github.com/go-kit/log"
	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"
	"github.com/meta-stremio/meta-stremio/config"
	"github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/requests"
)

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
	rw.wroteHeader = true
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// LogRequest writes an access log line per request and turns panics into a 500. Segment
// traffic is only logged at -v 5, everything else always.
func LogRequest(logger kitlog.Logger, noisy bool) func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		fn := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			start := config.Clock.Now()
			wrapped := wrapResponseWriter(w)
			requestID := requests.GetRequestId(r)

			defer func() {
				if err := recover(); err != nil {
					errors.WriteHTTPInternalServerError(wrapped, "Internal Server Error", nil)
					_ = logger.Log("request_id", requestID, "err", err, "trace", string(debug.Stack()))
				}
			}()

			next(wrapped, r, ps)
			if noisy && !bool(glog.V(5)) {
				return
			}
			_ = logger.Log(
				"request_id", requestID,
				"remote", r.RemoteAddr,
				"proto", r.Proto,
				"method", r.Method,
				"uri", r.URL.RequestURI(),
				"duration", config.Clock.Now().Sub(start),
				"status", wrapped.status,
				"bytes", wrapped.bytes,
			)
		}

		return fn
	}
}
