package requests

import (
	"net/http"

	"github.com/meta-stremio/meta-stremio/config"
)

const requestIDParam = "requestID"

// GetRequestId returns the caller supplied request ID, or makes one up and stores it on
// the request so later handlers and the access log agree
func GetRequestId(req *http.Request) string {
	requestID := req.Header.Get(requestIDParam)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(requestIDParam, requestID)
	return requestID
}
