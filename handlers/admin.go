package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/metadata"
	"github.com/meta-stremio/meta-stremio/requests"
	"github.com/xeipuuv/gojsonschema"
)

type InvalidateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.LogNoRequestID("failed to write JSON response", "err", err)
	}
}

func (d *StremioHandlersCollection) Status() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		writeJSON(w, d.Engine.Status())
	}
}

func (d *StremioHandlersCollection) ResetStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		d.Engine.ResetStats()
		log.Log(requests.GetRequestId(req), "status counters reset")
		writeJSON(w, map[string]bool{"reset": true})
	}
}

// Invalidate drops everything cached for an asset. The body is optional.
func (d *StremioHandlersCollection) Invalidate() httprouter.Handle {
	schema := inputSchemasCompiled["Invalidate"]
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		assetID := params.ByName("asset")
		if err := metadata.ValidateAssetID(assetID); err != nil {
			catErrs.WriteHTTPBadRequest(w, "invalid asset id", err)
			return
		}

		payload, err := io.ReadAll(io.LimitReader(req.Body, 4096))
		if err != nil {
			catErrs.WriteHTTPInternalServerError(w, "cannot read body", err)
			return
		}
		invalidateRequest := InvalidateRequest{Reason: "manual"}
		if len(strings.TrimSpace(string(payload))) > 0 {
			result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
			if err != nil {
				catErrs.WriteHTTPBadRequest(w, "body is not valid JSON", err)
				return
			}
			if !result.Valid() {
				catErrs.WriteHTTPBadRequest(w, "body schema validation failed", fmt.Errorf("%s", result.Errors()))
				return
			}
			if err := json.Unmarshal(payload, &invalidateRequest); err != nil {
				catErrs.WriteHTTPBadRequest(w, "invalid body", err)
				return
			}
			if invalidateRequest.Reason == "" {
				invalidateRequest.Reason = "manual"
			}
		}

		res := d.Engine.Invalidate(assetID, invalidateRequest.Reason)
		log.Log(requestID, "asset invalidated over the API", "asset", assetID, "entries", res.Entries)
		writeJSON(w, res)
	}
}

// TranscodeAlias serves h for /transcode/<name>, which shares its first segment with
// the playback routes. Any other name is not found.
func TranscodeAlias(name string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		if params.ByName("asset") != name {
			http.NotFound(w, req)
			return
		}
		h(w, req, params)
	}
}
