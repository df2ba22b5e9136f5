package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	catErrs "github.com/meta-stremio/meta-stremio/errors"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/requests"
	"github.com/meta-stremio/meta-stremio/subtitles"
	"github.com/meta-stremio/meta-stremio/transcode"
)

const (
	// segments and extracted subtitles never change for a given URL until invalidated
	cacheImmutable = "public, max-age=86400"
	cachePlaylist  = "no-cache"
)

// Transcode serves every file under /transcode/:asset/
func (d *StremioHandlersCollection) Transcode() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		assetID := params.ByName("asset")
		file := params.ByName("file")

		f, err := parseFile(file)
		if err != nil {
			handleError(w, requestID, err)
			return
		}
		ctx := req.Context()

		switch f.kind {
		case fileMaster:
			out, err := d.Engine.Master(ctx, requestID, assetID, transcode.MasterFilter{Rung: f.rung, AudioTrack: f.audio})
			if err != nil {
				handleError(w, requestID, err)
				return
			}
			writeBody(w, contentTypeM3U8, cachePlaylist, []byte(out))

		case fileVariant:
			out, err := d.Engine.Variant(ctx, requestID, assetID, f.rung, *f.audio)
			if err != nil {
				handleError(w, requestID, err)
				return
			}
			writeBody(w, contentTypeM3U8, cachePlaylist, []byte(out))

		case fileSegment:
			data, err := d.Engine.Segment(ctx, requestID, assetID, f.rung, *f.audio, f.index)
			if err != nil {
				log.LogError(requestID, "segment request failed", err, "asset", assetID, "file", file)
				handleError(w, requestID, err)
				return
			}
			writeBody(w, contentTypeTS, cacheImmutable, data)

		case fileSubtitlePlaylist:
			out, err := d.Engine.SubtitlePlaylist(ctx, requestID, assetID, f.track)
			if err != nil {
				handleError(w, requestID, err)
				return
			}
			writeBody(w, contentTypeM3U8, cachePlaylist, []byte(out))

		case fileSubtitle:
			data, err := d.Engine.Subtitle(ctx, requestID, assetID, f.track)
			if err != nil {
				log.LogError(requestID, "subtitle extraction failed", err, "asset", assetID, "track", f.track)
				if req.Context().Err() != nil || errors.Is(err, catErrs.ErrAssetNotFound) || errors.Is(err, catErrs.ErrSourceUnavailable) {
					handleError(w, requestID, err)
					return
				}
				// an empty cue file keeps players going where an error status stalls them
				writeBody(w, contentTypeVTT, cachePlaylist, subtitles.FailureDocument(err))
				return
			}
			writeBody(w, contentTypeVTT, cacheImmutable, data)
		}
	}
}

// TranscodeHead answers HEAD for the files Transcode serves. Requests are validated
// against the asset but nothing is encoded or extracted and no session is started.
func (d *StremioHandlersCollection) TranscodeHead() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, params httprouter.Params) {
		requestID := requests.GetRequestId(req)
		assetID := params.ByName("asset")

		f, err := parseFile(params.ByName("file"))
		if err != nil {
			handleError(w, requestID, err)
			return
		}
		ctx := req.Context()

		var playlist string
		switch f.kind {
		case fileMaster:
			playlist, err = d.Engine.Master(ctx, requestID, assetID, transcode.MasterFilter{Rung: f.rung, AudioTrack: f.audio})
		case fileVariant:
			playlist, err = d.Engine.Variant(ctx, requestID, assetID, f.rung, *f.audio)
		case fileSubtitlePlaylist:
			playlist, err = d.Engine.SubtitlePlaylist(ctx, requestID, assetID, f.track)
		case fileSegment:
			if _, err = d.Engine.StatSegment(ctx, requestID, assetID, f.rung, *f.audio, f.index); err != nil {
				handleError(w, requestID, err)
				return
			}
			writeHeaders(w, contentTypeTS, cacheImmutable)
			w.WriteHeader(http.StatusOK)
			return
		case fileSubtitle:
			err = d.Engine.StatSubtitle(ctx, requestID, assetID, f.track)
			if errors.Is(err, catErrs.ErrAssetNotFound) || errors.Is(err, catErrs.ErrSourceUnavailable) {
				handleError(w, requestID, err)
				return
			}
			// a GET of a track that cannot be converted still gets a cue file
			cacheControl := cacheImmutable
			if err != nil {
				cacheControl = cachePlaylist
			}
			writeHeaders(w, contentTypeVTT, cacheControl)
			w.WriteHeader(http.StatusOK)
			return
		}
		if err != nil {
			handleError(w, requestID, err)
			return
		}
		writeHeaders(w, contentTypeM3U8, cachePlaylist)
		w.Header().Set("Content-Length", strconv.Itoa(len(playlist)))
		w.WriteHeader(http.StatusOK)
	}
}
