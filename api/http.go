package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/meta-stremio/meta-stremio/config"
	"github.com/meta-stremio/meta-stremio/handlers"
	"github.com/meta-stremio/meta-stremio/log"
	"github.com/meta-stremio/meta-stremio/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func ListenAndServe(ctx context.Context, addr string, engine handlers.Engine) error {
	router := NewStremioAPIRouter(engine)
	server := http.Server{Addr: addr, Handler: router}

	log.LogNoRequestID(
		"Starting Stremio transcoder!",
		"version", config.Version,
		"host", addr,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func NewStremioAPIRouter(engine handlers.Engine) *httprouter.Router {
	router := httprouter.New()
	logger := log.NewLogger()
	withLogging := middleware.LogRequest(logger, false)
	// segment and playlist traffic is too chatty for the default log level
	withQuietLogging := middleware.LogRequest(logger, true)
	withCORS := middleware.AllowCORS()

	stremioHandlers := &handlers.StremioHandlersCollection{Engine: engine}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(stremioHandlers.Ok()))
	router.GET("/health", withLogging(stremioHandlers.Ok()))

	// Playback
	router.GET("/transcode/:asset/:file", withCORS(withQuietLogging(stremioHandlers.Transcode())))
	router.HEAD("/transcode/:asset/:file", withCORS(withQuietLogging(stremioHandlers.TranscodeHead())))
	router.GlobalOPTIONS = middleware.Preflight()

	// Operations
	router.GET("/api/status", withCORS(withLogging(stremioHandlers.Status())))
	router.POST("/api/status/reset", withLogging(stremioHandlers.ResetStatus()))
	router.POST("/api/assets/:asset/invalidate", withLogging(stremioHandlers.Invalidate()))
	router.Handler("GET", "/metrics", promhttp.Handler())
	// older clients look for the status under the playback prefix
	router.GET("/transcode/:asset", withCORS(withLogging(handlers.TranscodeAlias("metrics", stremioHandlers.Status()))))
	router.POST("/transcode/:asset", withLogging(handlers.TranscodeAlias("reset-metrics", stremioHandlers.ResetStatus())))

	return router
}
