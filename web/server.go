// Package web exposes the MJPEG stream and its health and stats endpoints
// over HTTP.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/config"
	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/stream"
)

// Pipeline is the subset of the frame pipeline the web layer consumes.
type Pipeline interface {
	Register(remote string) (*stream.ClientSlot, error)
	Health() stream.HealthSnapshot
	Stats() stream.PipelineStats
}

// Server serves the viewer page, the MJPEG stream and the operational
// endpoints.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	pipeline Pipeline
	httpSrv  *http.Server
}

// NewServer creates the web server. Start must be called to begin serving.
func NewServer(cfg *config.Config, pipeline Pipeline, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		pipeline: pipeline,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/ws/status", s.handleStatusSocket)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.BindIP, cfg.Server.WebPort),
		Handler: s.withLogging(mux),
		// Stream responses are unbounded, so no write timeout. Header
		// reads still get a bound against slow-loris clients.
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
	}
	return s
}

// Start begins serving in the background. Server errors other than a clean
// shutdown are reported on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Web server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop shuts the server down, waiting up to the configured HTTP shutdown
// timeout for in-flight requests.
func (s *Server) Stop() error {
	timeout := time.Duration(s.cfg.Timeouts.HTTPShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down web server")
	return s.httpSrv.Shutdown(ctx)
}

// withLogging logs each request at debug level, except the long-lived
// stream and websocket connections which log on their own.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream" && r.URL.Path != "/ws/status" {
			start := time.Now()
			defer func() {
				s.logger.Debug("Request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Duration("took", time.Since(start)))
			}()
		}
		next.ServeHTTP(w, r)
	})
}
