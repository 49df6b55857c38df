package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ramteid/Simple-Camera-Video-Streaming-Server-for-Raspberry-Pi-and-Docker/stream"
)

const indexPage = `<!DOCTYPE html>
<html>
<head>
<title>Camera Stream</title>
<style>
  html, body { margin: 0; padding: 0; height: 100%; background: #000; }
  img { width: 100%; height: 100%; object-fit: contain; display: block; }
</style>
</head>
<body>
<img src="/stream" alt="camera stream">
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write([]byte(indexPage)); err != nil {
		s.logger.Debug("Index write failed", zap.Error(err))
	}
}

// handleStream serves the multipart MJPEG stream. One registered client
// slot per connection; the slot is released when the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	slot, err := s.pipeline.Register(r.RemoteAddr)
	if err != nil {
		if errors.Is(err, stream.ErrServerFull) {
			http.Error(w, "too many stream clients", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer slot.Close()

	s.logger.Info("Stream client connected", zap.String("remote", r.RemoteAddr))
	defer s.logger.Info("Stream client disconnected", zap.String("remote", r.RemoteAddr))

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The idle probe keeps writing to a silent connection so a vanished
	// client is detected even when the camera produces no frames.
	idleProbe := time.Duration(s.cfg.Stream.IdleProbeSeconds) * time.Second
	probe := time.NewTicker(idleProbe)
	defer probe.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case frame, ok := <-slot.Frames():
			if !ok {
				return
			}
			if _, err := w.Write(frame.Envelope); err != nil {
				return
			}
			flusher.Flush()
			probe.Reset(idleProbe)

		case <-probe.C:
			if _, err := w.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleHealth reports 200 only when the whole pipeline is healthy. Load
// balancers and container orchestrators key off the status code; the body
// carries the full snapshot for humans.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pipeline.Health()

	w.Header().Set("Content-Type", "application/json")
	if !snapshot.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Debug("Health encode failed", zap.Error(err))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.pipeline.Stats()); err != nil {
		s.logger.Debug("Stats encode failed", zap.Error(err))
	}
}

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statusMessage is one websocket status push.
type statusMessage struct {
	Health stream.HealthSnapshot `json:"health"`
	Stats  stream.PipelineStats  `json:"stats"`
}

// handleStatusSocket pushes health and stats over a websocket every two
// seconds, for dashboards that want live numbers without polling.
func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Info("Status socket connected", zap.String("remote", r.RemoteAddr))

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		msg := statusMessage{
			Health: s.pipeline.Health(),
			Stats:  s.pipeline.Stats(),
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
