// Package api exposes the monitor's control surface over HTTP for the web
// UI and CLI tooling.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/banshee-data/flowmeter/internal/db"
	"github.com/banshee-data/flowmeter/internal/flow"
	"github.com/banshee-data/flowmeter/internal/httputil"
	"github.com/banshee-data/flowmeter/internal/security"
)

type Server struct {
	m  *flow.Monitor
	db *db.DB
}

// NewServer builds the API server over the monitor and the session
// archive. archive may be nil when archiving is disabled.
func NewServer(m *flow.Monitor, archive *db.DB) *Server {
	return &Server{m: m, db: archive}
}

// ServeMux returns the API routes, intended to be mounted under /api.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/series", s.seriesHandler)
	mux.HandleFunc("/connect", s.connectHandler)
	mux.HandleFunc("/disconnect", s.disconnectHandler)
	mux.HandleFunc("/reset", s.resetHandler)
	mux.HandleFunc("/export", s.exportHandler)
	mux.HandleFunc("/live", s.liveHandler)
	mux.HandleFunc("/ports", s.portsHandler)
	mux.HandleFunc("/sessions", s.sessionsHandler)
	return mux
}

// statusResponse is the combined liveness view plus diagnostics.
type statusResponse struct {
	Status   flow.Status `json:"status"`
	Abnormal bool        `json:"abnormal"`
	Reason   string      `json:"reason,omitempty"`
	Rejected uint64      `json:"rejected_frames"`
	Stats    flow.Stats  `json:"stats"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	abnormal, reason := s.m.Abnormal()
	httputil.WriteJSONOK(w, statusResponse{
		Status:   s.m.Status(),
		Abnormal: abnormal,
		Reason:   reason,
		Rejected: s.m.Rejected(),
		Stats:    s.m.Stats(),
	})
}

func (s *Server) seriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.m.Snapshot())
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	port := r.FormValue("port")
	if port == "" {
		httputil.BadRequest(w, "missing port")
		return
	}
	if err := s.m.Connect(port); err != nil {
		if errors.Is(err, flow.ErrAlreadyConnected) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.BadGateway(w, fmt.Sprintf("connect failed: %v", err))
		return
	}
	io.WriteString(w, "Connected\n")
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.m.Disconnect(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("disconnect failed: %v", err))
		return
	}
	io.WriteString(w, "Disconnected\n")
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.m.Reset(); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("reset failed: %v", err))
		return
	}
	io.WriteString(w, "Series reset\n")
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	path := r.FormValue("path")
	if path == "" {
		httputil.BadRequest(w, "missing path")
		return
	}
	if err := security.ValidateExportPath(path); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid export path: %v", err))
		return
	}
	if err := s.m.Export(path); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("export failed: %v", err))
		return
	}
	io.WriteString(w, fmt.Sprintf("Exported to %s\n", path))
}

func (s *Server) portsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ports, err := s.m.ListPorts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list ports: %v", err))
		return
	}
	httputil.WriteJSONOK(w, ports)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.NotFound(w, "archive disabled")
		return
	}
	sessions, err := s.db.Sessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, sessions)
}

// liveHandler streams accepted points to the client as Server-Sent Events.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.m.Subscribe()
	defer s.m.Unsubscribe(id)

	// Initial ping to establish the stream.
	io.WriteString(w, ": ping\n\n")
	flusher.Flush()

	for {
		select {
		case point, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(point)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
