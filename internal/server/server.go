package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/audiolibrelab/screenclip/internal/capture"
	"github.com/audiolibrelab/screenclip/internal/recorder"
	"github.com/audiolibrelab/screenclip/internal/session"
	"github.com/audiolibrelab/screenclip/internal/settings"
	"github.com/gorilla/websocket"
)

// Controller is the part of the recorder the web server drives.
type Controller interface {
	Start(ctx context.Context, opts recorder.StartOptions) error
	Pause() error
	Resume() error
	Stop(ctx context.Context) (recorder.Result, error)
	Cancel() error
	Reset() error
	ClearLastError()
	Snapshot() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	Diagnostics() recorder.DiagnosticsReport
	Settings() settings.Settings
	SetSettings(settings.Settings) error
}

// Server represents the web server for controlling screenclip
type Server struct {
	rec      Controller
	port     string
	upgrader websocket.Upgrader

	// Upper bound for a save started through /api/stop.
	stopTimeout time.Duration
	writeWait   time.Duration
}

// StartRequest is the optional body of POST /api/start.
type StartRequest struct {
	Region *capture.Rect `json:"region,omitempty"`
}

// StopResponse is returned once the recording has been saved.
type StopResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Result  recorder.Result `json:"result"`
}

// New creates a new web server instance
func New(rec Controller, port string) *Server {
	return &Server{
		rec:         rec,
		port:        port,
		stopTimeout: 10 * time.Minute,
		writeWait:   5 * time.Second,
	}
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/start", s.handleStart)
	mux.HandleFunc("/api/pause", s.command("pause", "Recording paused", s.rec.Pause))
	mux.HandleFunc("/api/resume", s.command("resume", "Recording resumed", s.rec.Resume))
	mux.HandleFunc("/api/stop", s.handleStop)
	mux.HandleFunc("/api/cancel", s.command("cancel", "Recording discarded", s.rec.Cancel))
	mux.HandleFunc("/api/reset", s.command("reset", "Session reset", s.rec.Reset))
	mux.HandleFunc("/api/clear-error", s.command("clear_error", "Error cleared", func() error {
		s.rec.ClearLastError()
		return nil
	}))
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// Start starts the web server
func (s *Server) Start() error {
	localIP := getLocalIP()

	slog.Info("Starting screenclip Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, s.Handler())
}

// handleIndex lists the API endpoints
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, indexHTML)
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>screenclip</title>
</head>
<body>
    <h1>screenclip</h1>
    <ul>
        <li>GET /api/status - Current session state</li>
        <li>GET|PUT /api/settings - Capture settings for the next recording</li>
        <li>POST /api/start - Start recording (optional {"region":{"x":0,"y":0,"width":640,"height":480}})</li>
        <li>POST /api/pause, /api/resume - Pause or resume capture</li>
        <li>POST /api/stop - Stop and save</li>
        <li>POST /api/cancel - Stop and discard</li>
        <li>POST /api/reset, /api/clear-error</li>
        <li>GET /api/diagnostics - Capture method history</li>
        <li>GET /api/events - WebSocket stream of state updates</li>
    </ul>
</body>
</html>`

// handleStatus returns the current session snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, s.rec.Snapshot())
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.sendJSON(w, s.rec.Settings())
	case http.MethodPut, http.MethodPost:
		next := s.rec.Settings()
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid settings: %v", err), "operation", "update_settings")
			return
		}
		if f, err := settings.ParseFormat(string(next.OutputFormat)); err == nil {
			next.OutputFormat = f
		}
		if err := s.rec.SetSettings(next); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid settings: %v", err), "operation", "update_settings")
			return
		}
		slog.Info("Capture settings updated", "fps", next.TargetFPS, "quality", next.Quality, "format", next.OutputFormat)
		s.sendJSON(w, next)
	default:
		s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleStart begins a recording
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	var req StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid start request: %v", err), "operation", "start")
			return
		}
	}

	// The recording outlives this request.
	if err := s.rec.Start(context.Background(), recorder.StartOptions{Region: req.Region}); err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to start recording: %v", err), "operation", "start")
		return
	}

	snap := s.rec.Snapshot()
	s.sendJSON(w, map[string]interface{}{
		"success":    true,
		"message":    "Recording started",
		"session_id": snap.SessionID,
		"method":     snap.ActiveCaptureMethod,
	})
}

// handleStop stops the recording and waits for the save to finish
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.stopTimeout)
	defer cancel()

	res, err := s.rec.Stop(ctx)
	if err != nil {
		s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to save recording: %v", err),
			"operation", "stop", "session", res.SessionID)
		return
	}

	s.sendJSON(w, StopResponse{
		Success: true,
		Message: fmt.Sprintf("Saved %d frames to %s", res.FrameCount, res.OutputPath),
		Result:  res,
	})
}

// command wraps a recorder call without arguments into a POST handler.
func (s *Server) command(op, message string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allowMethod(w, r, http.MethodPost) {
			return
		}
		if err := fn(); err != nil {
			s.sendErrorResponse(w, statusFor(err), fmt.Sprintf("Failed to %s: %v", op, err), "operation", op)
			return
		}
		s.sendJSON(w, map[string]interface{}{
			"success": true,
			"message": message,
		})
	}
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}
	s.sendJSON(w, s.rec.Diagnostics())
}

// handleEvents streams session snapshots over a websocket until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.rec.Subscribe()
	defer unsubscribe()

	// Reads only serve to notice the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("Event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			slog.Debug("Event stream closed", "remote", r.RemoteAddr)
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				slog.Debug("Event stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	s.sendErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", "path", r.URL.Path, "method", r.Method)
	return false
}

func (s *Server) sendJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

// statusFor maps recorder errors onto HTTP status codes.
func statusFor(err error) int {
	var noFrames *recorder.NoFramesCapturedError
	var initErr *capture.InitError
	switch {
	case errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, capture.ErrInvalidRegion):
		return http.StatusBadRequest
	case errors.As(err, &noFrames):
		return http.StatusUnprocessableEntity
	case errors.As(err, &initErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	// Log the error with structured context
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
