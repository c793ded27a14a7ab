// Package server exposes an optional HTTP control API: recorder status,
// remote toggle/stop, the recordings directory, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/psrecorder/internal/input"
	"github.com/audiolibrelab/psrecorder/internal/observe"
	"github.com/audiolibrelab/psrecorder/internal/session"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports the recorder state.
type StatusSource interface {
	Snapshot() session.Info
}

// Submitter hands control requests to the control loop.
type Submitter interface {
	Submit(ctx context.Context, action input.Action) error
}

// Options configures the server.
type Options struct {
	Listen       string
	RecordingDir string
	Extension    string       // recordings listed under /api/files
	Metrics      http.Handler // served on /metrics when set
	Version      string
}

// Server is the control API.
type Server struct {
	status  StatusSource
	submit  Submitter
	opts    Options
	metrics *observe.Metrics
}

// StatusResponse is returned by /api/status and the control endpoints.
type StatusResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Error   string       `json:"error,omitempty"`
	Session session.Info `json:"session"`
}

// FileInfo describes one recording.
type FileInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	ModTimeHuman string    `json:"mod_time_human"`
	Recording    bool      `json:"recording"`
	DownloadURL  string    `json:"download_url"`
}

// FilesResponse is returned by /api/files.
type FilesResponse struct {
	Files           []FileInfo `json:"files"`
	TotalCount      int        `json:"total_count"`
	OutputDirectory string     `json:"output_directory"`
}

func New(status StatusSource, submit Submitter, opts Options) *Server {
	if opts.Extension == "" {
		opts.Extension = "mp3"
	}
	return &Server{
		status:  status,
		submit:  submit,
		opts:    opts,
		metrics: observe.DefaultMetrics(),
	}
}

// Handler returns the routed API wrapped in request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/files/download/{name}", s.handleFileDownload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("Starting control server", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("control server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down control server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("Control server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Session: s.status.Snapshot()})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, input.ActionToggle)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, input.ActionStop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, action input.Action) {
	slog.Info("Remote request received", "action", action.String(), "remote", r.RemoteAddr)
	if err := s.submit.Submit(r.Context(), action); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			code = http.StatusConflict
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = http.StatusServiceUnavailable
		}
		s.sendErrorResponse(w, code, fmt.Sprintf("Failed to %s recording: %v", action, err), "action", action.String())
		return
	}

	info := s.status.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Success: true,
		Message: "Recorder is " + info.Status,
		Session: info,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	dir := s.opts.RecordingDir
	if dir == "" {
		s.sendErrorResponse(w, http.StatusInternalServerError, "No recording directory configured")
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to read recording directory: %v", err), "dir", dir)
		return
	}

	current := s.status.Snapshot().File
	files := []FileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !s.isRecording(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			slog.Warn("Failed to get file info", "file", entry.Name(), "error", err)
			continue
		}
		files = append(files, FileInfo{
			Name:         entry.Name(),
			Size:         info.Size(),
			SizeHuman:    formatBytes(info.Size()),
			ModTime:      info.ModTime(),
			ModTimeHuman: info.ModTime().Format("2006-01-02 15:04:05"),
			Recording:    current != "" && filepath.Join(dir, entry.Name()) == current,
			DownloadURL:  "/api/files/download/" + entry.Name(),
		})
	}

	// newest first
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})

	writeJSON(w, http.StatusOK, FilesResponse{
		Files:           files,
		TotalCount:      len(files),
		OutputDirectory: dir,
	})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}
	if !s.isRecording(name) {
		http.Error(w, "File type not supported", http.StatusForbidden)
		return
	}

	path := filepath.Join(s.opts.RecordingDir, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) isRecording(name string) bool {
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(name), "."), s.opts.Extension)
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	logFields = append(logFields, logContext...)
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, StatusResponse{
		Success: false,
		Error:   errorMsg,
		Session: s.status.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
