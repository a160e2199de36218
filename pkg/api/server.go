// Package api serves the dashboard HTTP surface: run lifecycle control,
// iteration history, live event streaming, and sandbox file access. Every
// endpoint is protected by basic auth.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/pkg/config"
	"autopilot/pkg/logx"
	"autopilot/pkg/metrics"
	"autopilot/pkg/persistence"
	"autopilot/pkg/runner"
	"autopilot/pkg/version"
)

// authUsername is the fixed basic-auth username. The password comes from
// the secrets store or the AUTOPILOT_API_PASSWORD environment variable.
const authUsername = "autopilot"

// maxUploadBytes bounds request bodies for file writes and run creation.
const maxUploadBytes = 4 << 20

// Server exposes the controller over HTTP. It holds no run state of its
// own; the controller and its store are the source of truth.
type Server struct {
	controller *runner.Controller
	index      *persistence.DB
	query      *metrics.QueryService
	logger     *logx.Logger
}

// NewServer creates an API server fronting the given controller. index and
// query may be nil; the corresponding endpoints degrade gracefully.
func NewServer(controller *runner.Controller, index *persistence.DB, query *metrics.QueryService) *Server {
	return &Server{
		controller: controller,
		index:      index,
		query:      query,
		logger:     logx.NewLogger("api"),
	}
}

// requireAuth wraps a handler with basic authentication.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected, err := config.GetSecret(config.SecretAPIPassword)
		if err != nil || expected == "" {
			s.logger.Error("API password not configured, denying access")
			w.Header().Set("WWW-Authenticate", `Basic realm="Autopilot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Autopilot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if username != authUsername || subtle.ConstantTimeCompare([]byte(password), []byte(expected)) != 1 {
			s.logger.Warn("failed authentication attempt from %s (username: %s)", r.RemoteAddr, username)
			w.Header().Set("WWW-Authenticate", `Basic realm="Autopilot"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// RegisterRoutes sets up HTTP routes for the API.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/runs", s.requireAuth(s.handleRuns))
	mux.HandleFunc("/api/runs/", s.requireAuth(s.handleRun))
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("/api/models", s.requireAuth(s.handleModelUsage))
}

// StartServer binds the API on addr and serves until ctx is canceled.
// Non-blocking; shutdown drains in the background.
func (s *Server) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting API server on %s", addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		//nolint:contextcheck // Parent context is cancelled; shutdown needs a fresh one
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()

	return nil
}

// handleHealth implements GET /api/healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok", "version": version.Version})
}

// handleRuns implements GET (list) and POST (create) on /api/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleCreateRun(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	stateFilter := r.URL.Query().Get("state")

	// The SQLite index answers filtered listings without loading every
	// snapshot; fall back to the file store when no index is configured.
	if s.index != nil {
		summaries, err := s.index.ListRuns(stateFilter)
		if err != nil {
			s.logger.Error("failed to list runs from index: %v", err)
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, summaries)
		return
	}

	runs, err := s.controller.ListRuns()
	if err != nil {
		s.logger.Error("failed to list runs: %v", err)
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	if stateFilter != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.State) == stateFilter {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	s.writeJSON(w, runs)
}

// CreateRunPayload is the POST /api/runs request body.
type CreateRunPayload struct {
	Title      string   `json:"title"`
	AnchorSpec string   `json:"anchor_spec"`
	RepoURL    string   `json:"repo_url,omitempty"`
	Checklist  []string `json:"checklist,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var payload CreateRunPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	run, err := s.controller.CreateRun(runner.CreateRunRequest{
		Title:      payload.Title,
		AnchorSpec: payload.AnchorSpec,
		RepoURL:    payload.RepoURL,
		Checklist:  payload.Checklist,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("created run %s: %s", run.ID, run.Title)
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, run)
}

// handleRun routes /api/runs/{id} and its sub-resources.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	runID, sub, _ := strings.Cut(rest, "/")
	if runID == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		s.handleGetRun(w, r, runID)
	case "pause":
		s.handleControl(w, r, runID, s.controller.Pause)
	case "resume":
		s.handleControl(w, r, runID, s.controller.Resume)
	case "rotate":
		s.handleControl(w, r, runID, s.controller.Rotate)
	case "stop":
		s.handleStop(w, r, runID)
	case "guardrails":
		s.handleGuardrails(w, r, runID)
	case "checklist":
		s.handleChecklist(w, r, runID)
	case "iterations":
		s.handleIterations(w, r, runID)
	case "activity":
		s.handleActivity(w, r, runID)
	case "events":
		s.handleEvents(w, r, runID)
	case "files":
		s.handleFiles(w, r, runID)
	case "metrics":
		s.handleRunMetrics(w, r, runID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	run, err := s.controller.GetRun(runID)
	if err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, run)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, runID string, op func(string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := op(runID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&payload)

	if err := s.controller.Stop(runID, payload.Reason); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "Guardrail text required", http.StatusBadRequest)
		return
	}
	if err := s.controller.AddGuardrail(runID, payload.Text); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]string{"status": "created"})
}

// handleChecklist implements POST /api/runs/{id}/checklist: a human
// reviewer marks one success criterion as done by its text.
func (s *Server) handleChecklist(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes)).Decode(&payload); err != nil || strings.TrimSpace(payload.Text) == "" {
		http.Error(w, "Checklist item text required", http.StatusBadRequest)
		return
	}
	if err := s.controller.MarkChecklist(runID, payload.Text); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"status": "marked"})
}

func (s *Server) handleIterations(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Summary listing from the index when available; the full records
	// stay on disk and are large (prompt snapshots, raw output).
	if s.index != nil && r.URL.Query().Get("full") == "" {
		summaries, err := s.index.ListIterations(runID)
		if err != nil {
			http.Error(w, "Failed to list iterations", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, summaries)
		return
	}

	records, err := s.controller.Iterations(runID)
	if err != nil {
		http.Error(w, "Failed to list iterations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, records)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.controller.Activity(runID)
	if err != nil {
		http.Error(w, "Failed to read activity", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, events)
}

// handleEvents implements GET /api/runs/{id}/events as a server-sent event
// stream of the run's live activity.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.controller.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			if event.RunID != runID {
				continue
			}
			data, err := event.ToJSON()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// handleFiles implements GET and PUT on /api/runs/{id}/files?path=.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, runID string) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path parameter required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := s.controller.ReadFile(r.Context(), runID, path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)

	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
		if err := s.controller.WriteFile(r.Context(), runID, path, data); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		s.writeJSON(w, map[string]string{"status": "written"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRunMetrics implements GET /api/runs/{id}/metrics against the
// Prometheus query service.
func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.query == nil {
		http.Error(w, "Metrics query service not configured", http.StatusServiceUnavailable)
		return
	}
	out, err := s.query.GetRunMetrics(r.Context(), runID)
	if err != nil {
		s.logger.Error("run metrics query failed: %v", err)
		http.Error(w, "Metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, out)
}

// handleModelUsage implements GET /api/models: aggregate token usage per
// model from Prometheus.
func (s *Server) handleModelUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.query == nil {
		http.Error(w, "Metrics query service not configured", http.StatusServiceUnavailable)
		return
	}
	usage, err := s.query.GetModelUsage(r.Context())
	if err != nil {
		s.logger.Error("model usage query failed: %v", err)
		http.Error(w, "Metrics query failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, usage)
}

// handleLogs implements GET /api/logs with optional component and since
// filters over the in-memory ring buffer.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	component := query.Get("component")

	var since time.Time
	if sinceStr := query.Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	s.writeJSON(w, logx.RecentEntries(component, since))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}
