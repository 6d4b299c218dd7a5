// Package httpapi exposes the engine's HTTP surface: task admission, the
// SSE event stream, inline completion, health, and metrics.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeforge/swarmengine/internal/swarm/llm"
	"github.com/codeforge/swarmengine/internal/swarm/taskrun"
	"github.com/codeforge/swarmengine/internal/swarm/telemetry"
	"github.com/codeforge/swarmengine/internal/swarm/workflow"
)

const streamPollTimeout = time.Second

// secretFilenamePatterns are refused outright by the completion endpoint:
// the backend never sends the contents of an env file or anything that
// looks like a secret store to the model, regardless of what the caller
// claims the language is.
var secretFilenamePatterns = []string{".env", "secret"}

// Server wires the task runtime, a fast-tier completion client, and metrics
// into a single http.Handler.
type Server struct {
	runtime       *taskrun.Runtime
	completionLLM *llm.Client
	fastModel     string
	authToken     string
	metrics       *telemetry.Metrics
	logger        *slog.Logger

	mux *http.ServeMux
}

// Config bundles Server's dependencies.
type Config struct {
	Runtime       *taskrun.Runtime
	CompletionLLM *llm.Client
	FastModelName string
	AuthToken     string
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// New builds a Server with every route registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runtime:       cfg.Runtime,
		completionLLM: cfg.CompletionLLM,
		fastModel:     cfg.FastModelName,
		authToken:     cfg.AuthToken,
		metrics:       cfg.Metrics,
		logger:        logger,
		mux:           http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/start_task", s.handleStartTask)
	s.mux.HandleFunc("GET /api/stream/{taskId}", s.requireAuth(s.handleStream))
	s.mux.HandleFunc("POST /api/completion", s.handleCompletion)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed straight to
// http.Server.Handler. It records per-route latency before delegating to the
// mux; the stream endpoint is long-lived by design, so its one observation
// covers the whole SSE connection rather than individual frames.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.mux.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.metrics.RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status), time.Since(start))
}

// routeLabel collapses a request path to its route template so the stream
// endpoint's per-task id doesn't blow up the metric's label cardinality.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/stream/") {
		return "/api/stream/{taskId}"
	}
	return path
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter itself doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush satisfies http.Flusher so the recorder doesn't break handleStream's
// flusher cast.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requireAuth enforces the shared bearer token, accepted from either the
// X-Auth-Token header or a token query parameter — the query parameter
// exists because a browser EventSource cannot set request headers, and the
// stream endpoint is the one route that must still be reachable from one.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing auth token")
			return
		}
		next(w, r)
	}
}

type startTaskRequest struct {
	UserInput     string              `json:"userInput"`
	ThreadID      string              `json:"threadId,omitempty"`
	FileContext   *fileContextPayload `json:"fileContext,omitempty"`
	WorkspaceRoot string              `json:"workspaceRoot,omitempty"`
	Mode          string              `json:"mode,omitempty"`
}

type fileContextPayload struct {
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	Selection  string `json:"selection,omitempty"`
	CursorLine int    `json:"cursorLine,omitempty"`
	LanguageID string `json:"languageId,omitempty"`
}

type startTaskResponse struct {
	TaskID   string `json:"taskId"`
	ThreadID string `json:"threadId"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		writeError(w, http.StatusBadRequest, "userInput is required")
		return
	}

	var fc *workflow.FileContext
	if req.FileContext != nil {
		fc = &workflow.FileContext{
			Filename:   req.FileContext.Filename,
			Content:    req.FileContext.Content,
			Selection:  req.FileContext.Selection,
			CursorLine: req.FileContext.CursorLine,
			LanguageID: req.FileContext.LanguageID,
		}
	}
	mode := workflow.ModeCoder
	if req.Mode != "" {
		mode = workflow.Mode(req.Mode)
	}

	taskID, err := s.runtime.StartTask(r.Context(), taskrun.StartTaskRequest{
		UserInput:     req.UserInput,
		WorkspaceRoot: req.WorkspaceRoot,
		FileContext:   fc,
		Mode:          mode,
	})
	if err != nil {
		s.logger.Warn("start_task admission failed", "error", err)
		if s.metrics != nil {
			s.metrics.TaskRefused()
		}
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.TaskStarted()
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = taskID
	}
	writeJSON(w, http.StatusOK, startTaskResponse{TaskID: taskID, ThreadID: threadID})
}

// handleStream drains taskId's event queue and emits one SSE frame per
// event. It pulls with a bounded poll so a client disconnect is noticed
// within roughly one second instead of blocking forever; the background
// task itself is unaffected by the client going away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	taskID := r.PathValue("taskId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		event, status, err := s.runtime.PullEvent(ctx, taskID, streamPollTimeout)
		if err != nil {
			s.logger.Warn("stream pull failed", "task_id", taskID, "error", err)
			return
		}
		switch status {
		case taskrun.PullEnded:
			return
		case taskrun.PullTimeout:
			if ctx.Err() != nil {
				return
			}
			continue
		case taskrun.PullGotEvent:
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event workflow.Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("event: " + event.Type + "\ndata: " + string(payload) + "\n\n"))
	return err
}

type completionRequest struct {
	Prefix   string `json:"prefix"`
	Suffix   string `json:"suffix"`
	FilePath string `json:"filePath"`
	Language string `json:"language"`
}

type completionResponse struct {
	Completion string `json:"completion"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if isSecretFile(req.FilePath) {
		writeJSON(w, http.StatusOK, completionResponse{Completion: ""})
		return
	}

	prompt := "Complete the following " + req.Language + " code. Respond with only the completion text, no explanation.\n" +
		"Prefix:\n" + req.Prefix + "\nSuffix:\n" + req.Suffix

	text, _, err := s.completionLLM.Call(r.Context(), s.fastModel, []llm.Message{{Role: "user", Content: prompt}}, "", llm.ComplexitySimple, 0)
	if err != nil {
		s.logger.Warn("completion call failed", "error", err)
		writeJSON(w, http.StatusOK, completionResponse{Completion: ""})
		return
	}
	writeJSON(w, http.StatusOK, completionResponse{Completion: text})
}

func isSecretFile(path string) bool {
	lower := strings.ToLower(path)
	for _, pattern := range secretFilenamePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
