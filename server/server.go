// Package server exposes the workflow canvas over HTTP: document CRUD
// and mutation endpoints, validation, the variable resolver, run
// launching with SSE event streaming, and cron schedules.
//
// Workflows live in memory for the life of the process. Run events go
// through the bus to live subscribers and into the event store, which
// is what survives and feeds run history and SSE replay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/arbor-labs/arborflow/bus"
	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/engine"
	"github.com/arbor-labs/arborflow/exprlang"
	"github.com/arbor-labs/arborflow/graph"
	"github.com/arbor-labs/arborflow/provider"
	"github.com/arbor-labs/arborflow/sse"
)

// ServerConfig configures a Server instance. Zero-value fields get
// working in-memory defaults, so tests and the CLI only set what they
// care about.
type ServerConfig struct {
	// Store holds the serving workflows. Default: NewMemoryStore.
	Store WorkflowStore

	// Schedules holds cron schedules. Default: NewMemScheduleStore.
	Schedules ScheduleStore

	// Bus distributes run events to live subscribers (SSE).
	// Default: an in-memory bus.
	Bus bus.EventBus

	// Events persists run events for history and replay.
	// Default: an in-memory store.
	Events bus.EventStore

	// Evaluator compiles and evaluates branch conditions. Default: the
	// expr engine.
	Evaluator core.ConditionEvaluator

	// Executor runs agent nodes. Nil is allowed; agent nodes then fail
	// their runs.
	Executor engine.AgentExecutor

	// RunEvents receives every run event, after bus and store delivery.
	// Observability handlers hook in here.
	RunEvents engine.EventHandler

	// EmitDecorator wraps the engine's emitter on every run, e.g. to
	// stamp trace ids onto events.
	EmitDecorator engine.EventEmitterDecorator

	// Providers is the resolved provider credential set; only the names
	// are served, never the keys.
	Providers provider.ProviderMap

	// MaxSteps is the default per-run step ceiling.
	// Default: engine.DefaultMaxSteps.
	MaxSteps int

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the arborflow HTTP API server.
type Server struct {
	store      WorkflowStore
	schedules  ScheduleStore
	bus        bus.EventBus
	events     bus.EventStore
	engine     *engine.Engine
	validator  *graph.Validator
	persist    *bus.StoreSubscriber
	stream     *sse.Handler
	tracker    *runTracker
	runEvents  engine.EventHandler
	decorator  engine.EventEmitterDecorator
	providers  []string
	maxSteps   int
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger

	runCtx   context.Context
	stopRuns context.CancelFunc
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Schedules == nil {
		cfg.Schedules = NewMemScheduleStore()
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewMemBus(bus.MemBusConfig{})
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewMemStore(bus.MemStoreConfig{})
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = exprlang.New()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = engine.DefaultMaxSteps
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}

	runCtx, stopRuns := context.WithCancel(context.Background())

	return &Server{
		store:      cfg.Store,
		schedules:  cfg.Schedules,
		bus:        cfg.Bus,
		events:     cfg.Events,
		engine:     engine.New(cfg.Evaluator, cfg.Executor, logger),
		validator:  graph.NewValidator(cfg.Evaluator),
		persist:    bus.NewStoreSubscriber(cfg.Events, logger),
		stream:     sse.NewHandler(cfg.Events, cfg.Bus),
		tracker:    newRunTracker(),
		runEvents:  cfg.RunEvents,
		decorator:  cfg.EmitDecorator,
		providers:  providerNames(cfg.Providers),
		maxSteps:   maxSteps,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
		runCtx:     runCtx,
		stopRuns:   stopRuns,
	}
}

// providerNames normalizes the configured provider names for the
// read-only listing endpoint.
func providerNames(providers provider.ProviderMap) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		clean := strings.ToLower(strings.TrimSpace(name))
		if clean != "" {
			names = append(names, clean)
		}
	}
	sort.Strings(names)
	return names
}

// Close cancels every run this server launched. Polling schedulers must
// be stopped separately.
func (s *Server) Close() {
	s.stopRuns()
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.maxBodyMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.logMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)
	mux.HandleFunc("GET /api/providers", s.handleListProviders)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleReplaceWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/validate", s.handleValidateWorkflow)

	mux.HandleFunc("POST /api/workflows/{id}/nodes", s.handleAddNode)
	mux.HandleFunc("PATCH /api/workflows/{id}/nodes/{node_id}", s.handleUpdateNode)
	mux.HandleFunc("DELETE /api/workflows/{id}/nodes/{node_id}", s.handleRemoveNode)
	mux.HandleFunc("POST /api/workflows/{id}/edges", s.handleConnect)
	mux.HandleFunc("DELETE /api/workflows/{id}/edges/{edge_id}", s.handleDisconnect)
	mux.HandleFunc("GET /api/workflows/{id}/variables", s.handleVariables)

	mux.HandleFunc("POST /api/workflows/{id}/runs", s.handleLaunchRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)
	mux.Handle("GET /api/runs/{run_id}/events", s.stream)

	mux.HandleFunc("GET /api/workflows/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/workflows/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("PATCH /api/workflows/{id}/schedules/{schedule_id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/workflows/{id}/schedules/{schedule_id}", s.handleDeleteSchedule)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

// statusRecorder captures the response status for the request log. It
// forwards Flush so SSE streaming keeps working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// decodeJSONBody decodes a request body strictly: unknown fields are
// rejected so typos surface as errors instead of silent no-ops.
func decodeJSONBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// writeDecodeError maps a body decoding failure onto the envelope.
func writeDecodeError(w http.ResponseWriter, err error) {
	switch {
	case isMaxBytesError(err):
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
	case errors.Is(err, io.EOF):
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "request body is required")
	default:
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
	}
}
