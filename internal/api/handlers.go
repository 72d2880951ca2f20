package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

// Connections reports live websocket connections.
type Connections interface {
	GetSessionCount() int
	GetClientCount() int
	GetActiveSessions() map[string]int
}

// Checkpointer creates manual checkpoints.
type Checkpointer interface {
	CheckpointNow(ctx context.Context, sessionID, name, createdBy string) (*store.Checkpoint, error)
}

type API struct {
	registry    *session.Registry
	conns       Connections
	store       store.Store
	checkpoints Checkpointer
	logger      *slog.Logger
}

func New(registry *session.Registry, conns Connections, st store.Store, checkpoints Checkpointer, logger *slog.Logger) *API {
	return &API{
		registry:    registry,
		conns:       conns,
		store:       st,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Register adds every REST route to r.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/sessions", a.ListSessionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions", a.CreateSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}", a.GetSessionHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/users", a.JoinSessionHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/users/{userId}", a.LeaveSessionHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/sessions/{id}/users/{userId}/cursor", a.UpdateCursorHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/sessions/{id}/operations", a.SubmitOperationHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/{id}/operations", a.ListOperationsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/sessions/{id}/checkpoints", a.ListCheckpointsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/checkpoints", a.CreateCheckpointHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/checkpoints/diff", a.DiffCheckpointsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/checkpoints/{id:[0-9]+}", a.GetCheckpointHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/checkpoints/{id:[0-9]+}", a.DeleteCheckpointHandler).Methods(http.MethodDelete)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// Handler is the REST surface alone, with CORS.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.Register(r)
	return CORSMiddleware(r)
}

// CORSMiddleware wraps the whole router so preflight requests are answered
// before route matching.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// sessionError writes err with the status its class maps to.
func sessionError(w http.ResponseWriter, err error) {
	code := protocol.ErrorCode(err)
	status := http.StatusBadRequest
	switch code {
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeOutOfRange, protocol.CodeConflict:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": code})
}

func isSessionError(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, session.ErrInvalidArgument) ||
		errors.Is(err, session.ErrConflict) ||
		errors.Is(err, ot.ErrOutOfRange) ||
		errors.Is(err, ot.ErrInvalidOperation)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}

	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"sessions":           a.registry.Len(),
		"connected_sessions": a.conns.GetSessionCount(),
		"connected_clients":  a.conns.GetClientCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		st, err := a.store.Stats(r.Context())
		if err == nil {
			stats["stored_sessions"] = st.SessionCount
			stats["checkpoints"] = st.CheckpointCount
		} else {
			a.logger.Warn("store stats", "error", err)
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Session handlers

type SessionResponse struct {
	session.Summary
	Connected int `json:"connected"`
}

type CreateSessionRequest struct {
	SessionID   string `json:"session_id"`
	DocumentID  string `json:"document_id"`
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type JoinRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type CursorRequest struct {
	Position int `json:"position"`
}

// ListSessionsHandler lists live sessions and a page of the stored catalog.
func (a *API) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	connected := a.conns.GetActiveSessions()
	summaries := a.registry.List()
	live := make([]SessionResponse, len(summaries))
	for i, s := range summaries {
		live[i] = SessionResponse{Summary: s, Connected: connected[s.ID]}
	}

	response := map[string]any{
		"sessions": live,
		"limit":    limit,
		"offset":   offset,
	}

	if a.store != nil {
		catalog, err := a.store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to list sessions")
			return
		}
		if catalog == nil {
			catalog = []store.SessionRecord{}
		}
		response["catalog"] = catalog
	}

	a.jsonResponse(w, http.StatusOK, response)
}

func (a *API) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	_, created, err := a.registry.Open(req.SessionID, req.DocumentID)
	if err != nil {
		sessionError(w, err)
		return
	}

	var state session.State
	if req.UserID != "" {
		state, err = a.registry.JoinSession(req.SessionID, req.UserID, req.DisplayName)
	} else {
		state, err = a.registry.GetState(req.SessionID)
	}
	if err != nil {
		sessionError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	a.jsonResponse(w, status, state)
}

func (a *API) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	state, err := a.registry.GetState(mux.Vars(r)["id"])
	if err != nil {
		sessionError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, state)
}

func (a *API) JoinSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	state, err := a.registry.JoinSession(mux.Vars(r)["id"], req.UserID, req.DisplayName)
	if err != nil {
		sessionError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, state)
}

func (a *API) LeaveSessionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.registry.LeaveSession(vars["id"], vars["userId"]); err != nil {
		sessionError(w, err)
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "User left"})
}

func (a *API) UpdateCursorHandler(w http.ResponseWriter, r *http.Request) {
	var req CursorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	vars := mux.Vars(r)
	if err := a.registry.UpdateCursor(vars["id"], vars["userId"], req.Position); err != nil {
		sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Operation handlers

type OperationResponse struct {
	Operation protocol.Operation `json:"operation"`
	Version   int                `json:"version"`
}

func (a *API) SubmitOperationHandler(w http.ResponseWriter, r *http.Request) {
	var wire protocol.Operation
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	op, err := wire.ToOT()
	if err != nil {
		sessionError(w, err)
		return
	}

	res, err := a.registry.SubmitOperation(mux.Vars(r)["id"], op)
	if err != nil {
		sessionError(w, err)
		return
	}

	a.jsonResponse(w, http.StatusOK, OperationResponse{
		Operation: protocol.FromOT(res.Operation),
		Version:   res.Version,
	})
}

// ListOperationsHandler returns the committed log from ?since= onwards.
// Entry i of the result committed version since+i+1.
func (a *API) ListOperationsHandler(w http.ResponseWriter, r *http.Request) {
	since := 0
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, "Invalid 'since' version")
			return
		}
		since = n
	}

	ops, err := a.registry.Operations(mux.Vars(r)["id"], since)
	if err != nil {
		sessionError(w, err)
		return
	}

	wire := make([]protocol.Operation, len(ops))
	for i, op := range ops {
		wire[i] = protocol.FromOT(op)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"since":      since,
		"version":    since + len(ops),
		"operations": wire,
	})
}
