package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

type CreateCheckpointRequest struct {
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

func (a *API) ListCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	limit, offset := pagination(r, 50)

	checkpoints, err := a.store.ListCheckpoints(r.Context(), sessionID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list checkpoints")
		return
	}
	if checkpoints == nil {
		checkpoints = []store.Checkpoint{}
	}

	total, _ := a.store.CountCheckpoints(r.Context(), sessionID)

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"checkpoints": checkpoints,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// CreateCheckpointHandler snapshots the live session content. The body is
// optional.
func (a *API) CreateCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	cp, err := a.checkpoints.CheckpointNow(r.Context(), mux.Vars(r)["id"], req.Name, req.CreatedBy)
	if err != nil {
		if isSessionError(err) {
			sessionError(w, err)
			return
		}
		errorResponse(w, http.StatusInternalServerError, "Failed to create checkpoint")
		return
	}

	a.jsonResponse(w, http.StatusCreated, cp)
}

func (a *API) GetCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid checkpoint ID")
		return
	}

	cp, err := a.store.GetCheckpoint(r.Context(), id)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get checkpoint")
		return
	}
	if cp == nil {
		errorResponse(w, http.StatusNotFound, "Checkpoint not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, cp)
}

func (a *API) DeleteCheckpointHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid checkpoint ID")
		return
	}

	if err := a.store.DeleteCheckpoint(r.Context(), id); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete checkpoint")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]string{"message": "Checkpoint deleted"})
}

// DiffCheckpointsHandler diffs two checkpoints by line, word or rune
// (?granularity=, default line).
func (a *API) DiffCheckpointsHandler(w http.ResponseWriter, r *http.Request) {
	granularity, err := ParseGranularity(r.URL.Query().Get("granularity"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	fromID, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' checkpoint ID")
		return
	}

	toID, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' checkpoint ID")
		return
	}

	from, err := a.store.GetCheckpoint(r.Context(), fromID)
	if err != nil || from == nil {
		errorResponse(w, http.StatusNotFound, "From checkpoint not found")
		return
	}

	to, err := a.store.GetCheckpoint(r.Context(), toID)
	if err != nil || to == nil {
		errorResponse(w, http.StatusNotFound, "To checkpoint not found")
		return
	}

	diff, err := computeDiff(from.Content, to.Content, granularity)
	if err != nil {
		errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Content is carried by the diff entries.
	from.Content, to.Content = "", ""
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"from":        from,
		"to":          to,
		"granularity": granularity,
		"diff":        diff,
	})
}
