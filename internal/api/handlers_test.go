package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice-collab/internal/checkpoint"
	"github.com/manpreetbhatti/lattice-collab/internal/protocol"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
	"github.com/manpreetbhatti/lattice-collab/internal/store"
)

type fakeConnections struct{}

func (fakeConnections) GetSessionCount() int              { return 1 }
func (fakeConnections) GetClientCount() int               { return 2 }
func (fakeConnections) GetActiveSessions() map[string]int { return map[string]int{"doc": 2} }

type testAPI struct {
	api      *API
	handler  http.Handler
	registry *session.Registry
	store    store.Store
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(session.WithLogger(logger))
	svc := checkpoint.New(st, reg, checkpoint.DefaultConfig(), logger)

	a := New(reg, fakeConnections{}, st, svc, logger)
	return &testAPI{api: a, handler: a.Handler(), registry: reg, store: st}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func (ta *testAPI) submit(t *testing.T, sessionID string, op protocol.Operation) OperationResponse {
	t.Helper()
	w := ta.do(t, "POST", "/api/sessions/"+sessionID+"/operations", op)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[OperationResponse](t, w)
}

func TestHealthHandler(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestStatsHandler(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.CreateSession("doc", "")
	require.NoError(t, err)

	w := ta.do(t, "GET", "/api/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	stats := decode[map[string]any](t, w)
	assert.EqualValues(t, 1, stats["sessions"])
	assert.EqualValues(t, 2, stats["connected_clients"])
	assert.Contains(t, stats, "checkpoints")
}

func TestCreateAndGetSession(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, "POST", "/api/sessions", CreateSessionRequest{
		SessionID: "doc", DocumentID: "readme", UserID: "alice", DisplayName: "Alice",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	state := decode[session.State](t, w)
	assert.Equal(t, "doc", state.SessionID)
	assert.Equal(t, "readme", state.DocumentID)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "Alice", state.Users[0].DisplayName)

	w = ta.do(t, "GET", "/api/sessions/doc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[session.State](t, w).Version)

	w = ta.do(t, "GET", "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, protocol.CodeNotFound, decode[map[string]string](t, w)["code"])
}

func TestCreateSessionGeneratesID(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, "POST", "/api/sessions", CreateSessionRequest{})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode[session.State](t, w).SessionID)
}

func TestCreateExistingSession(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, "POST", "/api/sessions", CreateSessionRequest{SessionID: "doc", DocumentID: "readme"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = ta.do(t, "POST", "/api/sessions", CreateSessionRequest{SessionID: "doc", DocumentID: "readme", UserID: "bob"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[session.State](t, w).Users, 1)

	w = ta.do(t, "POST", "/api/sessions", CreateSessionRequest{SessionID: "doc"})
	assert.Equal(t, http.StatusOK, w.Code, "no document id means whatever the session edits")

	w = ta.do(t, "POST", "/api/sessions", CreateSessionRequest{SessionID: "doc", DocumentID: "notes", UserID: "carol"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, protocol.CodeConflict, decode[map[string]string](t, w)["code"])

	state, err := ta.registry.GetState("doc")
	require.NoError(t, err)
	assert.Equal(t, "readme", state.DocumentID)
	assert.Len(t, state.Users, 1, "carol was not joined")
}

func TestInvalidJSON(t *testing.T) {
	ta := setupTestAPI(t)

	for _, path := range []string{"/api/sessions", "/api/sessions/doc/users", "/api/sessions/doc/operations"} {
		w := ta.do(t, "POST", path, "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestJoinAndLeave(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.CreateSession("doc", "")
	require.NoError(t, err)

	w := ta.do(t, "POST", "/api/sessions/doc/users", JoinRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, "POST", "/api/sessions/doc/users", JoinRequest{UserID: "bob", DisplayName: "Bob"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[session.State](t, w).Users, 1)

	w = ta.do(t, "PUT", "/api/sessions/doc/users/bob/cursor", CursorRequest{Position: 99})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ta.do(t, "DELETE", "/api/sessions/doc/users/bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ta.do(t, "DELETE", "/api/sessions/doc/users/bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitOperations(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.JoinSession("doc", "alice", "")
	require.ErrorIs(t, err, session.ErrNotFound, "joining does not create sessions")
	_, err = ta.registry.CreateSession("doc", "")
	require.NoError(t, err)
	for _, u := range []string{"alice", "bob"} {
		_, err := ta.registry.JoinSession("doc", u, "")
		require.NoError(t, err)
	}

	res := ta.submit(t, "doc", protocol.Operation{Kind: "insert", Position: 0, Payload: "hello", AuthorID: "alice"})
	assert.Equal(t, 1, res.Version)

	// Concurrent with alice's insert; rebased behind it.
	res = ta.submit(t, "doc", protocol.Operation{Kind: "insert", Position: 0, Payload: "hi ", AuthorID: "bob"})
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, 5, res.Operation.Position)
	assert.Equal(t, 1, res.Operation.BaseVersion)

	w := ta.do(t, "GET", "/api/sessions/doc", nil)
	assert.Equal(t, "hellohi ", decode[session.State](t, w).Content)

	tests := []struct {
		name   string
		op     protocol.Operation
		status int
		code   string
	}{
		{"unknown kind", protocol.Operation{Kind: "replace", AuthorID: "alice"}, http.StatusBadRequest, protocol.CodeInvalidOperation},
		{"negative position", protocol.Operation{Kind: "insert", Position: -1, AuthorID: "alice"}, http.StatusBadRequest, protocol.CodeInvalidOperation},
		{"past the end", protocol.Operation{Kind: "insert", Position: 50, Payload: "x", AuthorID: "alice", BaseVersion: 2}, http.StatusConflict, protocol.CodeOutOfRange},
		{"future base", protocol.Operation{Kind: "insert", Payload: "x", AuthorID: "alice", BaseVersion: 9}, http.StatusConflict, protocol.CodeOutOfRange},
		{"stranger", protocol.Operation{Kind: "insert", Payload: "x", AuthorID: "eve"}, http.StatusNotFound, protocol.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ta.do(t, "POST", "/api/sessions/doc/operations", tt.op)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[map[string]string](t, w)["code"])
		})
	}

	w = ta.do(t, "POST", "/api/sessions/nowhere/operations", protocol.Operation{Kind: "insert", AuthorID: "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOperations(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.CreateSession("doc", "")
	require.NoError(t, err)
	_, err = ta.registry.JoinSession("doc", "alice", "")
	require.NoError(t, err)

	for i, c := range []string{"a", "b", "c"} {
		ta.submit(t, "doc", protocol.Operation{Kind: "insert", Position: i, Payload: c, AuthorID: "alice", BaseVersion: i})
	}

	w := ta.do(t, "GET", "/api/sessions/doc/operations?since=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Since      int                  `json:"since"`
		Version    int                  `json:"version"`
		Operations []protocol.Operation `json:"operations"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 3, body.Version)
	require.Len(t, body.Operations, 2)
	assert.Equal(t, "b", body.Operations[0].Payload)

	w = ta.do(t, "GET", "/api/sessions/doc/operations?since=4", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ta.do(t, "GET", "/api/sessions/doc/operations?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSessions(t *testing.T) {
	ta := setupTestAPI(t)
	for _, id := range []string{"doc", "notes"} {
		_, err := ta.registry.CreateSession(id, "")
		require.NoError(t, err)
	}
	require.NoError(t, ta.store.SaveSession(context.Background(), "doc", ""))

	w := ta.do(t, "GET", "/api/sessions?limit=500", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []SessionResponse    `json:"sessions"`
		Catalog  []store.SessionRecord `json:"catalog"`
		Limit    int                  `json:"limit"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, "doc", body.Sessions[0].ID)
	assert.Equal(t, 2, body.Sessions[0].Connected)
	assert.Len(t, body.Catalog, 1)
	assert.Equal(t, 20, body.Limit, "out of range limit falls back to the default")
}

func TestCheckpointLifecycle(t *testing.T) {
	ta := setupTestAPI(t)
	_, err := ta.registry.CreateSession("doc", "")
	require.NoError(t, err)
	_, err = ta.registry.JoinSession("doc", "alice", "")
	require.NoError(t, err)

	ta.submit(t, "doc", protocol.Operation{Kind: "insert", Payload: "line one\nline two", AuthorID: "alice"})
	w := ta.do(t, "POST", "/api/sessions/doc/checkpoints", CreateCheckpointRequest{Name: "first", CreatedBy: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[store.Checkpoint](t, w)
	assert.Equal(t, 1, first.Version)

	ta.submit(t, "doc", protocol.Operation{Kind: "delete", Position: 9, Payload: "line two", AuthorID: "alice", BaseVersion: 1})
	ta.submit(t, "doc", protocol.Operation{Kind: "insert", Position: 9, Payload: "line 2", AuthorID: "alice", BaseVersion: 2})

	// Empty body is allowed.
	w = ta.do(t, "POST", "/api/sessions/doc/checkpoints", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	second := decode[store.Checkpoint](t, w)
	assert.Equal(t, "line one\nline 2", second.Content)

	w = ta.do(t, "POST", "/api/sessions/missing/checkpoints", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, "GET", "/api/sessions/doc/checkpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string]any](t, w)
	assert.EqualValues(t, 2, list["total"])

	w = ta.do(t, "GET", fmt.Sprintf("/api/checkpoints/%d", first.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "line one\nline two", decode[store.Checkpoint](t, w).Content)

	w = ta.do(t, "GET", fmt.Sprintf("/api/checkpoints/diff?from=%d&to=%d", first.ID, second.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var diff struct {
		Granularity Granularity `json:"granularity"`
		Diff        []DiffEntry `json:"diff"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&diff))
	assert.Equal(t, ByLine, diff.Granularity)
	assert.Equal(t, []DiffEntry{
		{Type: "unchanged", Content: "line one", Old: 1, New: 1},
		{Type: "removed", Content: "line two", Old: 2},
		{Type: "added", Content: "line 2", New: 2},
	}, diff.Diff)

	w = ta.do(t, "GET", fmt.Sprintf("/api/checkpoints/diff?from=%d&to=%d&granularity=word", first.ID, second.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	diff.Diff = nil
	require.NoError(t, json.NewDecoder(w.Body).Decode(&diff))
	assert.Equal(t, ByWord, diff.Granularity)
	assert.Equal(t, []DiffEntry{
		{Type: "unchanged", Content: "line one\nline ", Old: 1, New: 1},
		{Type: "removed", Content: "two", Old: 7},
		{Type: "added", Content: "2", New: 7},
	}, diff.Diff)

	w = ta.do(t, "GET", fmt.Sprintf("/api/checkpoints/diff?from=%d&to=%d&granularity=page", first.ID, second.ID), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ta.do(t, "GET", "/api/checkpoints/diff?from=x&to=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ta.do(t, "GET", "/api/checkpoints/diff?from=1&to=999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ta.do(t, "DELETE", fmt.Sprintf("/api/checkpoints/%d", first.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ta.do(t, "GET", fmt.Sprintf("/api/checkpoints/%d", first.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestComputeDiff(t *testing.T) {
	entries := func(from, to string, g Granularity) []string {
		t.Helper()
		diff, err := computeDiff(from, to, g)
		require.NoError(t, err)
		var out []string
		for _, e := range diff {
			out = append(out, e.Type+":"+e.Content)
		}
		return out
	}

	tests := []struct {
		name     string
		from, to string
		g        Granularity
		want     []string
	}{
		{"lines", "a\nb\nc", "a\nc\nd", ByLine, []string{"unchanged:a", "removed:b", "unchanged:c", "added:d"}},
		{"same line", "same", "same", ByLine, []string{"unchanged:same"}},
		{"words", "the quick fox", "the slow fox", ByWord, []string{"unchanged:the ", "removed:quick", "added:slow", "unchanged: fox"}},
		{"runes", "héllo", "hallo!", ByRune, []string{"unchanged:h", "removed:é", "added:a", "unchanged:llo", "added:!"}},
		{"empty to text", "", "ab", ByRune, []string{"added:ab"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entries(tt.from, tt.to, tt.g))
		})
	}
}

func TestTokenizeWordsKeepsWhitespace(t *testing.T) {
	tokens := tokenize("  two words\n", ByWord)
	assert.Equal(t, []string{"  ", "two", " ", "words", "\n"}, tokens)
	assert.Equal(t, "  two words\n", strings.Join(tokens, ""))
}

func TestComputeDiffRefusesHugeTables(t *testing.T) {
	big := strings.Repeat("x", 3000)
	_, err := computeDiff(big, big+"y", ByRune)
	assert.ErrorIs(t, err, errDiffTooLarge)

	_, err = computeDiff(big, big+"y", ByLine)
	assert.NoError(t, err)
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, ByLine, g)

	g, err = ParseGranularity("rune")
	require.NoError(t, err)
	assert.Equal(t, ByRune, g)

	_, err = ParseGranularity("sentence")
	assert.Error(t, err)
}

func TestMetricsAndCORS(t *testing.T) {
	ta := setupTestAPI(t)

	w := ta.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = ta.do(t, "OPTIONS", "/api/sessions", nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ta.do(t, "PATCH", "/api/sessions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "Method not allowed"))
}
