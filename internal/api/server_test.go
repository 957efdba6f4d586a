package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/auth"
	"github.com/pymedusa/medusa/internal/config"
	"github.com/pymedusa/medusa/internal/database"
	"github.com/pymedusa/medusa/internal/downloader"
	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
	"github.com/pymedusa/medusa/internal/postprocess"
	"github.com/pymedusa/medusa/internal/scheduler"
	"github.com/pymedusa/medusa/internal/websocket"
)

func newTestServer(t *testing.T, username, password string) (*Server, *history.Store) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "medusa.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := zerolog.Nop()
	store := history.NewStore(db.Conn(), logger)

	authService, err := auth.NewService(username, password, "test-secret")
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	sched, err := scheduler.New(logger)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	hub := websocket.NewHub(logger)
	go hub.Run()

	queue := postprocess.NewQueue(
		postprocess.ProcessorFunc(func(context.Context, downloader.ProcessJob) error { return nil }),
		4, 1, logger)

	handlerCfg := downloader.HandlerConfig{}
	snatcher := downloader.NewService(handlerCfg, store, logger)
	handler := downloader.NewHandler(handlerCfg, store, queue, logger)

	server := NewServer(&config.Config{}, store, snatcher, handler, queue, sched, hub, authService, logger)
	return server, store
}

func doRequest(server *Server, method, target, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	server, _ := newTestServer(t, "", "")

	rec := doRequest(server, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t, "admin", "hunter2")

	rec := doRequest(server, http.MethodGet, "/api/v1/history", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request = %d, want 401", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, "/api/v1/auth/login", "",
		`{"username":"admin","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login = %d, want 401", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, "/api/v1/auth/login", "",
		`{"username":"admin","password":"hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("login response missing token: %s", rec.Body.String())
	}

	rec = doRequest(server, http.MethodGet, "/api/v1/history", login.Token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated request = %d, want 200", rec.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	server, store := newTestServer(t, "", "")

	row := &history.Row{
		InfoHash: "aabbccddeeff00112233445566778899aabbccdd",
		Resource: "Some.Show.S01E01.1080p",
		Provider: types.ProtocolTorrent,
		Quality:  "1080p",
	}
	if err := store.Snatched(t.Context(), row); err != nil {
		t.Fatalf("failed to seed history: %v", err)
	}

	rec := doRequest(server, http.MethodGet, "/api/v1/history", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /history = %d, want 200", rec.Code)
	}
	var rows []history.Row
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("failed to decode rows: %v", err)
	}
	if len(rows) != 1 || rows[0].InfoHash != row.InfoHash {
		t.Errorf("listed rows = %+v, want the seeded row", rows)
	}

	rec = doRequest(server, http.MethodGet, "/api/v1/history/"+row.InfoHash, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /history/:key = %d, want 200", rec.Code)
	}

	rec = doRequest(server, http.MethodGet, "/api/v1/history/0000000000000000000000000000000000000000", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing row = %d, want 404", rec.Code)
	}

	rec = doRequest(server, http.MethodDelete, "/api/v1/history/"+row.InfoHash, "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /history/:key = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	stored, err := store.Get(t.Context(), row.InfoHash)
	if err != nil {
		t.Fatalf("failed to re-read row: %v", err)
	}
	if !stored.ClientStatus.Has(types.StatusAborted) {
		t.Errorf("row status = %s, want aborted bit set", stored.ClientStatus)
	}
}

func TestSnatchRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t, "", "")

	rec := doRequest(server, http.MethodPost, "/api/v1/snatch", "",
		`{"protocol":"carrier-pigeon","name":"x","url":"http://example"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad protocol = %d, want 400", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, "/api/v1/snatch", "",
		`{"protocol":"torrent"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields = %d, want 400", rec.Code)
	}
}

func TestTaskEndpoints(t *testing.T) {
	server, _ := newTestServer(t, "", "")

	rec := doRequest(server, http.MethodGet, "/api/v1/tasks", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /tasks = %d, want 200", rec.Code)
	}

	rec = doRequest(server, http.MethodPost, "/api/v1/tasks/nope/run", "", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("run unknown task = %d, want 409", rec.Code)
	}
}
