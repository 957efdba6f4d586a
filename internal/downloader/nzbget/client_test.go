package nzbget

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

// fakeNZBGet runs an httptest server speaking the JSON-RPC protocol behind
// basic auth.
func fakeNZBGet(t *testing.T, queue []queueGroup, history []historyEntry) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "nzbget" || pass != "tegbzn6789" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		var result any
		switch req.Method {
		case "version":
			result = "24.3"
		case "listgroups":
			result = queue
		case "history":
			result = history
		case "append":
			result = 42
		case "editqueue":
			result = true
		default:
			t.Errorf("unexpected RPC method %q", req.Method)
			return
		}
		resp := map[string]any{"result": result, "error": nil, "id": 1}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())

	client := NewFromConfig(&types.ClientConfig{
		Host:     u.Hostname(),
		Port:     port,
		Username: "nzbget",
		Password: "tegbzn6789",
	})
	return client, server
}

func TestTestAuthentication(t *testing.T) {
	client, _ := fakeNZBGet(t, nil, nil)

	ok, msg := client.TestAuthentication(t.Context())
	if !ok {
		t.Fatalf("TestAuthentication() failed: %s", msg)
	}
}

func TestTestAuthenticationBadCredentials(t *testing.T) {
	client, _ := fakeNZBGet(t, nil, nil)
	client.config.Password = "wrong"

	ok, _ := client.TestAuthentication(t.Context())
	if ok {
		t.Fatal("expected authentication to fail with wrong password")
	}
}

func TestAddReturnsNZBID(t *testing.T) {
	client, _ := fakeNZBGet(t, nil, nil)

	id, err := client.Add(t.Context(), &types.Release{
		Name:    "Some.Show.S01E01",
		Payload: []byte("<nzb></nzb>"),
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if id != "42" {
		t.Errorf("id = %q, want the assigned NZBID", id)
	}
}

func TestGetStatusQueueAndHistory(t *testing.T) {
	queue := []queueGroup{
		{NZBID: 1, NZBName: "downloading", Status: "DOWNLOADING", FileSizeLo: 1000, DownloadedSizeLo: 420},
		{NZBID: 2, NZBName: "paused", Status: "PAUSED", FileSizeLo: 1000, DownloadedSizeLo: 100},
		{NZBID: 3, NZBName: "unpacking", Status: "UNPACKING", FileSizeLo: 1000, DownloadedSizeLo: 1000},
	}
	history := []historyEntry{
		{NZBID: 4, Name: "completed", Status: "SUCCESS/UNPACK", DestDir: "/downloads/complete"},
		{NZBID: 5, Name: "failed", Status: "FAILURE/PAR"},
		{NZBID: 6, Name: "deleted", Status: "DELETED/MANUAL"},
	}
	client, _ := fakeNZBGet(t, queue, history)

	tests := []struct {
		id   string
		want types.StatusFlag
	}{
		{"1", types.StatusDownloading},
		{"2", types.StatusPaused},
		{"3", types.StatusExtracting},
		{"4", types.StatusCompleted},
		{"5", types.StatusFailed},
		{"6", types.StatusAborted},
	}
	for _, tt := range tests {
		status, err := client.GetStatus(t.Context(), tt.id)
		if err != nil {
			t.Fatalf("GetStatus(%s) failed: %v", tt.id, err)
		}
		if status.Status != tt.want {
			t.Errorf("GetStatus(%s) = %s (%d), want %d", tt.id, status, status.Status, tt.want)
		}
	}
}

func TestGetStatusNotFound(t *testing.T) {
	client, _ := fakeNZBGet(t, nil, nil)

	_, err := client.GetStatus(t.Context(), "99")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusTransportError(t *testing.T) {
	client, server := fakeNZBGet(t, nil, nil)
	server.Close()

	_, err := client.GetStatus(t.Context(), "1")
	if !types.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRemoveAndPause(t *testing.T) {
	client, _ := fakeNZBGet(t, nil, nil)

	if err := client.Remove(t.Context(), "1"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := client.Pause(t.Context(), "1"); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
}
