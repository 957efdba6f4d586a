package deluge

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

// fakeDeluge runs an httptest server speaking the Deluge web UI JSON-RPC,
// requiring auth.login before any other method.
func fakeDeluge(t *testing.T, torrents map[string]any) (*Client, *httptest.Server) {
	t.Helper()

	const password = "deluge"
	authenticated := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
			ID     int    `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}

		write := func(result any, rpcErr any) {
			resp := map[string]any{"result": result, "error": rpcErr, "id": req.ID}
			if err := json.NewEncoder(w).Encode(resp); err != nil {
				t.Errorf("failed to encode response: %v", err)
			}
		}

		if req.Method == "auth.login" {
			authenticated = len(req.Params) == 1 && req.Params[0] == password
			write(authenticated, nil)
			return
		}
		if !authenticated {
			write(nil, map[string]any{"message": "Not authenticated", "code": 1})
			return
		}

		switch req.Method {
		case "web.connected":
			write(true, nil)
		case "daemon.get_version":
			write("2.1.1", nil)
		case "web.update_ui":
			write(map[string]any{"torrents": torrents}, nil)
		case "core.add_torrent_magnet":
			write("AABB00000000000000000000000000000000CCDD", nil)
		case "core.remove_torrent", "core.pause_torrent", "label.set_torrent":
			write(true, nil)
		default:
			t.Errorf("unexpected RPC method %q", req.Method)
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
		Password: password,
	})
	return client, server
}

func TestTestAuthentication(t *testing.T) {
	client, _ := fakeDeluge(t, nil)

	ok, msg := client.TestAuthentication(t.Context())
	if !ok {
		t.Fatalf("TestAuthentication() failed: %s", msg)
	}
}

func TestTestAuthenticationBadPassword(t *testing.T) {
	client, _ := fakeDeluge(t, nil)
	client.config.Password = "wrong"

	ok, _ := client.TestAuthentication(t.Context())
	if ok {
		t.Fatal("expected authentication to fail with wrong password")
	}
}

func TestAddMagnetReauthenticates(t *testing.T) {
	// No prior login; the auth-error retry path must kick in transparently.
	client, _ := fakeDeluge(t, nil)

	hash, err := client.Add(t.Context(), &types.Release{
		Name: "Some.Show.S01E01",
		URL:  "magnet:?xt=urn:btih:aabb00000000000000000000000000000000ccdd",
	})
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if hash != "aabb00000000000000000000000000000000ccdd" {
		t.Errorf("hash = %q, want lowercased", hash)
	}
}

func TestGetStatusMapping(t *testing.T) {
	torrents := map[string]any{
		"dl": map[string]any{
			"name": "downloading", "state": "Downloading", "progress": 42.0,
			"total_done": 420.0, "total_size": 1000.0, "ratio": 0.0,
		},
		"done": map[string]any{
			// Seeding after completion; byte counts decide Completed.
			"name": "completed", "state": "Seeding", "progress": 100.0,
			"total_done": 1000.0, "total_size": 1000.0, "ratio": 0.5,
		},
		"seeded": map[string]any{
			"name": "ratio reached", "state": "Seeding", "progress": 100.0,
			"total_done": 1000.0, "total_size": 1000.0, "ratio": 2.5,
			"stop_at_ratio": true, "stop_ratio": 2.0,
		},
		"bad": map[string]any{
			"name": "tracker error", "state": "Error", "progress": 10.0,
			"total_done": 100.0, "total_size": 1000.0, "message": "unregistered torrent",
		},
		"stopped": map[string]any{
			"name": "paused", "state": "Paused", "progress": 30.0,
			"total_done": 300.0, "total_size": 1000.0,
		},
	}
	client, _ := fakeDeluge(t, torrents)

	tests := []struct {
		hash string
		want types.StatusFlag
	}{
		{"dl", types.StatusDownloading},
		{"done", types.StatusCompleted},
		{"seeded", types.StatusCompleted | types.StatusSeeded},
		{"bad", types.StatusFailed},
		{"stopped", types.StatusPaused},
	}
	for _, tt := range tests {
		status, err := client.GetStatus(t.Context(), tt.hash)
		if err != nil {
			t.Fatalf("GetStatus(%s) failed: %v", tt.hash, err)
		}
		if status.Status != tt.want {
			t.Errorf("GetStatus(%s) = %s (%d), want %d", tt.hash, status, status.Status, tt.want)
		}
	}
}

func TestGetStatusNotFound(t *testing.T) {
	client, _ := fakeDeluge(t, map[string]any{})

	_, err := client.GetStatus(t.Context(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusTransportError(t *testing.T) {
	client, server := fakeDeluge(t, nil)
	server.Close()

	_, err := client.GetStatus(t.Context(), "any")
	if !types.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRemoveRatioReached(t *testing.T) {
	torrents := map[string]any{
		"ripe": map[string]any{
			"name": "finalised and seeded", "state": "Seeding",
			"total_done": 1000.0, "total_size": 1000.0,
			"ratio": 3.0, "stop_at_ratio": true, "stop_ratio": 2.0,
		},
		"young": map[string]any{
			"name": "still seeding", "state": "Seeding",
			"total_done": 1000.0, "total_size": 1000.0,
			"ratio": 0.5, "stop_at_ratio": true, "stop_ratio": 2.0,
		},
	}
	client, _ := fakeDeluge(t, torrents)

	err := client.RemoveRatioReached(t.Context(), func(hash string) bool {
		return hash == "ripe"
	})
	if err != nil {
		t.Fatalf("RemoveRatioReached() failed: %v", err)
	}
}
