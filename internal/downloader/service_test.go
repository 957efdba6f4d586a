package downloader

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
)

type recordingStore struct {
	rows []*history.Row
}

func (s *recordingStore) Snatched(_ context.Context, row *history.Row) error {
	s.rows = append(s.rows, row)
	return nil
}

type addRecordingClient struct {
	fakeClient
	added []*types.Release
	addID string
}

func (c *addRecordingClient) Add(_ context.Context, release *types.Release) (string, error) {
	c.added = append(c.added, release)
	return c.addID, nil
}

func newTestService(store *recordingStore, client *addRecordingClient) *Service {
	service := NewService(HandlerConfig{
		TorrentMethod: types.ClientTypeTransmission,
		NZBMethod:     types.ClientTypeSABnzbd,
	}, store, zerolog.Nop())
	service.newTorrentClient = func(types.ClientType, *types.ClientConfig) (types.TorrentClient, error) {
		return client, nil
	}
	service.newNZBClient = func(types.ClientType, *types.ClientConfig) (types.NZBClient, error) {
		return client, nil
	}
	return service
}

func TestSnatchTorrentDerivesHashBeforeAdd(t *testing.T) {
	store := &recordingStore{}
	client := &addRecordingClient{}
	service := newTestService(store, client)

	row, err := service.SnatchTorrent(t.Context(), &types.Release{
		Name: "Some.Show.S01E01",
		URL:  "magnet:?xt=urn:btih:AABB00000000000000000000000000000000CCDD&dn=x",
	}, "1080p")
	if err != nil {
		t.Fatalf("SnatchTorrent() failed: %v", err)
	}

	if row.InfoHash != "aabb00000000000000000000000000000000ccdd" {
		t.Errorf("row hash = %q, want derived lowercase hash", row.InfoHash)
	}
	if row.ClientStatus != types.StatusSnatched {
		t.Errorf("row status = %d, want snatched", row.ClientStatus)
	}
	if len(client.added) != 1 || client.added[0].InfoHash != row.InfoHash {
		t.Errorf("client saw release %+v, want the derived hash filled in", client.added)
	}
	if len(store.rows) != 1 {
		t.Errorf("recorded %d rows, want 1", len(store.rows))
	}
}

func TestSnatchTorrentUndecodableNeverReachesClient(t *testing.T) {
	store := &recordingStore{}
	client := &addRecordingClient{}
	service := newTestService(store, client)

	_, err := service.SnatchTorrent(t.Context(), &types.Release{
		Name:    "garbage",
		Payload: []byte("this is not bencode"),
	}, "")
	if err == nil || !strings.Contains(err.Error(), "info hash") {
		t.Fatalf("expected info hash error, got %v", err)
	}
	if len(client.added) != 0 {
		t.Error("undecodable release was submitted to the client")
	}
	if len(store.rows) != 0 {
		t.Error("undecodable release was recorded in history")
	}
}

func TestSnatchNZBUsesQueueID(t *testing.T) {
	store := &recordingStore{}
	client := &addRecordingClient{addID: "SABnzbd_nzo_p86tgx"}
	service := newTestService(store, client)

	row, err := service.SnatchNZB(t.Context(), &types.Release{
		Name: "Some.Show.S01E01",
		URL:  "https://indexer.example/get/123.nzb",
	}, "720p")
	if err != nil {
		t.Fatalf("SnatchNZB() failed: %v", err)
	}
	if row.InfoHash != "SABnzbd_nzo_p86tgx" {
		t.Errorf("row key = %q, want the client queue id", row.InfoHash)
	}
	if row.Provider != types.ProtocolNZB {
		t.Errorf("row provider = %q, want nzb", row.Provider)
	}
}

func TestTestClientDispatchesByProtocol(t *testing.T) {
	service := newTestService(&recordingStore{}, &addRecordingClient{})

	ok, _ := service.TestClient(t.Context(), types.ClientTypeTransmission, &types.ClientConfig{})
	if !ok {
		t.Error("torrent client test failed")
	}
	ok, msg := service.TestClient(t.Context(), "definitely-not-a-client", &types.ClientConfig{})
	if ok || !strings.Contains(msg, "unknown client type") {
		t.Errorf("unknown client test = (%v, %q)", ok, msg)
	}
}
