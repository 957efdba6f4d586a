package downloader

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
)

// SnatchStore is the slice of the history store the snatch path needs.
type SnatchStore interface {
	Snatched(ctx context.Context, row *history.Row) error
}

// Service hands snatched releases to the configured download clients and
// records them in history so the reconciliation loop picks them up.
type Service struct {
	config HandlerConfig
	store  SnatchStore
	logger zerolog.Logger

	newTorrentClient func(types.ClientType, *types.ClientConfig) (types.TorrentClient, error)
	newNZBClient     func(types.ClientType, *types.ClientConfig) (types.NZBClient, error)
}

// NewService creates the snatch service.
func NewService(cfg HandlerConfig, store SnatchStore, logger zerolog.Logger) *Service {
	return &Service{
		config:           cfg,
		store:            store,
		logger:           logger.With().Str("component", "downloader").Logger(),
		newTorrentClient: NewTorrentClient,
		newNZBClient:     NewNZBClient,
	}
}

// SnatchTorrent derives the info hash, submits the release to the torrent
// client, and records the snatch. The hash is derived before submission:
// a release we cannot correlate later must never reach the client.
func (s *Service) SnatchTorrent(ctx context.Context, release *types.Release, quality string) (*history.Row, error) {
	infoHash, err := InfoHashForRelease(release)
	if err != nil {
		return nil, fmt.Errorf("cannot derive info hash: %w", err)
	}
	release.InfoHash = infoHash

	client, err := s.newTorrentClient(s.config.TorrentMethod, &s.config.TorrentConfig)
	if err != nil {
		return nil, err
	}

	if _, err := client.Add(ctx, release); err != nil {
		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}

	return s.record(ctx, infoHash, release, types.ProtocolTorrent, quality)
}

// SnatchNZB submits the release to the usenet client and records the
// snatch under the client-assigned queue id.
func (s *Service) SnatchNZB(ctx context.Context, release *types.Release, quality string) (*history.Row, error) {
	client, err := s.newNZBClient(s.config.NZBMethod, &s.config.NZBConfig)
	if err != nil {
		return nil, err
	}

	id, err := client.Add(ctx, release)
	if err != nil {
		return nil, fmt.Errorf("failed to add nzb: %w", err)
	}
	if id == "" {
		return nil, fmt.Errorf("nzb client returned no queue id")
	}

	return s.record(ctx, id, release, types.ProtocolNZB, quality)
}

func (s *Service) record(ctx context.Context, key string, release *types.Release, provider types.Protocol, quality string) (*history.Row, error) {
	row := &history.Row{
		InfoHash: key,
		Resource: release.Name,
		Provider: provider,
		Quality:  quality,
	}
	if err := s.store.Snatched(ctx, row); err != nil {
		return nil, fmt.Errorf("snatched but failed to record history: %w", err)
	}

	s.logger.Info().
		Str("resource", release.Name).
		Str("key", key).
		Str("provider", string(provider)).
		Msg("release snatched")
	return row, nil
}

// TestClient builds a throwaway client for the given method and checks its
// credentials.
func (s *Service) TestClient(ctx context.Context, clientType types.ClientType, cfg *types.ClientConfig) (bool, string) {
	var client types.Client
	switch types.ProtocolForClient(clientType) {
	case types.ProtocolTorrent:
		c, err := s.newTorrentClient(clientType, cfg)
		if err != nil {
			return false, err.Error()
		}
		client = c
	case types.ProtocolNZB:
		c, err := s.newNZBClient(clientType, cfg)
		if err != nil {
			return false, err.Error()
		}
		client = c
	default:
		return false, fmt.Sprintf("unknown client type %q", clientType)
	}
	return client.TestAuthentication(ctx)
}

// Abort marks a snatched row aborted and removes the item from its client,
// best-effort. Aborted rows never post-process.
func (s *Service) Abort(ctx context.Context, store HistoryStore, row *history.Row) error {
	if err := store.UpdateStatus(ctx, row.InfoHash, row.ClientStatus|types.StatusAborted); err != nil {
		return err
	}

	var client types.Client
	var err error
	switch row.Provider {
	case types.ProtocolTorrent:
		client, err = s.newTorrentClient(s.config.TorrentMethod, &s.config.TorrentConfig)
	case types.ProtocolNZB:
		client, err = s.newNZBClient(s.config.NZBMethod, &s.config.NZBConfig)
	}
	if err != nil || client == nil {
		return nil
	}
	if err := client.RemoveData(ctx, row.InfoHash); err != nil {
		s.logger.Warn().Err(err).
			Str("infoHash", row.InfoHash).
			Msg("failed to remove aborted item from the client")
	}
	return nil
}
