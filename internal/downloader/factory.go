package downloader

import (
	"fmt"

	"github.com/pymedusa/medusa/internal/downloader/deluge"
	"github.com/pymedusa/medusa/internal/downloader/downloadstation"
	"github.com/pymedusa/medusa/internal/downloader/nzbget"
	"github.com/pymedusa/medusa/internal/downloader/qbittorrent"
	"github.com/pymedusa/medusa/internal/downloader/rtorrent"
	"github.com/pymedusa/medusa/internal/downloader/sabnzbd"
	"github.com/pymedusa/medusa/internal/downloader/transmission"
	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/downloader/utorrent"
)

// TorrentConstructor builds a torrent client from explicit configuration.
type TorrentConstructor func(cfg *types.ClientConfig) types.TorrentClient

// NZBConstructor builds an nzb client from explicit configuration.
type NZBConstructor func(cfg *types.ClientConfig) types.NZBClient

// The registries map configured method names to constructors, replacing
// lookup-by-string imports with an explicit table.
var (
	torrentRegistry = map[types.ClientType]TorrentConstructor{
		types.ClientTypeQBittorrent:     func(cfg *types.ClientConfig) types.TorrentClient { return qbittorrent.NewFromConfig(cfg) },
		types.ClientTypeTransmission:    func(cfg *types.ClientConfig) types.TorrentClient { return transmission.NewFromConfig(cfg) },
		types.ClientTypeDeluge:          func(cfg *types.ClientConfig) types.TorrentClient { return deluge.NewFromConfig(cfg) },
		types.ClientTypeRTorrent:        func(cfg *types.ClientConfig) types.TorrentClient { return rtorrent.NewFromConfig(cfg) },
		types.ClientTypeUTorrent:        func(cfg *types.ClientConfig) types.TorrentClient { return utorrent.NewFromConfig(cfg) },
		types.ClientTypeDownloadStation: func(cfg *types.ClientConfig) types.TorrentClient { return downloadstation.NewFromConfig(cfg) },
	}

	nzbRegistry = map[types.ClientType]NZBConstructor{
		types.ClientTypeSABnzbd: func(cfg *types.ClientConfig) types.NZBClient { return sabnzbd.NewFromConfig(cfg) },
		types.ClientTypeNZBGet:  func(cfg *types.ClientConfig) types.NZBClient { return nzbget.NewFromConfig(cfg) },
	}
)

// NewTorrentClient creates a torrent client for the configured method.
func NewTorrentClient(clientType types.ClientType, cfg *types.ClientConfig) (types.TorrentClient, error) {
	construct, ok := torrentRegistry[clientType]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a torrent client", types.ErrUnsupportedClient, clientType)
	}
	return construct(cfg), nil
}

// NewNZBClient creates an nzb client for the configured method.
func NewNZBClient(clientType types.ClientType, cfg *types.ClientConfig) (types.NZBClient, error) {
	construct, ok := nzbRegistry[clientType]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an nzb client", types.ErrUnsupportedClient, clientType)
	}
	return construct(cfg), nil
}

// SupportedTorrentMethods returns the registered torrent client types.
func SupportedTorrentMethods() []types.ClientType {
	methods := make([]types.ClientType, 0, len(torrentRegistry))
	for clientType := range torrentRegistry {
		methods = append(methods, clientType)
	}
	return methods
}

// SupportedNZBMethods returns the registered nzb client types.
func SupportedNZBMethods() []types.ClientType {
	methods := make([]types.ClientType, 0, len(nzbRegistry))
	for clientType := range nzbRegistry {
		methods = append(methods, clientType)
	}
	return methods
}
