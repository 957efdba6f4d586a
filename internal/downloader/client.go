// Package downloader provides download client abstractions and the
// status reconciliation loop that drives post-processing.
package downloader

import (
	"github.com/pymedusa/medusa/internal/downloader/types"
)

// Re-export types for convenience so callers can use downloader.Client
// instead of types.Client.

type (
	Protocol      = types.Protocol
	ClientType    = types.ClientType
	ClientConfig  = types.ClientConfig
	Client        = types.Client
	TorrentClient = types.TorrentClient
	NZBClient     = types.NZBClient
	Release       = types.Release
	ClientStatus  = types.ClientStatus
	StatusFlag    = types.StatusFlag
)

// Re-export constants.
const (
	ProtocolTorrent = types.ProtocolTorrent
	ProtocolNZB     = types.ProtocolNZB

	StatusSnatched      = types.StatusSnatched
	StatusPaused        = types.StatusPaused
	StatusDownloading   = types.StatusDownloading
	StatusDownloaded    = types.StatusDownloaded
	StatusSeeded        = types.StatusSeeded
	StatusFailed        = types.StatusFailed
	StatusAborted       = types.StatusAborted
	StatusExtracting    = types.StatusExtracting
	StatusCompleted     = types.StatusCompleted
	StatusPostProcessed = types.StatusPostProcessed
	StatusTerminal      = types.StatusTerminal
)

// Re-export errors.
var (
	ErrNotImplemented    = types.ErrNotImplemented
	ErrNotFound          = types.ErrNotFound
	ErrAuthFailed        = types.ErrAuthFailed
	ErrTransport         = types.ErrTransport
	ErrUnsupportedClient = types.ErrUnsupportedClient
)

// Re-export functions.
var (
	ProtocolForClient = types.ProtocolForClient
	IsPollable        = types.IsPollable
)
