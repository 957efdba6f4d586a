// Package types defines shared types for download clients.
package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for download clients.
var (
	ErrNotImplemented    = errors.New("operation not implemented")
	ErrNotFound          = errors.New("download not found")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrTransport         = errors.New("client unreachable")
	ErrUnsupportedClient = errors.New("unsupported client type")
)

// TransportError wraps a network-level failure so callers can tell
// "client unreachable" apart from "item not found".
func TransportError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// IsTransport reports whether err is a network-level failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Protocol represents the download protocol. The values are persisted in the
// history table's provider_type column and must stay stable.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolNZB     Protocol = "nzb"
)

// ClientType identifies a download client implementation.
type ClientType string

const (
	ClientTypeQBittorrent     ClientType = "qbittorrent"
	ClientTypeTransmission    ClientType = "transmission"
	ClientTypeDeluge          ClientType = "deluge"
	ClientTypeRTorrent        ClientType = "rtorrent"
	ClientTypeUTorrent        ClientType = "utorrent"
	ClientTypeDownloadStation ClientType = "downloadstation"
	ClientTypeSABnzbd         ClientType = "sabnzbd"
	ClientTypeNZBGet          ClientType = "nzbget"

	// Blackhole methods drop files into a watch directory. There is no
	// client to poll, so the reconciliation loop skips them.
	ClientTypeTorrentBlackhole ClientType = "blackhole"
	ClientTypeNZBBlackhole     ClientType = "nzb_blackhole"
)

// ProtocolForClient returns the protocol for a given client type.
func ProtocolForClient(clientType ClientType) Protocol {
	switch clientType {
	case ClientTypeQBittorrent, ClientTypeTransmission, ClientTypeDeluge,
		ClientTypeRTorrent, ClientTypeUTorrent, ClientTypeDownloadStation,
		ClientTypeTorrentBlackhole:
		return ProtocolTorrent
	case ClientTypeSABnzbd, ClientTypeNZBGet, ClientTypeNZBBlackhole:
		return ProtocolNZB
	default:
		return ""
	}
}

// IsPollable reports whether the client type exposes an API the
// reconciliation loop can query for status.
func IsPollable(clientType ClientType) bool {
	switch clientType {
	case ClientTypeTorrentBlackhole, ClientTypeNZBBlackhole, "":
		return false
	default:
		return true
	}
}

// StatusFlag is a bitfield describing the composite state of one download.
// The values are persisted in the history table and must never change.
type StatusFlag int

const (
	StatusSnatched      StatusFlag = 0
	StatusPaused        StatusFlag = 1
	StatusDownloading   StatusFlag = 2
	StatusDownloaded    StatusFlag = 4
	StatusSeeded        StatusFlag = 8
	StatusFailed        StatusFlag = 16
	StatusAborted       StatusFlag = 32
	StatusExtracting    StatusFlag = 64
	StatusCompleted     StatusFlag = 128
	StatusPostProcessed StatusFlag = 256
)

// StatusTerminal covers the states that trigger exactly one post-process
// enqueue. Aborted is terminal too but never post-processed.
const StatusTerminal = StatusCompleted | StatusFailed | StatusSeeded

// Has reports whether all bits of flag are set.
func (f StatusFlag) Has(flag StatusFlag) bool {
	if flag == StatusSnatched {
		return f == StatusSnatched
	}
	return f&flag == flag
}

// statusNames is ordered by display priority: when several bits are set the
// highest-priority name wins. Display only; control flow tests bits.
var statusNames = []struct {
	flag StatusFlag
	name string
}{
	{StatusFailed, "Failed"},
	{StatusAborted, "Aborted"},
	{StatusCompleted, "Completed"},
	{StatusSeeded, "Seeded"},
	{StatusDownloading, "Downloading"},
	{StatusPaused, "Paused"},
	{StatusExtracting, "Extracting"},
	{StatusDownloaded, "Downloaded"},
}

// String returns the highest-priority status name for display.
func (f StatusFlag) String() string {
	for _, s := range statusNames {
		if f&s.flag != 0 {
			return s.name
		}
	}
	return "Snatched"
}

// FlagByName looks up a status bit by its display name.
func FlagByName(name string) (StatusFlag, bool) {
	if name == "Snatched" {
		return StatusSnatched, true
	}
	for _, s := range statusNames {
		if s.name == name {
			return s.flag, true
		}
	}
	return 0, false
}

// ClientStatus is the mapped state of one download as reported by a client
// during a single reconciliation pass. Only Status is persisted.
type ClientStatus struct {
	Status      StatusFlag
	Ratio       float64
	Progress    int // percent, 0-100
	Destination string
	Resource    string
}

// Add ORs a status bit into the composite status.
func (cs *ClientStatus) Add(flag StatusFlag) {
	cs.Status |= flag
}

// AddName ORs in the bit for a named flag. Unknown names are ignored and
// reported so one bad vendor response cannot abort a whole poll.
func (cs *ClientStatus) AddName(name string) bool {
	flag, ok := FlagByName(name)
	if !ok {
		return false
	}
	cs.Status |= flag
	return true
}

// Has reports whether the given bit is set.
func (cs *ClientStatus) Has(flag StatusFlag) bool {
	return cs.Status.Has(flag)
}

// HasName reports whether the bit for a named flag is set.
func (cs *ClientStatus) HasName(name string) bool {
	flag, ok := FlagByName(name)
	if !ok {
		return false
	}
	return cs.Status.Has(flag)
}

// SetProgress clamps percent-complete to [0, 100].
func (cs *ClientStatus) SetProgress(progress int) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	cs.Progress = progress
}

// SetRatio stores the share ratio; negative values from broken vendor
// responses are treated as unknown.
func (cs *ClientStatus) SetRatio(ratio float64) {
	if ratio < 0 {
		ratio = 0
	}
	cs.Ratio = ratio
}

func (cs *ClientStatus) String() string {
	return cs.Status.String()
}

// ClientConfig holds configuration for a download client, passed explicitly
// to each constructor.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	APIKey   string // SABnzbd, NZBGet
	UseSSL   bool
	URLBase  string
	Category string // label applied to submitted downloads
	SavePath string // override save location, best-effort
	Paused   bool   // add new downloads paused

	SeedRatio float64       // stop-ratio applied on submit, 0 = client default
	SeedTime  time.Duration // seed-idle limit applied on submit, 0 = client default

	Timeout time.Duration // per-request HTTP/RPC timeout
}

// HTTPTimeout returns the configured timeout or a sane default.
func (c *ClientConfig) HTTPTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 60 * time.Second
}

// Release describes a snatched release being handed to a download client.
type Release struct {
	Name     string
	URL      string // magnet link or http(s) URL to a .torrent/.nzb
	Payload  []byte // raw .torrent or .nzb content
	InfoHash string // known correlation key, may be empty for payloads
	Priority int    // >0 means high priority, best-effort
}

// Client is the contract every download client adapter satisfies.
//
// GetStatus returns ErrNotFound when the item is no longer on the client;
// the caller treats that as "no status change this cycle". Network failures
// are wrapped with ErrTransport and must propagate.
type Client interface {
	Type() ClientType
	Protocol() Protocol

	// TestAuthentication attempts to authenticate and returns a success
	// flag plus a human-readable message.
	TestAuthentication(ctx context.Context) (bool, string)

	// Add submits a release and returns the client-assigned identifier
	// (info hash or queue id). Optional settings from ClientConfig are
	// applied best-effort after submission.
	Add(ctx context.Context, release *Release) (string, error)

	GetStatus(ctx context.Context, infoHash string) (*ClientStatus, error)

	Remove(ctx context.Context, infoHash string) error
	RemoveData(ctx context.Context, infoHash string) error
	Pause(ctx context.Context, infoHash string) error
}

// TorrentClient extends Client with torrent-side housekeeping.
type TorrentClient interface {
	Client

	// RemoveRatioReached scans client-side torrents and removes those whose
	// seed policy is satisfied and whose history row is already finalised,
	// as reported by isFinalised. Clients without the required API return
	// ErrNotImplemented.
	RemoveRatioReached(ctx context.Context, isFinalised func(infoHash string) bool) error
}

// NZBClient marks adapters for usenet download clients.
type NZBClient interface {
	Client
}
