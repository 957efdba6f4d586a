package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
)

// HistoryStore is the slice of the history store the reconciler needs.
type HistoryStore interface {
	Pending(ctx context.Context, provider types.Protocol) ([]*history.Row, error)
	AwaitingPostProcess(ctx context.Context, provider types.Protocol) ([]*history.Row, error)
	Finalised(ctx context.Context, provider types.Protocol) (map[string]struct{}, error)
	UpdateStatus(ctx context.Context, infoHash string, status types.StatusFlag) error
}

// ProcessJob describes one completed (or failed) download handed to the
// post-processing pipeline.
type ProcessJob struct {
	InfoHash string
	Resource string
	Path     string
	Failed   bool
}

// ProcessQueue accepts completed downloads for post-processing. Enqueue
// must be idempotent per info hash while a job is in flight.
type ProcessQueue interface {
	Enqueue(ctx context.Context, job ProcessJob) error
}

// StatusListener observes status transitions, e.g. to push them over a
// websocket or fire notifications.
type StatusListener interface {
	StatusChanged(row *history.Row, status *types.ClientStatus)
}

// HandlerConfig selects the clients one reconciliation pass talks to.
type HandlerConfig struct {
	TorrentMethod types.ClientType
	TorrentConfig types.ClientConfig
	NZBMethod     types.ClientType
	NZBConfig     types.ClientConfig
}

// Handler reconciles persisted history statuses against the live state of
// the configured download clients. One pass polls torrents and nzbs in
// independent error scopes, hands terminal downloads to post-processing
// exactly once, and asks the torrent client to clean up seeded items.
type Handler struct {
	config    HandlerConfig
	store     HistoryStore
	queue     ProcessQueue
	listeners []StatusListener
	logger    zerolog.Logger

	newTorrentClient func(types.ClientType, *types.ClientConfig) (types.TorrentClient, error)
	newNZBClient     func(types.ClientType, *types.ClientConfig) (types.NZBClient, error)

	amActive atomic.Bool
}

// NewHandler creates a reconciliation handler.
func NewHandler(cfg HandlerConfig, store HistoryStore, queue ProcessQueue, logger zerolog.Logger) *Handler {
	return &Handler{
		config:           cfg,
		store:            store,
		queue:            queue,
		logger:           logger.With().Str("component", "downloadhandler").Logger(),
		newTorrentClient: NewTorrentClient,
		newNZBClient:     NewNZBClient,
	}
}

// AddListener registers a status transition observer. Not safe to call
// concurrently with Run.
func (h *Handler) AddListener(listener StatusListener) {
	h.listeners = append(h.listeners, listener)
}

// Run executes one reconciliation pass. An invocation while another pass
// is active does nothing: the history table has a single writer. Errors
// are reported per-family, so a dead torrent client never hides nzb
// progress.
func (h *Handler) Run(ctx context.Context) error {
	if !h.amActive.CompareAndSwap(false, true) {
		h.logger.Debug().Msg("previous reconciliation pass still running, skipping")
		return nil
	}
	defer h.amActive.Store(false)

	if err := h.checkTorrents(ctx); err != nil {
		h.logger.Error().Err(err).Msg("torrent reconciliation pass aborted")
	}
	if err := h.checkNZBs(ctx); err != nil {
		h.logger.Error().Err(err).Msg("nzb reconciliation pass aborted")
	}
	return nil
}

// checkTorrents reconciles the torrent family and runs ratio cleanup.
func (h *Handler) checkTorrents(ctx context.Context) error {
	if !types.IsPollable(h.config.TorrentMethod) {
		return nil
	}

	// Clients are built fresh each pass so config changes apply without a
	// restart and a wedged session never outlives one cycle.
	client, err := h.newTorrentClient(h.config.TorrentMethod, &h.config.TorrentConfig)
	if err != nil {
		return err
	}

	statuses, err := h.pollFamily(ctx, client, types.ProtocolTorrent)
	if err != nil {
		return err
	}
	if err := h.checkPostProcess(ctx, types.ProtocolTorrent, statuses); err != nil {
		return err
	}
	return h.removeRatioReached(ctx, client)
}

// checkNZBs reconciles the usenet family.
func (h *Handler) checkNZBs(ctx context.Context) error {
	if !types.IsPollable(h.config.NZBMethod) {
		return nil
	}

	client, err := h.newNZBClient(h.config.NZBMethod, &h.config.NZBConfig)
	if err != nil {
		return err
	}

	statuses, err := h.pollFamily(ctx, client, types.ProtocolNZB)
	if err != nil {
		return err
	}
	return h.checkPostProcess(ctx, types.ProtocolNZB, statuses)
}

// pollFamily polls every pending row of one provider type and persists
// status transitions. A transport failure aborts the family pass, since
// every remaining lookup would hit the same dead client; any other per-row
// failure is logged and skipped so one bad item cannot starve the rest.
func (h *Handler) pollFamily(ctx context.Context, client types.Client, provider types.Protocol) (map[string]*types.ClientStatus, error) {
	rows, err := h.store.Pending(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending history: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	h.logger.Debug().
		Str("provider", string(provider)).
		Str("client", string(client.Type())).
		Int("pending", len(rows)).
		Msg("polling download client")

	statuses := make(map[string]*types.ClientStatus, len(rows))
	for _, row := range rows {
		status, err := client.GetStatus(ctx, row.InfoHash)
		switch {
		case errors.Is(err, types.ErrNotFound):
			// Removed on the client side; leave the row as-is so a
			// re-added item picks up where it left off.
			h.logger.Debug().
				Str("infoHash", row.InfoHash).
				Str("resource", row.Resource).
				Msg("item no longer on the download client")
			continue
		case types.IsTransport(err):
			return statuses, err
		case errors.Is(err, types.ErrNotImplemented):
			h.logger.Warn().
				Str("client", string(client.Type())).
				Msg("download client does not support status lookups")
			return statuses, nil
		case err != nil:
			h.logger.Error().Err(err).
				Str("infoHash", row.InfoHash).
				Str("resource", row.Resource).
				Msg("failed to read item status, skipping")
			continue
		}

		statuses[row.InfoHash] = status
		if err := h.updateStatus(ctx, row, status); err != nil {
			h.logger.Error().Err(err).
				Str("infoHash", row.InfoHash).
				Msg("failed to persist status transition")
		}
	}
	return statuses, nil
}

// updateStatus persists the polled status when it differs from the stored
// one. The post-processed overlay never comes from a client, so it cannot
// be cleared here: rows carrying it are excluded from Pending entirely.
func (h *Handler) updateStatus(ctx context.Context, row *history.Row, status *types.ClientStatus) error {
	if status.Status == row.ClientStatus {
		return nil
	}

	h.logger.Info().
		Str("resource", row.Resource).
		Str("from", row.ClientStatus.String()).
		Str("to", status.Status.String()).
		Msg("download status changed")

	if err := h.store.UpdateStatus(ctx, row.InfoHash, status.Status); err != nil {
		return err
	}
	row.ClientStatus = status.Status

	for _, listener := range h.listeners {
		listener.StatusChanged(row, status)
	}
	return nil
}

// checkPostProcess hands every row whose terminal state was confirmed by
// this pass's poll to the post-processing queue, then marks it
// post-processed. A row the client no longer reports is deferred rather
// than imported blind with no download path. Ordering matters: the
// overlay bit is persisted only after the enqueue is accepted, so a crash
// in between re-enqueues on the next pass rather than losing the
// download. The queue de-duplicates in-flight hashes to keep that safe.
func (h *Handler) checkPostProcess(ctx context.Context, provider types.Protocol, statuses map[string]*types.ClientStatus) error {
	rows, err := h.store.AwaitingPostProcess(ctx, provider)
	if err != nil {
		return fmt.Errorf("failed to load rows awaiting post-processing: %w", err)
	}

	for _, row := range rows {
		status := statuses[row.InfoHash]
		if status == nil {
			h.logger.Debug().
				Str("infoHash", row.InfoHash).
				Str("resource", row.Resource).
				Msg("terminal row not confirmed by this pass, deferring post-processing")
			continue
		}

		job := ProcessJob{
			InfoHash: row.InfoHash,
			Resource: row.Resource,
			Path:     status.Destination,
			Failed:   row.ClientStatus.Has(types.StatusFailed),
		}
		if status.Resource != "" {
			job.Resource = status.Resource
		}

		if err := h.queue.Enqueue(ctx, job); err != nil {
			h.logger.Error().Err(err).
				Str("resource", job.Resource).
				Msg("failed to enqueue post-processing job")
			continue
		}

		newStatus := row.ClientStatus | types.StatusPostProcessed
		if err := h.store.UpdateStatus(ctx, row.InfoHash, newStatus); err != nil {
			h.logger.Error().Err(err).
				Str("infoHash", row.InfoHash).
				Msg("failed to mark row post-processed")
			continue
		}
		row.ClientStatus = newStatus

		h.logger.Info().
			Str("resource", job.Resource).
			Bool("failed", job.Failed).
			Msg("queued download for post-processing")
	}
	return nil
}

// removeRatioReached lets the torrent client clean up items that finished
// seeding, restricted to rows the pipeline is fully done with.
func (h *Handler) removeRatioReached(ctx context.Context, client types.TorrentClient) error {
	finalised, err := h.store.Finalised(ctx, types.ProtocolTorrent)
	if err != nil {
		return fmt.Errorf("failed to load finalised history: %w", err)
	}
	if len(finalised) == 0 {
		return nil
	}

	err = client.RemoveRatioReached(ctx, func(infoHash string) bool {
		_, ok := finalised[infoHash]
		return ok
	})
	if errors.Is(err, types.ErrNotImplemented) {
		h.logger.Debug().
			Str("client", string(client.Type())).
			Msg("client does not support ratio cleanup")
		return nil
	}
	return err
}
