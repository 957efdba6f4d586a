package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

// ErrNotFound is returned when no history row matches an info hash.
var ErrNotFound = errors.New("history row not found")

const rowColumns = "id, info_hash, resource, client_status, provider_type, quality, date"

// Store provides history table access. All mutation of client_status goes
// through UpdateStatus so the reconciliation loop is the single writer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a history store.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Snatched records a freshly snatched release with the default status.
func (s *Store) Snatched(ctx context.Context, row *Row) error {
	if row.Date.IsZero() {
		row.Date = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO history (info_hash, resource, client_status, provider_type, quality, date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.InfoHash, row.Resource, int(row.ClientStatus), string(row.Provider), row.Quality, row.Date,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history row: %w", err)
	}
	row.ID, _ = result.LastInsertId()
	return nil
}

// Get returns the row for an info hash.
func (s *Store) Get(ctx context.Context, infoHash string) (*Row, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM history WHERE info_hash = ?`, infoHash)
	return scanRow(row)
}

// Pending returns the rows of one provider type that still need polling:
// everything not yet finalised (post-processed or aborted).
func (s *Store) Pending(ctx context.Context, provider types.Protocol) ([]*Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM history
		 WHERE provider_type = ?
		   AND client_status & ? = 0
		   AND client_status & ? = 0
		 ORDER BY date`,
		string(provider), int(types.StatusPostProcessed), int(types.StatusAborted),
	)
}

// AwaitingPostProcess returns rows whose persisted status includes a
// terminal bit but not the post-processed overlay.
func (s *Store) AwaitingPostProcess(ctx context.Context, provider types.Protocol) ([]*Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM history
		 WHERE provider_type = ?
		   AND client_status & ? != 0
		   AND client_status & ? = 0
		 ORDER BY date`,
		string(provider), int(types.StatusTerminal), int(types.StatusPostProcessed),
	)
}

// Finalised returns the info hashes of rows that have completed the full
// lifecycle, used by ratio-based client cleanup.
func (s *Store) Finalised(ctx context.Context, provider types.Protocol) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT info_hash FROM history WHERE provider_type = ? AND client_status & ? != 0`,
		string(provider), int(types.StatusPostProcessed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query finalised rows: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes[hash] = struct{}{}
	}
	return hashes, rows.Err()
}

// UpdateStatus persists a new status bitfield for an info hash.
func (s *Store) UpdateStatus(ctx context.Context, infoHash string, status types.StatusFlag) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE history SET client_status = ? WHERE info_hash = ?`,
		int(status), infoHash,
	)
	if err != nil {
		return fmt.Errorf("failed to update history status: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	s.logger.Debug().
		Str("infoHash", infoHash).
		Str("status", status.String()).
		Int("bits", int(status)).
		Msg("persisted status transition")
	return nil
}

// Purge deletes the row for an info hash. Used as a recovery action when a
// snatched payload turns out to be undecodable.
func (s *Store) Purge(ctx context.Context, infoHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE info_hash = ?`, infoHash)
	if err != nil {
		return fmt.Errorf("failed to purge history row: %w", err)
	}
	return nil
}

// List returns the most recent rows for API consumption.
func (s *Store) List(ctx context.Context, limit int) ([]*Row, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM history ORDER BY date DESC LIMIT ?`, limit)
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var result []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*Row, error) {
	var (
		row      Row
		status   int
		provider string
		quality  sql.NullString
	)
	err := sc.Scan(&row.ID, &row.InfoHash, &row.Resource, &status, &provider, &quality, &row.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}
	row.ClientStatus = types.StatusFlag(status)
	row.Provider = types.Protocol(provider)
	row.Quality = quality.String
	return &row, nil
}
