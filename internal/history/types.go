// Package history persists the snatch history that drives status
// reconciliation.
package history

import (
	"time"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

// Row is one snatched release in the history table. InfoHash correlates the
// row with a live item on the download client and is unique among rows that
// have not been finalised.
type Row struct {
	ID           int64            `json:"id"`
	InfoHash     string           `json:"infoHash"`
	Resource     string           `json:"resource"`
	ClientStatus types.StatusFlag `json:"clientStatus"`
	Provider     types.Protocol   `json:"providerType"`
	Quality      string           `json:"quality,omitempty"`
	Date         time.Time        `json:"date"`
}

// StatusName returns the display name of the persisted status.
func (r *Row) StatusName() string {
	return r.ClientStatus.String()
}

// Finalised reports whether this row needs no further reconciliation: its
// terminal state has already triggered post-processing, or it was aborted.
func (r *Row) Finalised() bool {
	return r.ClientStatus.Has(types.StatusPostProcessed) || r.ClientStatus.Has(types.StatusAborted)
}

// AwaitingPostProcess reports whether the row reached a terminal state that
// has not yet triggered post-processing.
func (r *Row) AwaitingPostProcess() bool {
	return r.ClientStatus&types.StatusTerminal != 0 && !r.ClientStatus.Has(types.StatusPostProcessed)
}
