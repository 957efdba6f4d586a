package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pymedusa/medusa/internal/downloader/types"
	"github.com/pymedusa/medusa/internal/history"
)

// Service fans events out to all configured notifiers. It also acts as a
// reconciliation status listener, translating terminal transitions into
// events.
type Service struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewService creates a notification service.
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier registers a destination. Not safe to call concurrently with
// event dispatch.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Snatched fires a snatch event for a newly recorded download.
func (s *Service) Snatched(row *history.Row) {
	s.dispatch(Event{
		Type:      EventSnatch,
		Key:       row.InfoHash,
		Resource:  row.Resource,
		Provider:  string(row.Provider),
		Quality:   row.Quality,
		Timestamp: time.Now().UTC(),
	})
}

// StatusChanged translates terminal status transitions into events.
// Intermediate states (downloading, paused, extracting) stay quiet.
func (s *Service) StatusChanged(row *history.Row, status *types.ClientStatus) {
	var eventType EventType
	switch {
	case status.Status.Has(types.StatusFailed):
		eventType = EventFailed
	case status.Status.Has(types.StatusSeeded):
		eventType = EventSeeded
	case status.Status.Has(types.StatusCompleted):
		eventType = EventDownloaded
	default:
		return
	}

	resource := row.Resource
	if status.Resource != "" {
		resource = status.Resource
	}
	s.dispatch(Event{
		Type:      eventType,
		Key:       row.InfoHash,
		Resource:  resource,
		Provider:  string(row.Provider),
		Quality:   row.Quality,
		Status:    status.Status.String(),
		Timestamp: time.Now().UTC(),
	})
}

// dispatch delivers the event to every notifier in the background.
// Delivery failures are logged, never propagated: a broken webhook must
// not stall reconciliation.
func (s *Service) dispatch(event Event) {
	for _, n := range s.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := n.Notify(ctx, event); err != nil {
				s.logger.Warn().Err(err).
					Str("notifier", n.Name()).
					Str("eventType", string(event.Type)).
					Msg("failed to deliver notification")
			}
		}(n)
	}
}
