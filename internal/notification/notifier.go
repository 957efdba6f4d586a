// Package notification fires outbound events for download lifecycle
// transitions.
package notification

import (
	"context"
	"time"
)

// EventType identifies a notification event.
type EventType string

const (
	EventTest       EventType = "test"
	EventSnatch     EventType = "snatch"
	EventDownloaded EventType = "download"
	EventFailed     EventType = "downloadFailed"
	EventSeeded     EventType = "seeded"
)

// Event describes a download lifecycle transition.
type Event struct {
	Type      EventType `json:"eventType"`
	Key       string    `json:"key"`
	Resource  string    `json:"resource"`
	Provider  string    `json:"provider,omitempty"`
	Quality   string    `json:"quality,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
	Test(ctx context.Context) error
}
