package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const instanceName = "Medusa"

// WebhookSettings contains webhook-specific configuration.
type WebhookSettings struct {
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// WebhookNotifier posts events to a custom webhook endpoint.
type WebhookNotifier struct {
	name       string
	settings   WebhookSettings
	httpClient *http.Client
	logger     zerolog.Logger
}

// webhookPayload is the webhook request body.
type webhookPayload struct {
	Event
	InstanceName string `json:"instanceName"`
}

// NewWebhook creates a webhook notifier.
func NewWebhook(name string, settings WebhookSettings, httpClient *http.Client, logger zerolog.Logger) *WebhookNotifier {
	if settings.Method == "" {
		settings.Method = "POST"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookNotifier{
		name:       name,
		settings:   settings,
		httpClient: httpClient,
		logger:     logger.With().Str("notifier", "webhook").Str("name", name).Logger(),
	}
}

func (n *WebhookNotifier) Name() string {
	return n.name
}

func (n *WebhookNotifier) Test(ctx context.Context) error {
	return n.Notify(ctx, Event{
		Type:      EventTest,
		Message:   "Test notification from " + instanceName,
		Timestamp: time.Now().UTC(),
	})
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(webhookPayload{Event: event, InstanceName: instanceName})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, n.settings.Method, n.settings.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if n.settings.Username != "" && n.settings.Password != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(n.settings.Username + ":" + n.settings.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	for key, value := range n.settings.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
