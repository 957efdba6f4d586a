// Package sabnzbd implements a client for the SABnzbd REST API.
//
// SABnzbd tracks a job in the queue until it completes, then moves it to
// history, so status lookups check both. The nzo_id assigned on add is the
// correlation key.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
}

var _ types.NZBClient = (*Client)(nil)

func NewFromConfig(cfg *types.ClientConfig) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeSABnzbd
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolNZB
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Percentage string `json:"percentage"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	FailMessage string `json:"fail_message"`
}

// TestAuthentication checks the API key against the version endpoint.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	body, err := c.get(ctx, url.Values{"mode": {"version"}})
	if err != nil {
		return false, err.Error()
	}
	var versionResp struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &versionResp); err != nil || versionResp.Version == "" {
		return false, "unexpected version response"
	}
	return true, "Success: connected to SABnzbd " + versionResp.Version
}

// Add submits an nzb and returns the assigned nzo_id.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case release.URL != "":
		params := url.Values{
			"mode":    {"addurl"},
			"name":    {release.URL},
			"nzbname": {release.Name},
		}
		c.applyAddParams(params, release)
		body, err = c.get(ctx, params)
	case len(release.Payload) > 0:
		body, err = c.addFile(ctx, release)
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}
	if err != nil {
		return "", err
	}

	var addResp struct {
		Status bool     `json:"status"`
		NzoIDs []string `json:"nzo_ids"`
		Error  string   `json:"error"`
	}
	if err := json.Unmarshal(body, &addResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal add response: %w", err)
	}
	if !addResp.Status || len(addResp.NzoIDs) == 0 {
		if addResp.Error != "" {
			return "", fmt.Errorf("sabnzbd rejected the nzb: %s", addResp.Error)
		}
		return "", fmt.Errorf("sabnzbd rejected the nzb")
	}
	return addResp.NzoIDs[0], nil
}

func (c *Client) applyAddParams(params url.Values, release *types.Release) {
	if c.config.Category != "" {
		params.Set("cat", c.config.Category)
	}
	if release.Priority > 0 {
		params.Set("priority", "1")
	}
	if c.config.Paused {
		params.Set("priority", "-2") // paused priority
	}
}

func (c *Client) addFile(ctx context.Context, release *types.Release) ([]byte, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("name", release.Name+".nzb")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(release.Payload); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	params := url.Values{
		"mode":    {"addfile"},
		"nzbname": {release.Name},
	}
	c.applyAddParams(params, release)
	return c.post(ctx, params, form.FormDataContentType(), &buf)
}

// GetStatus looks the job up in the queue first, then in history.
func (c *Client) GetStatus(ctx context.Context, nzoID string) (*types.ClientStatus, error) {
	if slot, err := c.findInQueue(ctx, nzoID); err != nil {
		return nil, err
	} else if slot != nil {
		status := &types.ClientStatus{Resource: slot.Filename}
		status.SetProgress(atoiSafe(slot.Percentage))
		switch slot.Status {
		case "Paused":
			status.Add(types.StatusPaused)
		default:
			status.Add(types.StatusDownloading)
		}
		return status, nil
	}

	slot, err := c.findInHistory(ctx, nzoID)
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, types.ErrNotFound
	}

	status := &types.ClientStatus{
		Resource:    slot.Name,
		Destination: slot.Storage,
	}
	switch slot.Status {
	case "Completed":
		status.SetProgress(100)
		status.Add(types.StatusCompleted)
	case "Failed":
		status.Add(types.StatusFailed)
	case "Extracting", "Verifying", "Repairing", "Running":
		status.SetProgress(100)
		status.Add(types.StatusExtracting)
	default:
		status.Add(types.StatusDownloading)
	}
	return status, nil
}

// Remove deletes the job from queue and history, keeping downloaded files.
func (c *Client) Remove(ctx context.Context, nzoID string) error {
	return c.remove(ctx, nzoID, false)
}

// RemoveData deletes the job and its files.
func (c *Client) RemoveData(ctx context.Context, nzoID string) error {
	return c.remove(ctx, nzoID, true)
}

func (c *Client) remove(ctx context.Context, nzoID string, deleteFiles bool) error {
	for _, mode := range []string{"queue", "history"} {
		params := url.Values{
			"mode":  {mode},
			"name":  {"delete"},
			"value": {nzoID},
		}
		if deleteFiles {
			params.Set("del_files", "1")
		}
		if _, err := c.get(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

// Pause pauses one queued job.
func (c *Client) Pause(ctx context.Context, nzoID string) error {
	_, err := c.get(ctx, url.Values{
		"mode":  {"queue"},
		"name":  {"pause"},
		"value": {nzoID},
	})
	return err
}

func (c *Client) findInQueue(ctx context.Context, nzoID string) (*queueSlot, error) {
	body, err := c.get(ctx, url.Values{"mode": {"queue"}})
	if err != nil {
		return nil, err
	}

	var queueResp struct {
		Queue struct {
			Slots []queueSlot `json:"slots"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(body, &queueResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
	}

	for i := range queueResp.Queue.Slots {
		if queueResp.Queue.Slots[i].NzoID == nzoID {
			return &queueResp.Queue.Slots[i], nil
		}
	}
	return nil, nil
}

func (c *Client) findInHistory(ctx context.Context, nzoID string) (*historySlot, error) {
	body, err := c.get(ctx, url.Values{"mode": {"history"}})
	if err != nil {
		return nil, err
	}

	var historyResp struct {
		History struct {
			Slots []historySlot `json:"slots"`
		} `json:"history"`
	}
	if err := json.Unmarshal(body, &historyResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	for i := range historyResp.History.Slots {
		if historyResp.History.Slots[i].NzoID == nzoID {
			return &historyResp.History.Slots[i], nil
		}
	}
	return nil, nil
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(params), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, params url.Values, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(params), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.TransportError(err)
	}
	if bytes.Contains(body, []byte("API Key Incorrect")) {
		return nil, types.ErrAuthFailed
	}
	return body, nil
}

func (c *Client) buildURL(params url.Values) string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := ""
	if c.config.URLBase != "" {
		base = "/" + strings.Trim(c.config.URLBase, "/")
	}

	query := url.Values{
		"output": {"json"},
		"apikey": {c.config.APIKey},
	}
	for key, values := range params {
		query[key] = values
	}
	return fmt.Sprintf("%s://%s:%d%s/api?%s", scheme, c.config.Host, c.config.Port, base, query.Encode())
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
