// Package downloadstation implements a client for Synology Download Station.
//
// The WebAPI is session based: auth.cgi hands out a sid which every task
// call carries as a query parameter. Tasks have opaque ids, so torrents are
// correlated by the info hash embedded in the task's source URI.
package downloadstation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	sid        string
}

var _ types.TorrentClient = (*Client)(nil)

func NewFromConfig(cfg *types.ClientConfig) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeDownloadStation
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// task is one Download Station task with the detail and transfer extras.
type task struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Size       int64  `json:"size"`
	Additional struct {
		Detail struct {
			URI         string `json:"uri"`
			Destination string `json:"destination"`
		} `json:"detail"`
		Transfer struct {
			SizeDownloaded int64 `json:"size_downloaded"`
			SizeUploaded   int64 `json:"size_uploaded"`
		} `json:"transfer"`
	} `json:"additional"`
}

// infoHash extracts the correlation hash from the task's source URI.
func (t *task) infoHash() string {
	uri := t.Additional.Detail.URI
	if !strings.HasPrefix(uri, "magnet:") {
		return ""
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	for _, xt := range parsed.Query()["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			return strings.ToLower(strings.TrimPrefix(xt, "urn:btih:"))
		}
	}
	return ""
}

// TestAuthentication logs in to the WebAPI.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	if err := c.login(ctx); err != nil {
		return false, err.Error()
	}
	return true, "Success: connected and authenticated"
}

// Add creates a download task. Download Station assigns opaque task ids, so
// the caller-derived info hash is the correlation key.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	if release.URL == "" {
		// Payload uploads need the multipart create API which older DSM
		// versions reject; magnet and URL submissions cover the snatch path.
		return "", fmt.Errorf("%w: download station needs a URL or magnet", types.ErrNotImplemented)
	}

	params := url.Values{
		"api":     {"SYNO.DownloadStation.Task"},
		"version": {"1"},
		"method":  {"create"},
		"uri":     {release.URL},
	}
	if c.config.SavePath != "" {
		params.Set("destination", c.config.SavePath)
	}

	if _, err := c.call(ctx, "DownloadStation/task.cgi", params); err != nil {
		return "", err
	}
	return strings.ToLower(release.InfoHash), nil
}

// GetStatus returns the mapped status of one task.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	found, err := c.findTask(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource:    found.Title,
		Destination: found.Additional.Detail.Destination,
	}
	downloaded := found.Additional.Transfer.SizeDownloaded
	uploaded := found.Additional.Transfer.SizeUploaded
	if downloaded > 0 {
		status.SetRatio(float64(uploaded) / float64(downloaded))
	}
	if found.Size > 0 {
		status.SetProgress(int(downloaded * 100 / found.Size))
	}

	switch {
	case found.Status == "error":
		status.Add(types.StatusFailed)
	case found.Status == "extracting":
		status.Add(types.StatusExtracting)
	case (found.Size > 0 && downloaded >= found.Size) ||
		found.Status == "finished" || found.Status == "seeding":
		status.Add(types.StatusCompleted)
		if found.Status == "paused" {
			status.Add(types.StatusPaused)
		}
		if c.config.SeedRatio > 0 && status.Ratio >= c.config.SeedRatio {
			status.Add(types.StatusSeeded)
		}
	case found.Status == "paused":
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

func (c *Client) Remove(ctx context.Context, infoHash string) error {
	found, err := c.findTask(ctx, infoHash)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "DownloadStation/task.cgi", url.Values{
		"api":     {"SYNO.DownloadStation.Task"},
		"version": {"1"},
		"method":  {"delete"},
		"id":      {found.ID},
	})
	return err
}

// RemoveData deletes the task; Download Station removes the incomplete data
// with it, finished data stays in the destination share.
func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	return c.Remove(ctx, infoHash)
}

func (c *Client) Pause(ctx context.Context, infoHash string) error {
	found, err := c.findTask(ctx, infoHash)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, "DownloadStation/task.cgi", url.Values{
		"api":     {"SYNO.DownloadStation.Task"},
		"version": {"1"},
		"method":  {"pause"},
		"id":      {found.ID},
	})
	return err
}

// RemoveRatioReached removes tasks whose configured stop-ratio is satisfied
// and whose history row has already been finalised.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	if c.config.SeedRatio <= 0 {
		return nil
	}

	tasks, err := c.listTasks(ctx)
	if err != nil {
		return err
	}

	for i := range tasks {
		t := &tasks[i]
		hash := t.infoHash()
		if hash == "" || !isFinalised(hash) {
			continue
		}
		downloaded := t.Additional.Transfer.SizeDownloaded
		if t.Size == 0 || downloaded < t.Size {
			continue
		}
		if float64(t.Additional.Transfer.SizeUploaded)/float64(downloaded) < c.config.SeedRatio {
			continue
		}
		if _, err := c.call(ctx, "DownloadStation/task.cgi", url.Values{
			"api":     {"SYNO.DownloadStation.Task"},
			"version": {"1"},
			"method":  {"delete"},
			"id":      {t.ID},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) findTask(ctx context.Context, infoHash string) (*task, error) {
	tasks, err := c.listTasks(ctx)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(infoHash)
	for i := range tasks {
		if tasks[i].infoHash() == lower {
			return &tasks[i], nil
		}
	}
	return nil, types.ErrNotFound
}

func (c *Client) listTasks(ctx context.Context) ([]task, error) {
	data, err := c.call(ctx, "DownloadStation/task.cgi", url.Values{
		"api":        {"SYNO.DownloadStation.Task"},
		"version":    {"1"},
		"method":     {"list"},
		"additional": {"detail,transfer"},
	})
	if err != nil {
		return nil, err
	}

	var listData struct {
		Tasks []task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &listData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task list: %w", err)
	}
	return listData.Tasks, nil
}

func (c *Client) login(ctx context.Context) error {
	data, err := c.request(ctx, "auth.cgi", url.Values{
		"api":     {"SYNO.API.Auth"},
		"version": {"2"},
		"method":  {"login"},
		"account": {c.config.Username},
		"passwd":  {c.config.Password},
		"session": {"DownloadStation"},
		"format":  {"sid"},
	})
	if err != nil {
		return err
	}

	var authData struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(data, &authData); err != nil || authData.SID == "" {
		return types.ErrAuthFailed
	}
	c.sid = authData.SID
	return nil
}

// call runs a WebAPI request, logging in lazily and retrying once when the
// sid has expired.
func (c *Client) call(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if c.sid == "" {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	params.Set("_sid", c.sid)
	data, err := c.request(ctx, endpoint, params)
	if errors.Is(err, types.ErrAuthFailed) {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		params.Set("_sid", c.sid)
		return c.request(ctx, endpoint, params)
	}
	return data, err
}

func (c *Client) request(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	fullURL := fmt.Sprintf("%s://%s:%d/webapi/%s?%s", scheme, c.config.Host, c.config.Port, endpoint, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.TransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !envelope.Success {
		// Codes 105-107 mean the session is gone or lacks permission.
		if envelope.Error.Code >= 105 && envelope.Error.Code <= 107 || envelope.Error.Code == 400 {
			return nil, types.ErrAuthFailed
		}
		return nil, fmt.Errorf("download station error code %d", envelope.Error.Code)
	}
	return envelope.Data, nil
}
