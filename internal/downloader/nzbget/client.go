// Package nzbget implements a client for the NZBGet JSON-RPC API.
//
// Jobs live in the queue (listgroups) until post-processing finishes, then
// move to history. The integer NZBID assigned on append is the correlation
// key, stored as its decimal string.
package nzbget

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
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
	return types.ClientTypeNZBGet
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolNZB
}

type queueGroup struct {
	NZBID            int    `json:"NZBID"`
	NZBName          string `json:"NZBName"`
	Status           string `json:"Status"`
	FileSizeLo       uint32 `json:"FileSizeLo"`
	FileSizeHi       uint32 `json:"FileSizeHi"`
	DownloadedSizeLo uint32 `json:"DownloadedSizeLo"`
	DownloadedSizeHi uint32 `json:"DownloadedSizeHi"`
	DestDir          string `json:"DestDir"`
}

type historyEntry struct {
	NZBID   int    `json:"NZBID"`
	Name    string `json:"Name"`
	Status  string `json:"Status"`
	DestDir string `json:"DestDir"`
}

func toSize(lo, hi uint32) int64 {
	return int64(hi)<<32 | int64(lo)
}

// TestAuthentication reads the daemon version.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	result, err := c.call(ctx, "version", nil)
	if err != nil {
		return false, err.Error()
	}
	var version string
	if err := json.Unmarshal(result, &version); err != nil {
		return false, "unexpected version response"
	}
	return true, "Success: connected to NZBGet " + version
}

// Add appends an nzb and returns the assigned NZBID.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	var content string
	switch {
	case release.URL != "":
		content = release.URL
	case len(release.Payload) > 0:
		content = base64.StdEncoding.EncodeToString(release.Payload)
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}

	priority := 0
	if release.Priority > 0 {
		priority = 100
	}

	result, err := c.call(ctx, "append", []any{
		release.Name + ".nzb",
		content,
		c.config.Category,
		priority,
		false,
		c.config.Paused,
		"",
		0,
		"SCORE",
	})
	if err != nil {
		return "", err
	}

	var id int
	if err := json.Unmarshal(result, &id); err != nil {
		return "", fmt.Errorf("failed to unmarshal append response: %w", err)
	}
	if id <= 0 {
		return "", fmt.Errorf("nzbget rejected the nzb")
	}
	return strconv.Itoa(id), nil
}

// GetStatus looks the job up in the queue first, then in history.
func (c *Client) GetStatus(ctx context.Context, id string) (*types.ClientStatus, error) {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return nil, fmt.Errorf("invalid nzbget id %q: %w", id, err)
	}

	if group, err := c.findInQueue(ctx, nzbID); err != nil {
		return nil, err
	} else if group != nil {
		status := &types.ClientStatus{
			Resource:    group.NZBName,
			Destination: group.DestDir,
		}
		total := toSize(group.FileSizeLo, group.FileSizeHi)
		downloaded := toSize(group.DownloadedSizeLo, group.DownloadedSizeHi)
		if total > 0 {
			status.SetProgress(int(downloaded * 100 / total))
		}
		switch {
		case group.Status == "PAUSED":
			status.Add(types.StatusPaused)
		case strings.HasPrefix(group.Status, "PP_") || group.Status == "UNPACKING" ||
			group.Status == "REPAIRING" || group.Status == "VERIFYING_REPAIRED" ||
			group.Status == "MOVING" || group.Status == "EXECUTING_SCRIPT":
			status.SetProgress(100)
			status.Add(types.StatusExtracting)
		default:
			status.Add(types.StatusDownloading)
		}
		return status, nil
	}

	entry, err := c.findInHistory(ctx, nzbID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, types.ErrNotFound
	}

	status := &types.ClientStatus{
		Resource:    entry.Name,
		Destination: entry.DestDir,
	}
	// History statuses are "KIND/DETAIL", e.g. SUCCESS/UNPACK, FAILURE/PAR.
	switch {
	case strings.HasPrefix(entry.Status, "SUCCESS"):
		status.SetProgress(100)
		status.Add(types.StatusCompleted)
	case strings.HasPrefix(entry.Status, "FAILURE"):
		status.Add(types.StatusFailed)
	case strings.HasPrefix(entry.Status, "DELETED"):
		status.Add(types.StatusAborted)
	default:
		// WARNING/* left the files in place; treat as done.
		status.SetProgress(100)
		status.Add(types.StatusCompleted)
	}
	return status, nil
}

// Remove deletes the job from queue or history, keeping downloaded files.
func (c *Client) Remove(ctx context.Context, id string) error {
	return c.edit(ctx, id, "GroupDelete", "HistoryDelete")
}

// RemoveData deletes the job and its files.
func (c *Client) RemoveData(ctx context.Context, id string) error {
	return c.edit(ctx, id, "GroupDelete", "HistoryFinalDelete")
}

// Pause pauses one queued job.
func (c *Client) Pause(ctx context.Context, id string) error {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid nzbget id %q: %w", id, err)
	}
	_, err = c.call(ctx, "editqueue", []any{"GroupPause", "", []int{nzbID}})
	return err
}

func (c *Client) edit(ctx context.Context, id, queueCommand, historyCommand string) error {
	nzbID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid nzbget id %q: %w", id, err)
	}

	result, err := c.call(ctx, "editqueue", []any{queueCommand, "", []int{nzbID}})
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(result, &ok); err == nil && ok {
		return nil
	}

	// Not in the queue anymore; try history.
	_, err = c.call(ctx, "editqueue", []any{historyCommand, "", []int{nzbID}})
	return err
}

func (c *Client) findInQueue(ctx context.Context, nzbID int) (*queueGroup, error) {
	result, err := c.call(ctx, "listgroups", []any{0})
	if err != nil {
		return nil, err
	}

	var groups []queueGroup
	if err := json.Unmarshal(result, &groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
	}
	for i := range groups {
		if groups[i].NZBID == nzbID {
			return &groups[i], nil
		}
	}
	return nil, nil
}

func (c *Client) findInHistory(ctx context.Context, nzbID int) (*historyEntry, error) {
	result, err := c.call(ctx, "history", []any{false})
	if err != nil {
		return nil, err
	}

	var entries []historyEntry
	if err := json.Unmarshal(result, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	for i := range entries {
		if entries[i].NZBID == nzbID {
			return &entries[i], nil
		}
	}
	return nil, nil
}

func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	reqBody, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.TransportError(err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error: %s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

func (c *Client) buildURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := ""
	if c.config.URLBase != "" {
		base = "/" + strings.Trim(c.config.URLBase, "/")
	}
	return fmt.Sprintf("%s://%s:%d%s/jsonrpc", scheme, c.config.Host, c.config.Port, base)
}
