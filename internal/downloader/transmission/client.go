// Package transmission implements a Transmission RPC client.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

const sessionIDHeader = "X-Transmission-Session-Id"

// Transmission status codes, torrent-get "status" field.
const (
	trStatusStopped      = 0
	trStatusCheckWait    = 1
	trStatusCheck        = 2
	trStatusDownloadWait = 3
	trStatusDownload     = 4
	trStatusSeedWait     = 5
	trStatusSeed         = 6
)

var statusFields = []string{
	"hashString", "name", "status", "percentDone",
	"downloadedEver", "sizeWhenDone", "uploadRatio",
	"downloadDir", "error", "errorString",
	"seedRatioLimit", "seedRatioMode",
}

// Client implements a Transmission RPC client that satisfies the
// types.TorrentClient interface.
type Client struct {
	config     types.ClientConfig
	sessionID  string
	httpClient *http.Client
}

// Compile-time check that Client implements TorrentClient.
var _ types.TorrentClient = (*Client)(nil)

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeTransmission
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// TestAuthentication verifies the RPC endpoint accepts our credentials.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	resp, err := c.call(ctx, "session-get", nil)
	if err != nil {
		return false, err.Error()
	}
	if version, ok := resp.Arguments["version"].(string); ok {
		return true, "Success: connected to Transmission " + version
	}
	return true, "Success: connected and authenticated"
}

// Add submits a torrent and returns its info hash.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	args := make(map[string]interface{})

	switch {
	case release.URL != "":
		args["filename"] = release.URL
	case len(release.Payload) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(release.Payload)
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}

	if c.config.SavePath != "" {
		args["download-dir"] = c.config.SavePath
	}
	if c.config.Paused {
		args["paused"] = true
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return "", err
	}

	hash, err := extractAddedHash(resp)
	if err != nil {
		return "", err
	}

	c.applySeedLimits(ctx, hash)
	return hash, nil
}

// applySeedLimits pushes the configured stop-ratio and idle limit onto a
// freshly added torrent. Best-effort: a failure here must not fail the add.
func (c *Client) applySeedLimits(ctx context.Context, hash string) {
	args := map[string]interface{}{
		"ids": []string{hash},
	}
	if c.config.SeedRatio > 0 {
		args["seedRatioLimit"] = c.config.SeedRatio
		args["seedRatioMode"] = 1
	}
	if c.config.SeedTime > 0 {
		args["seedIdleLimit"] = int(c.config.SeedTime.Minutes())
		args["seedIdleMode"] = 1
	}
	if len(args) > 1 {
		_, _ = c.call(ctx, "torrent-set", args)
	}
}

// GetStatus returns the mapped status of one torrent.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	torrent, err := c.getTorrent(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource:    getString(torrent, "name"),
		Destination: getString(torrent, "downloadDir"),
	}
	status.SetRatio(getFloat(torrent, "uploadRatio"))
	status.SetProgress(int(getFloat(torrent, "percentDone") * 100))

	downloaded := int64(getFloat(torrent, "downloadedEver"))
	total := int64(getFloat(torrent, "sizeWhenDone"))

	switch {
	case getInt(torrent, "error") > 0:
		status.Add(types.StatusFailed)
	case total > 0 && downloaded >= total:
		// Completion is decided from byte counts, not the state enum:
		// a torrent seeding or stopped after completion is still done.
		status.Add(types.StatusCompleted)
		if getInt(torrent, "status") == trStatusStopped {
			status.Add(types.StatusPaused)
		}
		if seedLimitReached(torrent, c.config.SeedRatio) {
			status.Add(types.StatusSeeded)
		}
	case getInt(torrent, "status") == trStatusStopped:
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

// Remove removes a torrent, keeping downloaded data.
func (c *Client) Remove(ctx context.Context, infoHash string) error {
	return c.remove(ctx, infoHash, false)
}

// RemoveData removes a torrent and deletes its data.
func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	return c.remove(ctx, infoHash, true)
}

func (c *Client) remove(ctx context.Context, infoHash string, deleteData bool) error {
	_, err := c.call(ctx, "torrent-remove", map[string]interface{}{
		"ids":               []string{infoHash},
		"delete-local-data": deleteData,
	})
	return err
}

// Pause stops a torrent.
func (c *Client) Pause(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "torrent-stop", map[string]interface{}{
		"ids": []string{infoHash},
	})
	return err
}

// RemoveRatioReached removes torrents whose seed policy is satisfied and
// whose history row has already been finalised.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	resp, err := c.call(ctx, "torrent-get", map[string]interface{}{
		"fields": statusFields,
	})
	if err != nil {
		return err
	}

	torrentsRaw, _ := resp.Arguments["torrents"].([]interface{})
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		hash := strings.ToLower(getString(torrent, "hashString"))
		if hash == "" || !isFinalised(hash) {
			continue
		}
		downloaded := int64(getFloat(torrent, "downloadedEver"))
		total := int64(getFloat(torrent, "sizeWhenDone"))
		if total == 0 || downloaded < total {
			continue
		}
		if !seedLimitReached(torrent, c.config.SeedRatio) {
			continue
		}
		if err := c.Remove(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// seedLimitReached reports whether the torrent has satisfied its stop-ratio.
// The torrent-level limit wins over our configured one.
func seedLimitReached(torrent map[string]interface{}, configRatio float64) bool {
	ratio := getFloat(torrent, "uploadRatio")
	if getInt(torrent, "seedRatioMode") == 1 {
		return ratio >= getFloat(torrent, "seedRatioLimit")
	}
	if configRatio > 0 {
		return ratio >= configRatio
	}
	return false
}

func (c *Client) getTorrent(ctx context.Context, infoHash string) (map[string]interface{}, error) {
	resp, err := c.call(ctx, "torrent-get", map[string]interface{}{
		"ids":    []string{infoHash},
		"fields": statusFields,
	})
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok || len(torrentsRaw) == 0 {
		return nil, types.ErrNotFound
	}
	torrent, ok := torrentsRaw[0].(map[string]interface{})
	if !ok {
		return nil, types.ErrNotFound
	}
	return torrent, nil
}

// rpcRequest represents a Transmission RPC request.
type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// rpcResponse represents a Transmission RPC response.
type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, args map[string]interface{}) (*rpcResponse, error) {
	return c.callRetry(ctx, method, args, true)
}

func (c *Client) callRetry(ctx context.Context, method string, args map[string]interface{}, retryConflict bool) (*rpcResponse, error) {
	req, err := c.buildRPCRequest(ctx, method, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Transmission hands out a fresh CSRF session id on 409.
		c.sessionID = resp.Header.Get(sessionIDHeader)
		if c.sessionID == "" || !retryConflict {
			return nil, fmt.Errorf("received 409 but no session ID in response")
		}
		return c.callRetry(ctx, method, args, false)
	}

	return parseRPCResponse(resp)
}

func (c *Client) buildRPCRequest(ctx context.Context, method string, args map[string]interface{}) (*http.Request, error) {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := c.config.URLBase
	if base == "" {
		base = "/transmission/"
	}
	url := fmt.Sprintf("%s://%s:%d%srpc", scheme, c.config.Host, c.config.Port, base)

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.config.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.config.Username + ":" + c.config.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	return req, nil
}

func parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.TransportError(err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Result != "success" {
		return nil, fmt.Errorf("RPC error: %s", rpcResp.Result)
	}

	return &rpcResp, nil
}

// extractAddedHash extracts the torrent hash from an add response. A
// duplicate add is treated as success.
func extractAddedHash(resp *rpcResponse) (string, error) {
	for _, key := range []string{"torrent-added", "torrent-duplicate"} {
		if torrent, ok := resp.Arguments[key].(map[string]interface{}); ok {
			if hash, ok := torrent["hashString"].(string); ok {
				return strings.ToLower(hash), nil
			}
		}
	}
	return "", fmt.Errorf("could not extract torrent hash from response")
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
