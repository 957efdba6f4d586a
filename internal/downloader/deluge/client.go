// Package deluge implements a client for the Deluge web UI JSON-RPC API.
package deluge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

var statusFields = []string{
	"hash", "name", "state", "progress", "message", "is_finished",
	"save_path", "total_size", "total_done", "ratio",
	"stop_at_ratio", "stop_ratio",
}

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	requestID  int
}

var _ types.TorrentClient = (*Client)(nil)

func NewFromConfig(cfg *types.ClientConfig) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
			Jar:     jar,
		},
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeDeluge
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// TestAuthentication logs in to the web UI and checks the daemon connection.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	if err := c.authenticate(ctx); err != nil {
		return false, err.Error()
	}
	if _, err := c.call(ctx, "daemon.get_version", []any{}); err != nil {
		return false, err.Error()
	}
	return true, "Success: connected and authenticated"
}

// Add submits a torrent and returns its info hash.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	options := map[string]any{}
	if c.config.Paused {
		options["add_paused"] = true
	}
	if c.config.SavePath != "" {
		options["download_location"] = c.config.SavePath
	}
	if c.config.SeedRatio > 0 {
		options["stop_at_ratio"] = true
		options["stop_ratio"] = c.config.SeedRatio
	}

	var (
		resp any
		err  error
	)
	switch {
	case release.URL != "":
		resp, err = c.call(ctx, "core.add_torrent_magnet", []any{release.URL, options})
	case len(release.Payload) > 0:
		filename := release.Name + ".torrent"
		encoded := base64.StdEncoding.EncodeToString(release.Payload)
		resp, err = c.call(ctx, "core.add_torrent_file", []any{filename, encoded, options})
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}
	if err != nil {
		return "", err
	}

	hash, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("unexpected response type from torrent add")
	}
	hash = strings.ToLower(hash)

	if c.config.Category != "" {
		// Needs the Label plugin; harmless when it is not loaded.
		_, _ = c.call(ctx, "label.set_torrent", []any{hash, c.config.Category})
	}

	return hash, nil
}

// GetStatus returns the mapped status of one torrent.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	torrent, err := c.getTorrent(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource:    getString(torrent, "name"),
		Destination: getString(torrent, "save_path"),
	}
	status.SetRatio(getFloat(torrent, "ratio"))
	status.SetProgress(int(getFloat(torrent, "progress")))

	state := getString(torrent, "state")
	downloaded := int64(getFloat(torrent, "total_done"))
	total := int64(getFloat(torrent, "total_size"))

	switch {
	case state == "Error":
		status.Add(types.StatusFailed)
	case total > 0 && downloaded >= total:
		status.Add(types.StatusCompleted)
		if state == "Paused" {
			status.Add(types.StatusPaused)
		}
		if stopRatioReached(torrent, c.config.SeedRatio) {
			status.Add(types.StatusSeeded)
		}
	case state == "Paused":
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

func (c *Client) Remove(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(infoHash), false})
	return err
}

func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(infoHash), true})
	return err
}

func (c *Client) Pause(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "core.pause_torrent", []any{[]string{strings.ToLower(infoHash)}})
	return err
}

// RemoveRatioReached removes torrents whose stop-ratio is satisfied and
// whose history row has already been finalised.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	torrents, err := c.listTorrents(ctx)
	if err != nil {
		return err
	}

	for hash, torrent := range torrents {
		hash = strings.ToLower(hash)
		if !isFinalised(hash) {
			continue
		}
		downloaded := int64(getFloat(torrent, "total_done"))
		total := int64(getFloat(torrent, "total_size"))
		if total == 0 || downloaded < total {
			continue
		}
		if !stopRatioReached(torrent, c.config.SeedRatio) {
			continue
		}
		if err := c.Remove(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// stopRatioReached reports whether the torrent satisfied its seed policy.
// The torrent-level stop_ratio wins over our configured one.
func stopRatioReached(torrent map[string]any, configRatio float64) bool {
	ratio := getFloat(torrent, "ratio")
	if getBool(torrent, "stop_at_ratio") {
		return ratio >= getFloat(torrent, "stop_ratio")
	}
	if configRatio > 0 {
		return ratio >= configRatio
	}
	return false
}

func (c *Client) getTorrent(ctx context.Context, infoHash string) (map[string]any, error) {
	torrents, err := c.listTorrents(ctx)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(infoHash)
	for hash, torrent := range torrents {
		if strings.EqualFold(hash, lower) {
			return torrent, nil
		}
	}
	return nil, types.ErrNotFound
}

func (c *Client) listTorrents(ctx context.Context) (map[string]map[string]any, error) {
	resp, err := c.call(ctx, "web.update_ui", []any{statusFields, map[string]any{}})
	if err != nil {
		return nil, err
	}

	resultMap, ok := resp.(map[string]any)
	if !ok {
		return map[string]map[string]any{}, nil
	}
	torrentsMap, ok := resultMap["torrents"].(map[string]any)
	if !ok {
		return map[string]map[string]any{}, nil
	}

	torrents := make(map[string]map[string]any, len(torrentsMap))
	for hash, data := range torrentsMap {
		if torrent, ok := data.(map[string]any); ok {
			torrents[hash] = torrent
		}
	}
	return torrents, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	c.httpClient.Jar, _ = cookiejar.New(nil)

	resp, err := c.doCall(ctx, "auth.login", []any{c.config.Password})
	if err != nil {
		return err
	}

	success, ok := resp.(bool)
	if !ok || !success {
		return types.ErrAuthFailed
	}

	connected, err := c.doCall(ctx, "web.connected", []any{})
	if err != nil {
		return err
	}
	if isConnected, ok := connected.(bool); ok && isConnected {
		return nil
	}

	return c.connectToDaemon(ctx)
}

func (c *Client) connectToDaemon(ctx context.Context) error {
	hostsResp, err := c.doCall(ctx, "web.get_hosts", []any{})
	if err != nil {
		return err
	}

	hosts, ok := hostsResp.([]any)
	if !ok {
		return fmt.Errorf("unexpected response from web.get_hosts")
	}

	hostID := firstHostID(hosts)
	if hostID == "" {
		return fmt.Errorf("no deluge daemon registered with the web UI")
	}

	_, err = c.doCall(ctx, "web.connect", []any{hostID})
	return err
}

func firstHostID(hosts []any) string {
	for _, h := range hosts {
		host, ok := h.([]any)
		if !ok || len(host) < 1 {
			continue
		}
		if id, _ := host[0].(string); id != "" {
			return id
		}
	}
	return ""
}

// call runs an RPC and re-authenticates once if the session cookie expired.
func (c *Client) call(ctx context.Context, method string, params []any) (any, error) {
	result, err := c.doCall(ctx, method, params)
	if err != nil {
		if isAuthError(err) {
			if authErr := c.authenticate(ctx); authErr != nil {
				return nil, authErr
			}
			return c.doCall(ctx, method, params)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) doCall(ctx context.Context, method string, params []any) (any, error) {
	c.requestID++

	reqBody := map[string]any{
		"method": method,
		"params": params,
		"id":     c.requestID,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.TransportError(err)
	}

	var rpcResp struct {
		Result any              `json:"result"`
		Error  *json.RawMessage `json:"error"`
		ID     int              `json:"id"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, parseRPCError(*rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *Client) buildURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}

	urlPath := "/json"
	if c.config.URLBase != "" {
		urlPath = "/" + strings.Trim(c.config.URLBase, "/") + "/json"
	}

	return fmt.Sprintf("%s://%s:%d%s", scheme, c.config.Host, c.config.Port, urlPath)
}

func parseRPCError(raw json.RawMessage) error {
	var errObj struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(raw, &errObj); err == nil {
		// Codes 1 and 2 are "not authenticated" / "unknown session".
		if errObj.Code == 1 || errObj.Code == 2 {
			return &authError{msg: errObj.Message}
		}
		return fmt.Errorf("RPC error: %s (code %d)", errObj.Message, errObj.Code)
	}
	return fmt.Errorf("RPC error: %s", string(raw))
}

type authError struct {
	msg string
}

func (e *authError) Error() string {
	return e.msg
}

func isAuthError(err error) bool {
	var authErr *authError
	return errors.As(err, &authErr)
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
