// Package qbittorrent implements a client for the qBittorrent Web API v2.
package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	loggedIn   bool
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
	return types.ClientTypeQBittorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// torrentInfo is the subset of /torrents/info we map from.
type torrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	Size       int64   `json:"size"`
	Completed  int64   `json:"completed"`
	Ratio      float64 `json:"ratio"`
	RatioLimit float64 `json:"ratio_limit"`
	MaxRatio   float64 `json:"max_ratio"`
	SavePath   string  `json:"save_path"`
}

// TestAuthentication logs in and reads the API version.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	if err := c.login(ctx); err != nil {
		return false, err.Error()
	}
	body, err := c.get(ctx, "/api/v2/app/version", nil)
	if err != nil {
		return false, err.Error()
	}
	return true, "Success: connected to qBittorrent " + strings.TrimSpace(string(body))
}

// Add submits a torrent. qBittorrent's add endpoint returns no identifier,
// so the caller-derived info hash is the correlation key.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	switch {
	case release.URL != "":
		if err := form.WriteField("urls", release.URL); err != nil {
			return "", err
		}
	case len(release.Payload) > 0:
		part, err := form.CreateFormFile("torrents", release.Name+".torrent")
		if err != nil {
			return "", err
		}
		if _, err := part.Write(release.Payload); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}

	if c.config.Category != "" {
		_ = form.WriteField("category", c.config.Category)
	}
	if c.config.SavePath != "" {
		_ = form.WriteField("savepath", c.config.SavePath)
	}
	if c.config.Paused {
		_ = form.WriteField("paused", "true")
		_ = form.WriteField("stopped", "true")
	}
	if c.config.SeedRatio > 0 {
		_ = form.WriteField("ratioLimit", strconv.FormatFloat(c.config.SeedRatio, 'f', -1, 64))
	}
	if c.config.SeedTime > 0 {
		_ = form.WriteField("seedingTimeLimit", strconv.Itoa(int(c.config.SeedTime.Minutes())))
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	resp, err := c.postRaw(ctx, "/api/v2/torrents/add", form.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(resp)) == "Fails." {
		return "", fmt.Errorf("qbittorrent rejected the torrent")
	}

	return strings.ToLower(release.InfoHash), nil
}

// GetStatus returns the mapped status of one torrent.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	torrent, err := c.getTorrent(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource:    torrent.Name,
		Destination: torrent.SavePath,
	}
	status.SetRatio(torrent.Ratio)
	status.SetProgress(int(torrent.Progress * 100))

	switch {
	case torrent.State == "error" || torrent.State == "missingFiles":
		status.Add(types.StatusFailed)
	case torrent.Size > 0 && torrent.Completed >= torrent.Size:
		// Byte counts decide completion; the state enum keeps cycling
		// through uploading/stalledUP/pausedUP afterwards.
		status.Add(types.StatusCompleted)
		if isPausedState(torrent.State) {
			status.Add(types.StatusPaused)
		}
		if ratioLimitReached(torrent, c.config.SeedRatio) {
			status.Add(types.StatusSeeded)
		}
	case isPausedState(torrent.State):
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

func (c *Client) Remove(ctx context.Context, infoHash string) error {
	return c.delete(ctx, infoHash, false)
}

func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	return c.delete(ctx, infoHash, true)
}

func (c *Client) delete(ctx context.Context, infoHash string, deleteFiles bool) error {
	_, err := c.post(ctx, "/api/v2/torrents/delete", url.Values{
		"hashes":      {strings.ToLower(infoHash)},
		"deleteFiles": {strconv.FormatBool(deleteFiles)},
	})
	return err
}

func (c *Client) Pause(ctx context.Context, infoHash string) error {
	// "stop" replaced "pause" in qBittorrent 5; try the old path first.
	_, err := c.post(ctx, "/api/v2/torrents/pause", url.Values{
		"hashes": {strings.ToLower(infoHash)},
	})
	if err != nil && !types.IsTransport(err) {
		_, err = c.post(ctx, "/api/v2/torrents/stop", url.Values{
			"hashes": {strings.ToLower(infoHash)},
		})
	}
	return err
}

// RemoveRatioReached removes torrents whose ratio limit is satisfied and
// whose history row has already been finalised.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	torrents, err := c.listTorrents(ctx, "")
	if err != nil {
		return err
	}

	for i := range torrents {
		torrent := &torrents[i]
		hash := strings.ToLower(torrent.Hash)
		if hash == "" || !isFinalised(hash) {
			continue
		}
		if torrent.Size == 0 || torrent.Completed < torrent.Size {
			continue
		}
		if !ratioLimitReached(torrent, c.config.SeedRatio) {
			continue
		}
		if err := c.Remove(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

// ratioLimitReached reports whether the torrent satisfied its seed policy.
// The per-torrent ratio_limit wins over our configured one; -2 means use
// the global limit, -1 means unlimited.
func ratioLimitReached(torrent *torrentInfo, configRatio float64) bool {
	limit := torrent.RatioLimit
	if limit <= 0 {
		limit = torrent.MaxRatio
	}
	if limit <= 0 {
		limit = configRatio
	}
	if limit <= 0 {
		return false
	}
	return torrent.Ratio >= limit
}

func isPausedState(state string) bool {
	switch state {
	case "pausedDL", "pausedUP", "stoppedDL", "stoppedUP":
		return true
	default:
		return false
	}
}

func (c *Client) getTorrent(ctx context.Context, infoHash string) (*torrentInfo, error) {
	torrents, err := c.listTorrents(ctx, strings.ToLower(infoHash))
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, types.ErrNotFound
	}
	return &torrents[0], nil
}

func (c *Client) listTorrents(ctx context.Context, hashes string) ([]torrentInfo, error) {
	params := url.Values{}
	if hashes != "" {
		params.Set("hashes", hashes)
	}
	body, err := c.get(ctx, "/api/v2/torrents/info", params)
	if err != nil {
		return nil, err
	}

	var torrents []torrentInfo
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal torrent list: %w", err)
	}
	return torrents, nil
}

// login performs the forms-based cookie login.
func (c *Client) login(ctx context.Context) error {
	body, err := c.postRaw(ctx, "/api/v2/auth/login",
		"application/x-www-form-urlencoded",
		strings.NewReader(url.Values{
			"username": {c.config.Username},
			"password": {c.config.Password},
		}.Encode()))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(string(body), "Ok") {
		return types.ErrAuthFailed
	}
	c.loggedIn = true
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.buildURL(path)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.postRaw(ctx, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
}

func (c *Client) postRaw(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	// The SID cookie expires server-side; log in lazily and retry once on 403.
	if !c.loggedIn && !strings.HasSuffix(req.URL.Path, "/auth/login") {
		if err := c.login(req.Context()); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden && !strings.HasSuffix(req.URL.Path, "/auth/login") {
		c.loggedIn = false
		if err := c.login(req.Context()); err != nil {
			return nil, err
		}
		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			retry.Body, _ = req.GetBody()
		}
		resp2, err := c.httpClient.Do(retry)
		if err != nil {
			return nil, types.TransportError(err)
		}
		defer resp2.Body.Close()
		resp = resp2
	}

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
	return body, nil
}

func (c *Client) buildURL(path string) string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := ""
	if c.config.URLBase != "" {
		base = "/" + strings.Trim(c.config.URLBase, "/")
	}
	return fmt.Sprintf("%s://%s:%d%s%s", scheme, c.config.Host, c.config.Port, base, path)
}
