// Package utorrent implements a client for the uTorrent Web UI.
//
// The Web UI wants a CSRF token scraped from /gui/token.html on every
// session, passed as a query parameter on each call.
package utorrent

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
	"regexp"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

// uTorrent list-row status bitfield.
const (
	utStarted  = 1
	utChecking = 2
	utError    = 16
	utPaused   = 32
	utQueued   = 64
)

// torrent list row field indexes, per the Web UI API.
const (
	rowHash = iota
	rowStatus
	rowName
	rowSize
	rowProgress // per-mille
	rowDownloaded
	rowUploaded
	rowRatio // per-mille
)

var tokenRegex = regexp.MustCompile(`<div[^>]*id=['"]token['"][^>]*>([^<]+)</div>`)

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	token      string
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
	return types.ClientTypeUTorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// TestAuthentication fetches the CSRF token and lists torrents once.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	if err := c.fetchToken(ctx); err != nil {
		return false, err.Error()
	}
	if _, err := c.listTorrents(ctx); err != nil {
		return false, err.Error()
	}
	return true, "Success: connected and authenticated"
}

// Add submits a torrent. The Web UI returns no identifier, so the
// caller-derived info hash is the correlation key.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	switch {
	case release.URL != "":
		params := url.Values{
			"action": {"add-url"},
			"s":      {release.URL},
		}
		if _, err := c.action(ctx, params, nil); err != nil {
			return "", err
		}
	case len(release.Payload) > 0:
		if _, err := c.action(ctx, url.Values{"action": {"add-file"}}, release.Payload); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}

	hash := strings.ToLower(release.InfoHash)
	if c.config.Category != "" {
		_, _ = c.action(ctx, url.Values{
			"action": {"setprops"},
			"hash":   {hash},
			"s":      {"label"},
			"v":      {c.config.Category},
		}, nil)
	}
	if c.config.Paused {
		_, _ = c.action(ctx, url.Values{"action": {"pause"}, "hash": {hash}}, nil)
	}
	return hash, nil
}

// GetStatus returns the mapped status of one torrent.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	row, err := c.getTorrent(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource: asString(row[rowName]),
	}
	ratio := float64(asInt64(row[rowRatio])) / 1000
	status.SetRatio(ratio)
	status.SetProgress(int(asInt64(row[rowProgress]) / 10))

	bits := asInt64(row[rowStatus])
	size := asInt64(row[rowSize])
	downloaded := asInt64(row[rowDownloaded])

	switch {
	case bits&utError != 0:
		status.Add(types.StatusFailed)
	case size > 0 && downloaded >= size:
		status.Add(types.StatusCompleted)
		if bits&utPaused != 0 || bits&utStarted == 0 {
			status.Add(types.StatusPaused)
		}
		if c.config.SeedRatio > 0 && ratio >= c.config.SeedRatio {
			status.Add(types.StatusSeeded)
		}
	case bits&utPaused != 0:
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

func (c *Client) Remove(ctx context.Context, infoHash string) error {
	_, err := c.action(ctx, url.Values{
		"action": {"remove"},
		"hash":   {strings.ToLower(infoHash)},
	}, nil)
	return err
}

func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	_, err := c.action(ctx, url.Values{
		"action": {"removedata"},
		"hash":   {strings.ToLower(infoHash)},
	}, nil)
	return err
}

func (c *Client) Pause(ctx context.Context, infoHash string) error {
	_, err := c.action(ctx, url.Values{
		"action": {"pause"},
		"hash":   {strings.ToLower(infoHash)},
	}, nil)
	return err
}

// RemoveRatioReached removes torrents whose configured stop-ratio is
// satisfied and whose history row has already been finalised. The Web UI
// does not expose per-torrent seed limits, so the configured ratio is the
// only policy source.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	if c.config.SeedRatio <= 0 {
		return nil
	}

	rows, err := c.listTorrents(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		hash := strings.ToLower(asString(row[rowHash]))
		if hash == "" || !isFinalised(hash) {
			continue
		}
		size := asInt64(row[rowSize])
		if size == 0 || asInt64(row[rowDownloaded]) < size {
			continue
		}
		if float64(asInt64(row[rowRatio]))/1000 < c.config.SeedRatio {
			continue
		}
		if err := c.Remove(ctx, hash); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) getTorrent(ctx context.Context, infoHash string) ([]any, error) {
	rows, err := c.listTorrents(ctx)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(infoHash)
	for _, row := range rows {
		if strings.ToLower(asString(row[rowHash])) == lower {
			return row, nil
		}
	}
	return nil, types.ErrNotFound
}

func (c *Client) listTorrents(ctx context.Context) ([][]any, error) {
	body, err := c.action(ctx, url.Values{"list": {"1"}}, nil)
	if err != nil {
		return nil, err
	}

	var listResp struct {
		Torrents [][]any `json:"torrents"`
	}
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal torrent list: %w", err)
	}

	rows := make([][]any, 0, len(listResp.Torrents))
	for _, row := range listResp.Torrents {
		if len(row) > rowRatio {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// action issues one Web UI call, fetching or refreshing the token as
// needed. A payload turns the call into a multipart add-file upload.
func (c *Client) action(ctx context.Context, params url.Values, payload []byte) ([]byte, error) {
	if c.token == "" {
		if err := c.fetchToken(ctx); err != nil {
			return nil, err
		}
	}

	body, status, err := c.doAction(ctx, params, payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusMultipleChoices || status == http.StatusBadRequest {
		// Stale token; refresh and retry once.
		if err := c.fetchToken(ctx); err != nil {
			return nil, err
		}
		body, status, err = c.doAction(ctx, params, payload)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", status)
	}
	return body, nil
}

func (c *Client) doAction(ctx context.Context, params url.Values, payload []byte) ([]byte, int, error) {
	query := url.Values{"token": {c.token}}
	for key, values := range params {
		query[key] = values
	}
	endpoint := c.buildURL("/gui/") + "?" + query.Encode()

	var req *http.Request
	var err error
	if payload != nil {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		part, ferr := form.CreateFormFile("torrent_file", "release.torrent")
		if ferr != nil {
			return nil, 0, ferr
		}
		if _, ferr := part.Write(payload); ferr != nil {
			return nil, 0, ferr
		}
		if ferr := form.Close(); ferr != nil {
			return nil, 0, ferr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
		if req != nil {
			req.Header.Set("Content-Type", form.FormDataContentType())
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}
	if err != nil {
		return nil, 0, err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, 0, types.ErrAuthFailed
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, types.TransportError(err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) fetchToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/gui/token.html"), nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code fetching token: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TransportError(err)
	}

	match := tokenRegex.FindSubmatch(body)
	if match == nil {
		return fmt.Errorf("no CSRF token in token.html response")
	}
	c.token = string(match[1])
	return nil
}

func (c *Client) buildURL(path string) string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.config.Host, c.config.Port, path)
}

func asString(v any) string {
	if val, ok := v.(string); ok {
		return val
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case int64:
		return val
	case int:
		return int64(val)
	default:
		return 0
	}
}
