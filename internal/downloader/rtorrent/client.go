// Package rtorrent implements a client for the rTorrent XML-RPC interface.
//
// rTorrent speaks XML-RPC over SCGI, usually exposed through a web server
// mount at /RPC2. The value codec below covers the subset of types the
// daemon actually emits.
package rtorrent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

var _ types.TorrentClient = (*Client)(nil)

const xmlValueTag = "value"

// fieldSelectors are the d.multicall2 fields used to list torrents. Order
// matters: torrentFields indexes into the reply rows positionally.
var fieldSelectors = []string{
	"d.hash=",
	"d.name=",
	"d.base_path=",
	"d.size_bytes=",
	"d.left_bytes=",
	"d.ratio=",
	"d.is_active=",
	"d.complete=",
	"d.message=",
}

const (
	fieldHash = iota
	fieldName
	fieldBasePath
	fieldSizeBytes
	fieldLeftBytes
	fieldRatio
	fieldIsActive
	fieldComplete
	fieldMessage
)

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	baseURL    string
}

func NewFromConfig(cfg *types.ClientConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	urlBase := cfg.URLBase
	if urlBase == "" {
		urlBase = "RPC2"
	}
	urlBase = strings.Trim(urlBase, "/")

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout(),
		},
		baseURL: fmt.Sprintf("%s://%s:%d/%s", scheme, cfg.Host, cfg.Port, urlBase),
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeRTorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// TestAuthentication reads the daemon version over the RPC mount.
func (c *Client) TestAuthentication(ctx context.Context) (bool, string) {
	result, err := c.call(ctx, "system.client_version", nil)
	if err != nil {
		return false, err.Error()
	}
	version, ok := result.(string)
	if !ok || version == "" {
		return false, "invalid version response from rTorrent"
	}
	return true, "Success: connected to rTorrent " + version
}

// Add submits a torrent. The magnet path returns the hash from the link;
// the raw path returns the hash derived upstream, since load.raw_start
// replies with nothing useful.
func (c *Client) Add(ctx context.Context, release *types.Release) (string, error) {
	method := "load.start"
	params := []xmlRPCValue{
		{Type: "string", Value: ""},
	}

	switch {
	case release.URL != "":
		params = append(params, xmlRPCValue{Type: "string", Value: release.URL})
	case len(release.Payload) > 0:
		method = "load.raw_start"
		params = append(params, xmlRPCValue{Type: "base64", Value: base64.StdEncoding.EncodeToString(release.Payload)})
	default:
		return "", fmt.Errorf("release has neither URL nor payload")
	}
	if c.config.Paused {
		method = strings.Replace(method, ".start", ".normal", 1)
		if method == "load.raw_normal" {
			method = "load.raw"
		}
	}

	if c.config.Category != "" {
		params = append(params, xmlRPCValue{Type: "string", Value: "d.custom1.set=" + c.config.Category})
	}
	if c.config.SavePath != "" {
		params = append(params, xmlRPCValue{Type: "string", Value: "d.directory.set=" + c.config.SavePath})
	}

	if _, err := c.call(ctx, method, params); err != nil {
		return "", err
	}
	return strings.ToLower(release.InfoHash), nil
}

// GetStatus returns the mapped status of one torrent.
func (c *Client) GetStatus(ctx context.Context, infoHash string) (*types.ClientStatus, error) {
	fields, err := c.getTorrent(ctx, infoHash)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		Resource:    asString(fields[fieldName]),
		Destination: asString(fields[fieldBasePath]),
	}

	size := asInt64(fields[fieldSizeBytes])
	left := asInt64(fields[fieldLeftBytes])
	// d.ratio reports per-mille.
	ratio := float64(asInt64(fields[fieldRatio])) / 1000
	status.SetRatio(ratio)
	if size > 0 {
		status.SetProgress(int((size - left) * 100 / size))
	}

	active := asInt64(fields[fieldIsActive]) == 1
	complete := asInt64(fields[fieldComplete]) == 1
	message := asString(fields[fieldMessage])

	switch {
	case message != "" && !strings.HasPrefix(message, "Tracker: [Tried all trackers"):
		status.Add(types.StatusFailed)
	case complete || (size > 0 && left == 0):
		status.Add(types.StatusCompleted)
		if !active {
			status.Add(types.StatusPaused)
		}
		if c.config.SeedRatio > 0 && ratio >= c.config.SeedRatio {
			status.Add(types.StatusSeeded)
		}
	case !active:
		status.Add(types.StatusPaused)
	default:
		status.Add(types.StatusDownloading)
	}

	return status, nil
}

func (c *Client) Remove(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "d.erase", []xmlRPCValue{
		{Type: "string", Value: strings.ToUpper(infoHash)},
	})
	return err
}

// RemoveData erases the torrent and deletes its base path. rTorrent has no
// single call for this; the custom5 convention used by ruTorrent is not
// universally wired, so only the erase is guaranteed.
func (c *Client) RemoveData(ctx context.Context, infoHash string) error {
	upper := strings.ToUpper(infoHash)
	_, _ = c.call(ctx, "d.custom5.set", []xmlRPCValue{
		{Type: "string", Value: upper},
		{Type: "string", Value: "1"},
	})
	_, err := c.call(ctx, "d.erase", []xmlRPCValue{
		{Type: "string", Value: upper},
	})
	return err
}

func (c *Client) Pause(ctx context.Context, infoHash string) error {
	_, err := c.call(ctx, "d.stop", []xmlRPCValue{
		{Type: "string", Value: strings.ToUpper(infoHash)},
	})
	return err
}

// RemoveRatioReached removes torrents whose configured stop-ratio is
// satisfied and whose history row has already been finalised. rTorrent has
// no per-torrent ratio limit over plain XML-RPC, so the configured ratio
// is the only policy source.
func (c *Client) RemoveRatioReached(ctx context.Context, isFinalised func(string) bool) error {
	if c.config.SeedRatio <= 0 {
		return nil
	}

	rows, err := c.listTorrents(ctx)
	if err != nil {
		return err
	}

	for _, fields := range rows {
		hash := strings.ToLower(asString(fields[fieldHash]))
		if hash == "" || !isFinalised(hash) {
			continue
		}
		if asInt64(fields[fieldComplete]) != 1 {
			continue
		}
		if float64(asInt64(fields[fieldRatio]))/1000 < c.config.SeedRatio {
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
	for _, fields := range rows {
		if strings.ToLower(asString(fields[fieldHash])) == lower {
			return fields, nil
		}
	}
	return nil, types.ErrNotFound
}

func (c *Client) listTorrents(ctx context.Context) ([][]any, error) {
	params := []xmlRPCValue{
		{Type: "string", Value: ""},
		{Type: "string", Value: "main"},
	}
	for _, sel := range fieldSelectors {
		params = append(params, xmlRPCValue{Type: "string", Value: sel})
	}

	resp, err := c.call(ctx, "d.multicall2", params)
	if err != nil {
		return nil, err
	}

	outer, ok := resp.([]any)
	if !ok {
		return nil, nil
	}

	rows := make([][]any, 0, len(outer))
	for _, row := range outer {
		fields, ok := row.([]any)
		if !ok || len(fields) < len(fieldSelectors) {
			continue
		}
		rows = append(rows, fields)
	}
	return rows, nil
}

// xmlRPCValue represents a typed XML-RPC parameter.
type xmlRPCValue struct {
	Type  string // "string", "int", "base64"
	Value string
}

func (c *Client) call(ctx context.Context, method string, params []xmlRPCValue) (any, error) {
	reqBody, err := buildXMLRPCRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build XML-RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")
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

	return parseXMLRPCResponse(body)
}

func buildXMLRPCRequest(method string, params []xmlRPCValue) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>`)
	buf.WriteString(`<methodCall><methodName>`)
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString(`</methodName>`)

	if len(params) > 0 {
		buf.WriteString(`<params>`)
		for _, p := range params {
			buf.WriteString(`<param><value>`)
			switch p.Type {
			case "base64":
				buf.WriteString(`<base64>`)
				buf.WriteString(p.Value)
				buf.WriteString(`</base64>`)
			case "int":
				buf.WriteString(`<i4>`)
				buf.WriteString(p.Value)
				buf.WriteString(`</i4>`)
			default:
				buf.WriteString(`<string>`)
				if err := xml.EscapeText(&buf, []byte(p.Value)); err != nil {
					return nil, err
				}
				buf.WriteString(`</string>`)
			}
			buf.WriteString(`</value></param>`)
		}
		buf.WriteString(`</params>`)
	}

	buf.WriteString(`</methodCall>`)
	return buf.Bytes(), nil
}

// XML-RPC response parsing types.

type methodResponse struct {
	Params *responseParams `xml:"params"`
	Fault  *responseFault  `xml:"fault"`
}

type responseParams struct {
	Param []responseParam `xml:"param"`
}

type responseParam struct {
	Value responseValue `xml:"value"`
}

type responseFault struct {
	Value responseValue `xml:"value"`
}

type responseValue struct {
	Inner []byte `xml:",innerxml"`
}

func parseXMLRPCResponse(data []byte) (any, error) {
	var resp methodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse XML-RPC response: %w", err)
	}

	if resp.Fault != nil {
		return nil, parseFault(resp.Fault.Value.Inner)
	}
	if resp.Params == nil || len(resp.Params.Param) == 0 {
		return "", nil
	}
	return parseValue(resp.Params.Param[0].Value.Inner)
}

func parseFault(inner []byte) error {
	val, err := parseValue(inner)
	if err != nil {
		return fmt.Errorf("XML-RPC fault: %s", string(inner))
	}
	if m, ok := val.(map[string]any); ok {
		faultString, _ := m["faultString"].(string)
		return fmt.Errorf("XML-RPC fault: %s", faultString)
	}
	return fmt.Errorf("XML-RPC fault: %v", val)
}

func parseValue(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	decoder := xml.NewDecoder(bytes.NewReader(trimmed))
	return decodeValue(decoder)
}

func decodeValue(decoder *xml.Decoder) (any, error) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", err
		}

		switch t := token.(type) {
		case xml.StartElement:
			return decodeTypedValue(decoder, t.Name.Local)
		case xml.CharData:
			s := strings.TrimSpace(string(t))
			if s != "" {
				return s, nil
			}
		}
	}
}

func decodeTypedValue(decoder *xml.Decoder, typeName string) (any, error) {
	switch typeName {
	case "string":
		return decodeStringContent(decoder, "string")
	case "int", "i4", "i8":
		return decodeIntContent(decoder, typeName)
	case "base64":
		return decodeStringContent(decoder, "base64")
	case "array":
		return decodeArray(decoder)
	case "struct":
		return decodeStruct(decoder)
	case xmlValueTag:
		return decodeValue(decoder)
	case "boolean":
		content, _ := decodeStringContent(decoder, "boolean")
		s, _ := content.(string)
		return s == "1", nil
	default:
		return decodeStringContent(decoder, typeName)
	}
}

func decodeStringContent(decoder *xml.Decoder, endTag string) (any, error) {
	var content strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return content.String(), err
		}
		switch t := token.(type) {
		case xml.CharData:
			content.Write(t)
		case xml.EndElement:
			if t.Name.Local == endTag {
				return content.String(), nil
			}
		}
	}
}

func decodeIntContent(decoder *xml.Decoder, endTag string) (any, error) {
	s, err := decodeStringContent(decoder, endTag)
	if err != nil {
		return int64(0), err
	}
	str, ok := s.(string)
	if !ok {
		return int64(0), nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return int64(0), nil
	}
	return n, nil
}

func decodeArray(decoder *xml.Decoder) ([]any, error) {
	items := []any{}

	for {
		token, err := decoder.Token()
		if err != nil {
			return items, err
		}

		if end, ok := token.(xml.EndElement); ok {
			if end.Name.Local == "array" || end.Name.Local == "data" {
				return items, nil
			}
			continue
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != xmlValueTag {
			continue
		}

		val, valErr := decodeValue(decoder)
		if valErr != nil {
			return items, valErr
		}
		items = append(items, val)
		consumeEndElement(decoder, xmlValueTag)
	}
}

func decodeStruct(decoder *xml.Decoder) (any, error) {
	result := make(map[string]any)

	for {
		token, err := decoder.Token()
		if err != nil {
			return result, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "member" {
				name, val := decodeMember(decoder)
				if name != "" {
					result[name] = val
				}
			}
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return result, nil
			}
		}
	}
}

func decodeMember(decoder *xml.Decoder) (memberName string, memberVal any) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return memberName, memberVal
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				s, _ := decodeStringContent(decoder, "name")
				memberName, _ = s.(string)
			case xmlValueTag:
				memberVal, _ = decodeValue(decoder)
				consumeEndElement(decoder, xmlValueTag)
			}
		case xml.EndElement:
			if t.Name.Local == "member" {
				return memberName, memberVal
			}
		}
	}
}

func consumeEndElement(decoder *xml.Decoder, name string) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return
		}
		if end, ok := token.(xml.EndElement); ok && end.Name.Local == name {
			return
		}
	}
}

func asString(v any) string {
	if val, ok := v.(string); ok {
		return val
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
