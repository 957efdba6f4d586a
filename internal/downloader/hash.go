package downloader

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/pymedusa/medusa/internal/downloader/types"
)

var hexHashRegex = regexp.MustCompile("^[0-9a-fA-F]{40}$")

// InfoHashForRelease resolves the correlation key for a release: the known
// hash if present, otherwise derived from the magnet URI or by decoding the
// .torrent payload.
func InfoHashForRelease(release *types.Release) (string, error) {
	if release.InfoHash != "" {
		return NormalizeInfoHash(release.InfoHash)
	}
	if strings.HasPrefix(release.URL, "magnet:") {
		return InfoHashFromMagnet(release.URL)
	}
	if len(release.Payload) > 0 {
		return InfoHashFromPayload(release.Payload)
	}
	return "", fmt.Errorf("release %q carries no info hash source", release.Name)
}

// InfoHashFromMagnet extracts the btih hash from a magnet URI.
func InfoHashFromMagnet(magnet string) (string, error) {
	const prefix = "xt=urn:btih:"
	start := strings.Index(magnet, prefix)
	if start == -1 {
		return "", fmt.Errorf("magnet URI has no btih hash")
	}
	hash := magnet[start+len(prefix):]
	if end := strings.IndexAny(hash, "&#"); end != -1 {
		hash = hash[:end]
	}
	return NormalizeInfoHash(hash)
}

// InfoHashFromPayload bencode-decodes a .torrent payload and returns the
// hex info hash of its info dictionary.
func InfoHashFromPayload(payload []byte) (string, error) {
	mi, err := metainfo.Load(bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to decode torrent payload: %w", err)
	}
	return mi.HashInfoBytes().HexString(), nil
}

// NormalizeInfoHash lowercases a 40-char hex hash and converts the base32
// form some magnet links carry.
func NormalizeInfoHash(input string) (string, error) {
	if hexHashRegex.MatchString(input) {
		return strings.ToLower(input), nil
	}
	if len(input) == 32 {
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(strings.TrimRight(input, "=")))
		if err == nil && len(decoded) == 20 {
			return hex.EncodeToString(decoded), nil
		}
	}
	return "", fmt.Errorf("invalid info hash: %s", input)
}
