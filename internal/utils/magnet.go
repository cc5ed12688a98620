package utils

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

var (
	hexRegex = regexp.MustCompile("^[0-9a-fA-F]{40}$")

	ErrInvalidMagnet  = errors.New("invalid magnet link")
	ErrCorruptTorrent = errors.New("corrupt torrent file")
)

// Magnet is the parsed identity of a BitTorrent submission.
type Magnet struct {
	Name     string `json:"name"`
	InfoHash string `json:"infoHash"`
	Size     int64  `json:"size"`
	Link     string `json:"link"`
	File     []byte `json:"-"`
}

func (m *Magnet) IsTorrent() bool {
	return m.File != nil
}

// GetMagnetInfo parses a magnet link and normalizes its info-hash to
// lowercase hex. Base32-encoded hashes are converted.
func GetMagnetInfo(magnetLink string) (*Magnet, error) {
	if magnetLink == "" {
		return nil, ErrInvalidMagnet
	}

	mi, err := metainfo.ParseMagnetUri(magnetLink)
	if err != nil {
		// metainfo rejects base32 btih values; fall back to manual extraction.
		hash := ExtractInfoHash(magnetLink)
		if hash == "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidMagnet, err)
		}
		return &Magnet{InfoHash: hash, Link: magnetLink}, nil
	}

	return &Magnet{
		InfoHash: strings.ToLower(mi.InfoHash.HexString()),
		Name:     mi.DisplayName,
		Link:     mi.String(),
	}, nil
}

// GetMagnetFromBytes parses torrent file contents and computes the SHA-1
// info-hash over the bencoded info dictionary.
func GetMagnetFromBytes(torrentData []byte) (*Magnet, error) {
	mi, err := metainfo.Load(bytes.NewReader(torrentData))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptTorrent, err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrCorruptTorrent)
	}

	hash := mi.HashInfoBytes()
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorruptTorrent, err)
	}
	magnetMeta := mi.Magnet(&hash, &info)
	return &Magnet{
		InfoHash: strings.ToLower(hash.HexString()),
		Name:     info.Name,
		Size:     info.TotalLength(),
		Link:     magnetMeta.String(),
		File:     torrentData,
	}, nil
}

// ExtractInfoHash pulls the urn:btih parameter out of a magnet link and
// normalizes it. Returns "" when no valid hash is present.
func ExtractInfoHash(magnetDesc string) string {
	const prefix = "xt=urn:btih:"
	start := strings.Index(magnetDesc, prefix)
	if start == -1 {
		return ""
	}
	start += len(prefix)
	hash := magnetDesc[start:]
	if end := strings.IndexAny(hash, "&#"); end != -1 {
		hash = hash[:end]
	}
	hash, _ = processInfoHash(hash)
	return hash
}

func processInfoHash(input string) (string, error) {
	// If it's already a valid hex infohash, return it as is
	if hexRegex.MatchString(input) {
		return strings.ToLower(input), nil
	}

	// If it's 32 characters long, it might be Base32 encoded
	if len(input) == 32 {
		input = strings.ToUpper(strings.TrimRight(input, "="))
		decoded, err := base32.StdEncoding.DecodeString(input)
		if err == nil && len(decoded) == 20 {
			return hex.EncodeToString(decoded), nil
		}
	}

	return "", fmt.Errorf("invalid infohash: %s", input)
}
