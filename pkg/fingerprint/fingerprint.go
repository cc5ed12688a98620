package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/riptide-dl/riptide/internal/utils"
)

// ErrMalformedURL rejects submissions that are neither a magnet, a torrent
// blob nor a parseable http/ftp URL.
var ErrMalformedURL = errors.New("malformed url")

type Kind string

const (
	KindMagnet  Kind = "magnet"
	KindTorrent Kind = "torrent"
	KindURL     Kind = "url"
)

// Submission is a user's download request before fingerprinting.
type Submission struct {
	URI     string // magnet link or http/ftp URL
	Torrent []byte // raw torrent file contents, when uploaded
}

// Identity is the deduplication identity of a submission. URIHash is the
// BitTorrent info-hash for magnets and torrents, and the SHA-256 of the
// post-redirect URL for plain downloads.
type Identity struct {
	URIHash  string
	Kind     Kind
	URI      string // canonical uri, credentials masked
	Name     string
	Size     int64 // 0 when unknown
	Torrent  []byte
	FinalURL string
}

// Service resolves submissions into identities. HTTP targets are probed so
// the post-redirect URL and size are known at admission time.
type Service struct {
	prober *Prober
}

func NewService(probeTimeout time.Duration) *Service {
	return &Service{prober: NewProber(probeTimeout)}
}

// Resolve fingerprints a submission. Identical content always produces the
// identical URIHash: hex and base32 magnets collide, and a torrent file
// collides with a magnet for the same info-hash.
func (s *Service) Resolve(ctx context.Context, sub Submission) (*Identity, error) {
	if len(sub.Torrent) > 0 {
		m, err := utils.GetMagnetFromBytes(sub.Torrent)
		if err != nil {
			return nil, err
		}
		return &Identity{
			URIHash: m.InfoHash,
			Kind:    KindTorrent,
			URI:     m.Link,
			Name:    m.Name,
			Size:    m.Size,
			Torrent: sub.Torrent,
		}, nil
	}

	uri := strings.TrimSpace(sub.URI)
	if strings.HasPrefix(uri, "magnet:") {
		m, err := utils.GetMagnetInfo(uri)
		if err != nil {
			return nil, err
		}
		return &Identity{
			URIHash: m.InfoHash,
			Kind:    KindMagnet,
			URI:     uri,
			Name:    m.Name,
		}, nil
	}

	if uri == "" {
		return nil, fmt.Errorf("%w: empty submission", ErrMalformedURL)
	}
	if err := GuardURL(ctx, uri); err != nil {
		return nil, err
	}

	probe := s.prober.Probe(ctx, uri)
	// a public URL can redirect into internal address space; the post-redirect
	// target is what the daemon would actually fetch
	if probe.FinalURL != uri {
		if err := GuardURL(ctx, probe.FinalURL); err != nil {
			return nil, err
		}
	}
	identity := &Identity{
		Kind:     KindURL,
		URI:      utils.MaskURLCredentials(uri),
		FinalURL: probe.FinalURL,
		Name:     probe.Filename,
		Size:     probe.Size,
	}
	// the post-redirect URL is the canonical identity; two links that land
	// on the same target share one download
	identity.URIHash = HashURL(probe.FinalURL)
	return identity, nil
}

// HashURL is the fingerprint of a plain download URL.
func HashURL(finalURL string) string {
	sum := sha256.Sum256([]byte(finalURL))
	return hex.EncodeToString(sum[:])
}
