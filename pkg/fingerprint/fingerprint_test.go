package fingerprint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/riptide-dl/riptide/internal/testutil"
)

func TestResolve_MagnetEncodingsCollide(t *testing.T) {
	svc := NewService(5 * time.Second)
	ctx := context.Background()

	hexID, err := svc.Resolve(ctx, Submission{URI: "magnet:?xt=urn:btih:8a19577fb5f690970ca43a57ff1011ae202244b8&dn=x"})
	if err != nil {
		t.Fatalf("Resolve(hex magnet) failed: %v", err)
	}
	b32ID, err := svc.Resolve(ctx, Submission{URI: "magnet:?xt=urn:btih:RIMVO75V62IJODFEHJL76EARVYQCERFY"})
	if err != nil {
		t.Fatalf("Resolve(base32 magnet) failed: %v", err)
	}
	if hexID.URIHash != b32ID.URIHash {
		t.Errorf("hex and base32 magnets must share a fingerprint: %s vs %s", hexID.URIHash, b32ID.URIHash)
	}
	if hexID.Kind != KindMagnet {
		t.Errorf("kind = %s", hexID.Kind)
	}
}

func TestResolve_TorrentMatchesMagnet(t *testing.T) {
	svc := NewService(5 * time.Second)
	ctx := context.Background()

	blob, wantHash := testutil.BuildTorrent(t, "file.bin", []byte("some shared payload"))

	fromTorrent, err := svc.Resolve(ctx, Submission{Torrent: blob})
	if err != nil {
		t.Fatalf("Resolve(torrent) failed: %v", err)
	}
	fromMagnet, err := svc.Resolve(ctx, Submission{URI: "magnet:?xt=urn:btih:" + wantHash})
	if err != nil {
		t.Fatalf("Resolve(magnet) failed: %v", err)
	}
	if fromTorrent.URIHash != fromMagnet.URIHash {
		t.Errorf("torrent and magnet for same content must share a fingerprint")
	}
	if fromTorrent.Kind != KindTorrent {
		t.Errorf("kind = %s", fromTorrent.Kind)
	}
	if fromTorrent.Name != "file.bin" {
		t.Errorf("name = %q", fromTorrent.Name)
	}
	if fromTorrent.Size != int64(len("some shared payload")) {
		t.Errorf("size = %d", fromTorrent.Size)
	}
}

func TestResolve_Malformed(t *testing.T) {
	svc := NewService(5 * time.Second)
	ctx := context.Background()

	cases := []Submission{
		{},
		{URI: "   "},
		{URI: "file:///etc/passwd"},
		{Torrent: []byte("garbage")},
	}
	for _, sub := range cases {
		if _, err := svc.Resolve(ctx, sub); err == nil {
			t.Errorf("expected error for %+v", sub)
		}
	}
}

func TestProbe_FollowsRedirectsToCanonicalURL(t *testing.T) {
	var target *httptest.Server
	target = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mirror-a", "/mirror-b":
			http.Redirect(w, r, target.URL+"/real/file.iso", http.StatusFound)
		case "/real/file.iso":
			w.Header().Set("Content-Length", "4096")
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer target.Close()

	p := NewProber(5 * time.Second)
	a := p.Probe(context.Background(), target.URL+"/mirror-a")
	b := p.Probe(context.Background(), target.URL+"/mirror-b")

	if !a.OK || !b.OK {
		t.Fatalf("probes failed: %+v / %+v", a, b)
	}
	if a.FinalURL != b.FinalURL {
		t.Errorf("both mirrors should land on one final URL: %q vs %q", a.FinalURL, b.FinalURL)
	}
	if HashURL(a.FinalURL) != HashURL(b.FinalURL) {
		t.Error("post-redirect URLs must fingerprint identically")
	}
	if a.Size != 4096 {
		t.Errorf("size = %d", a.Size)
	}
	if a.Filename != "file.iso" {
		t.Errorf("filename = %q", a.Filename)
	}
}

func TestProbe_HeadRejectedFallsBackToGet(t *testing.T) {
	var gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		gets++
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := NewProber(5 * time.Second).Probe(context.Background(), srv.URL+"/dl")
	if !res.OK {
		t.Fatalf("probe failed: %+v", res)
	}
	if gets != 1 {
		t.Errorf("expected exactly one GET fallback, got %d", gets)
	}
	if res.Filename != "report.pdf" {
		t.Errorf("filename = %q", res.Filename)
	}
}

func TestProbe_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res := NewProber(5 * time.Second).Probe(context.Background(), srv.URL+"/missing")
	if res.OK {
		t.Error("404 probe should not be OK")
	}
	if res.FinalURL == "" {
		t.Error("final URL must survive a failed probe")
	}
}

func TestGuardURL(t *testing.T) {
	ctx := context.Background()

	blocked := []string{
		"http://127.0.0.1/x",
		"http://10.1.2.3/x",
		"http://192.168.1.10/x",
		"http://172.16.0.1/x",
		"http://169.254.169.254/latest/meta-data",
		"http://0.0.0.0/x",
		"http://[::1]/x",
		"http://240.0.0.1/x",
	}
	for _, u := range blocked {
		err := GuardURL(ctx, u)
		if !errors.Is(err, ErrBlockedAddress) {
			t.Errorf("GuardURL(%q) = %v, want blocked", u, err)
		}
	}

	malformed := []string{
		"file:///etc/passwd",
		"gopher://example.com",
		"http://",
	}
	for _, u := range malformed {
		err := GuardURL(ctx, u)
		if !errors.Is(err, ErrMalformedURL) {
			t.Errorf("GuardURL(%q) = %v, want malformed", u, err)
		}
	}

	if err := GuardURL(ctx, "http://93.184.216.34/x"); err != nil {
		t.Errorf("public IP should pass, got %v", err)
	}
}

func TestHashURL_Deterministic(t *testing.T) {
	a := HashURL("https://example.com/file.iso")
	b := HashURL("https://example.com/file.iso")
	c := HashURL("https://example.com/other.iso")
	if a != b {
		t.Error("same URL must hash identically")
	}
	if a == c {
		t.Error("different URLs must not collide")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(a))
	}
}
