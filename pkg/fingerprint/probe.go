package fingerprint

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/internal/request"
)

// ProbeResult is what a HEAD (or fallback GET) reveals about an HTTP target
// before anything is submitted to the daemon.
type ProbeResult struct {
	OK          bool   `json:"ok"`
	FinalURL    string `json:"final_url"`
	Size        int64  `json:"size"` // 0 when the origin does not say
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Error       string `json:"error,omitempty"`
}

// Prober issues non-mutating size/filename probes. Probes may be retried
// safely.
type Prober struct {
	client *request.Client
}

const maxRedirects = 10

func NewProber(timeout time.Duration) *Prober {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Prober{
		client: request.New(
			request.WithTimeout(timeout),
			request.WithLogger(logger.New("probe")),
			request.WithRedirectPolicy(maxRedirects),
		),
	}
}

// Probe HEAD-requests the URL following redirects; origins that reject HEAD
// get one GET retry. Never downloads the body.
func (p *Prober) Probe(ctx context.Context, rawURL string) ProbeResult {
	resp, err := p.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return ProbeResult{FinalURL: rawURL, Error: err.Error()}
	}
	if resp.StatusCode >= 400 {
		closeBody(resp)
		// some origins reject HEAD outright
		resp, err = p.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return ProbeResult{FinalURL: rawURL, Error: err.Error()}
		}
	}
	defer closeBody(resp)

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if resp.StatusCode >= 400 {
		return ProbeResult{
			FinalURL: finalURL,
			Error:    resp.Status,
		}
	}

	result := ProbeResult{
		OK:          true,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			result.Size = n
		}
	}
	result.Filename = filenameFrom(resp.Header.Get("Content-Disposition"), finalURL)
	return result
}

func (p *Prober) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// filenameFrom prefers RFC 5987 filename* over the quoted filename form over
// a bare filename token, then falls back to the final URL's last path
// segment when it looks like a file name.
func filenameFrom(disposition, finalURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			// mime.ParseMediaType decodes filename* into "filename"
			if name := params["filename"]; name != "" {
				return path.Base(strings.ReplaceAll(name, "\\", "/"))
			}
		}
	}
	if u, err := url.Parse(finalURL); err == nil {
		segment := path.Base(u.Path)
		if segment != "." && segment != "/" && strings.Contains(segment, ".") {
			if unescaped, err := url.PathUnescape(segment); err == nil {
				return unescaped
			}
			return segment
		}
	}
	return ""
}
