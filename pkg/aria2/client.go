package aria2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/riptide-dl/riptide/internal/logger"
	"github.com/riptide-dl/riptide/internal/request"
)

// Client talks JSON-RPC 2.0 to the aria2 daemon over HTTP.
type Client struct {
	rpcURL string
	secret string
	http   *request.Client
	logger zerolog.Logger
}

func NewClient(rpcURL, secret string) *Client {
	l := logger.New("aria2")
	return &Client{
		rpcURL: rpcURL,
		secret: secret,
		logger: l,
		http: request.New(
			request.WithTimeout(30*time.Second),
			request.WithLogger(l),
			request.WithMaxRetries(2),
			request.WithRetryableStatus(502, 503),
		),
	}
}

func (c *Client) RPCURL() string { return c.rpcURL }

type rpcReq struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message)
}

// IsGIDNotFound reports whether err is the daemon saying it no longer knows
// the gid, as opposed to a transport failure.
func IsGIDNotFound(err error) bool {
	var re *rpcError
	return errors.As(err, &re) && strings.Contains(re.Message, "not found")
}

// tokenParam prepends "token:<secret>" when a secret is configured; aria2
// expects it as the literal first param of every call.
func (c *Client) tokenParam() []interface{} {
	if c.secret != "" {
		return []interface{}{"token:" + c.secret}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, _ := json.Marshal(rpcReq{
		Jsonrpc: "2.0",
		Method:  method,
		ID:      "riptide",
		Params:  params,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aria2 http %d: %s", resp.StatusCode, string(b))
	}

	var rr rpcResp
	if err := json.Unmarshal(b, &rr); err != nil {
		return nil, fmt.Errorf("aria2 rpc decode: %w (%s)", err, string(b))
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

// AddURI submits a set of uris for one download. options must include "dir".
func (c *Client) AddURI(ctx context.Context, uris []string, options map[string]string) (string, error) {
	params := append(c.tokenParam(), uris, options)
	res, err := c.call(ctx, "aria2.addUri", params)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(res, &gid); err != nil {
		return "", fmt.Errorf("parse addUri result: %w", err)
	}
	return gid, nil
}

// AddTorrent submits raw torrent file contents. aria2 takes the blob
// base64-encoded.
func (c *Client) AddTorrent(ctx context.Context, torrent []byte, uris []string, options map[string]string) (string, error) {
	blob := base64.StdEncoding.EncodeToString(torrent)
	params := append(c.tokenParam(), blob, uris, options)
	res, err := c.call(ctx, "aria2.addTorrent", params)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(res, &gid); err != nil {
		return "", fmt.Errorf("parse addTorrent result: %w", err)
	}
	return gid, nil
}

// TellStatus fetches the daemon's snapshot for one gid. The snapshot is the
// only source of truth: push events merely trigger a re-poll.
func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	params := append(c.tokenParam(), gid)
	res, err := c.call(ctx, "aria2.tellStatus", params)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(res, &st); err != nil {
		return nil, fmt.Errorf("parse tellStatus result: %w", err)
	}
	return &st, nil
}

// Cancel force-removes a download and clears its result record. Either call
// may fail harmlessly when the task is already gone; failures are logged and
// swallowed.
func (c *Client) Cancel(ctx context.Context, gid string) {
	if gid == "" {
		return
	}
	if _, err := c.call(ctx, "aria2.forceRemove", append(c.tokenParam(), gid)); err != nil {
		c.logger.Debug().Err(err).Str("gid", gid).Msg("forceRemove failed")
	}
	if _, err := c.call(ctx, "aria2.removeDownloadResult", append(c.tokenParam(), gid)); err != nil {
		c.logger.Debug().Err(err).Str("gid", gid).Msg("removeDownloadResult failed")
	}
}

// VersionInfo is the aria2.getVersion payload.
type VersionInfo struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	res, err := c.call(ctx, "aria2.getVersion", c.tokenParam())
	if err != nil {
		return nil, err
	}
	var v VersionInfo
	if err := json.Unmarshal(res, &v); err != nil {
		return nil, fmt.Errorf("parse getVersion result: %w", err)
	}
	return &v, nil
}
