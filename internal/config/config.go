package config

import (
	"cmp"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	instance   *Config
	once       sync.Once
	configPath string
)

// Aria2 holds the connection settings for the downloader daemon. The
// notification WebSocket URL is derived from the RPC URL by scheme swap.
type Aria2 struct {
	RPCUrl    string `json:"rpc_url,omitempty"`
	RPCSecret string `json:"rpc_secret,omitempty"`
}

// WSReconnect controls the push-stream reconnect backoff schedule.
type WSReconnect struct {
	MaxDelay string  `json:"max_delay,omitempty"` // cap, default 60s
	Factor   float64 `json:"factor,omitempty"`    // default 2
	Jitter   float64 `json:"jitter,omitempty"`    // fraction, default 0.2
}

func (w WSReconnect) GetMaxDelay() time.Duration {
	d, err := time.ParseDuration(cmp.Or(w.MaxDelay, "60s"))
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

type Auth struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // bcrypt hash
	APIToken string `json:"api_token,omitempty"`
}

// User is a tenant known to the orchestrator. Quota is a humanized size
// string ("100GB"); empty means the default quota applies.
type User struct {
	Name     string `json:"name"`
	Quota    string `json:"quota,omitempty"`
	Password string `json:"password,omitempty"`  // bcrypt hash
	APIToken string `json:"api_token,omitempty"` // per-user token for header auth
}

// UserByName returns the configured user, or nil.
func (c *Config) UserByName(name string) *User {
	for i := range c.Users {
		if c.Users[i].Name == name {
			return &c.Users[i]
		}
	}
	return nil
}

// UserByToken resolves a per-user API token, or nil.
func (c *Config) UserByToken(token string) *User {
	if token == "" {
		return nil
	}
	for i := range c.Users {
		if c.Users[i].APIToken != "" && c.Users[i].APIToken == token {
			return &c.Users[i]
		}
	}
	return nil
}

type Janitor struct {
	SweepInterval    string `json:"sweep_interval,omitempty"`    // orphaned store paths, default 30m
	HistoryRetention string `json:"history_retention,omitempty"` // default 720h
}

func (j Janitor) GetHistoryRetention() time.Duration {
	d, err := time.ParseDuration(cmp.Or(j.HistoryRetention, "720h"))
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}

type Config struct {
	// server
	BindAddress string `json:"bind_address,omitempty"`
	URLBase     string `json:"url_base,omitempty"`
	Port        string `json:"port,omitempty"`

	LogLevel     string      `json:"log_level,omitempty"`
	DownloadRoot string      `json:"download_root,omitempty"`
	Aria2        Aria2       `json:"aria2,omitempty"`
	MaxTaskSize  string      `json:"max_task_size,omitempty"`  // default 10GB
	MinFreeDisk  string      `json:"min_free_disk,omitempty"`  // default 1GB
	PollInterval string      `json:"poll_interval,omitempty"`  // default 2s
	ProbeTimeout string      `json:"probe_timeout,omitempty"`  // default 30s
	WSReconnect  WSReconnect `json:"ws_reconnect,omitempty"`
	Janitor      Janitor     `json:"janitor,omitempty"`

	Users        []User `json:"users,omitempty"`
	DefaultQuota string `json:"default_quota,omitempty"` // default 100GB

	DownloadTokenExpiry string `json:"download_token_expiry,omitempty"`

	Path    string `json:"-"` // Path to save the config file
	UseAuth bool   `json:"use_auth,omitempty"`
	Auth    *Auth  `json:"-"`
}

func (c *Config) JsonFile() string {
	return filepath.Join(c.Path, "config.json")
}

func (c *Config) AuthFile() string {
	return filepath.Join(c.Path, "auth.json")
}

func (c *Config) DatabaseFile() string {
	return filepath.Join(c.Path, "riptide.db")
}

func (c *Config) loadConfig() error {
	if configPath == "" {
		return fmt.Errorf("config path not set")
	}
	c.Path = configPath
	file, err := os.ReadFile(c.JsonFile())
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("Config file not found, creating a new one at %s\n", c.JsonFile())
			if err := c.createConfig(c.Path); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
			return c.Save()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := json.Unmarshal(file, &c); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	c.setDefaults()
	return nil
}

func ValidateConfig(config *Config) error {
	if config.Aria2.RPCUrl == "" {
		return errors.New("aria2 rpc url is required")
	}
	if _, err := url.Parse(config.Aria2.RPCUrl); err != nil {
		return fmt.Errorf("invalid aria2 rpc url: %w", err)
	}
	if config.DownloadRoot == "" {
		return errors.New("download root is required")
	}
	return nil
}

// generateAPIToken creates a new random API token
func generateAPIToken() (string, error) {
	bytes := make([]byte, 32) // 256-bit token
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func SetConfigPath(path string) {
	configPath = path
}

func Get() *Config {
	once.Do(func() {
		instance = &Config{}
		if err := instance.loadConfig(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "configuration Error: %v\n", err)
			os.Exit(1)
		}
	})
	return instance
}

// NotificationURL derives the daemon WebSocket URL from the RPC URL
// (http -> ws, https -> wss).
func (c *Config) NotificationURL() string {
	u := c.Aria2.RPCUrl
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Config) GetMaxTaskSize() int64 {
	s, err := ParseSize(cmp.Or(c.MaxTaskSize, "10GB"))
	if err != nil {
		return 10 << 30
	}
	return s
}

func (c *Config) GetMinFreeDisk() int64 {
	s, err := ParseSize(cmp.Or(c.MinFreeDisk, "1GB"))
	if err != nil {
		return 1 << 30
	}
	return s
}

func (c *Config) GetDownloadTokenExpiry() time.Duration {
	d, err := time.ParseDuration(cmp.Or(c.DownloadTokenExpiry, "24h"))
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func (c *Config) GetProbeTimeout() time.Duration {
	d, err := time.ParseDuration(cmp.Or(c.ProbeTimeout, "30s"))
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (c *Config) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(cmp.Or(c.PollInterval, "2s"))
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// QuotaFor returns the configured quota for a user, falling back to the
// default quota.
func (c *Config) QuotaFor(user string) int64 {
	for _, u := range c.Users {
		if u.Name == user && u.Quota != "" {
			if s, err := ParseSize(u.Quota); err == nil {
				return s
			}
		}
	}
	s, err := ParseSize(cmp.Or(c.DefaultQuota, "100GB"))
	if err != nil {
		return 100 << 30
	}
	return s
}

// ParseSize converts a humanized size string ("10GB", "512 MiB", "1048576")
// to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, errors.New("empty size")
	}
	units := []struct {
		suffix string
		mult   int64
	}{
		{"TIB", 1 << 40}, {"TB", 1 << 40},
		{"GIB", 1 << 30}, {"GB", 1 << 30},
		{"MIB", 1 << 20}, {"MB", 1 << 20},
		{"KIB", 1 << 10}, {"KB", 1 << 10},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			return int64(f * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n, nil
}

func (c *Config) GetAuth() *Auth {
	if !c.UseAuth {
		return nil
	}
	if c.Auth == nil {
		c.Auth = &Auth{}
		if _, err := os.Stat(c.AuthFile()); err == nil {
			file, err := os.ReadFile(c.AuthFile())
			if err == nil {
				_ = json.Unmarshal(file, c.Auth)
			}
		}
	}
	return c.Auth
}

func (c *Config) SaveAuth(auth *Auth) error {
	c.Auth = auth
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	return os.WriteFile(c.AuthFile(), data, 0644)
}

func (c *Config) NeedsSetup() error {
	return ValidateConfig(c)
}

func (c *Config) setDefaults() {
	if c.URLBase == "" {
		c.URLBase = "/"
	}
	if !strings.HasPrefix(c.URLBase, "/") {
		c.URLBase = "/" + c.URLBase
	}
	if !strings.HasSuffix(c.URLBase, "/") {
		c.URLBase += "/"
	}

	c.Port = cmp.Or(c.Port, "8282")
	c.PollInterval = cmp.Or(c.PollInterval, "2s")
	c.ProbeTimeout = cmp.Or(c.ProbeTimeout, "30s")
	c.DownloadRoot = cmp.Or(c.DownloadRoot, filepath.Join(c.Path, "downloads"))

	c.WSReconnect.MaxDelay = cmp.Or(c.WSReconnect.MaxDelay, "60s")
	if c.WSReconnect.Factor == 0 {
		c.WSReconnect.Factor = 2
	}
	if c.WSReconnect.Jitter == 0 {
		c.WSReconnect.Jitter = 0.2
	}

	c.Janitor.SweepInterval = cmp.Or(c.Janitor.SweepInterval, "30m")
	c.Janitor.HistoryRetention = cmp.Or(c.Janitor.HistoryRetention, "720h")
	c.DownloadTokenExpiry = cmp.Or(c.DownloadTokenExpiry, "24h")

	// Load the auth file
	c.Auth = c.GetAuth()

	// Generate API token if auth is enabled and no token exists
	if c.UseAuth {
		if c.Auth == nil {
			c.Auth = &Auth{}
		}
		if c.Auth.APIToken == "" {
			if token, err := generateAPIToken(); err == nil {
				c.Auth.APIToken = token
				_ = c.SaveAuth(c.Auth)
			}
		}
	}
}

func (c *Config) Save() error {
	c.setDefaults()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.JsonFile(), data, 0644)
}

func (c *Config) createConfig(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	c.Path = path
	c.URLBase = "/"
	c.Port = "8282"
	c.LogLevel = "info"
	c.UseAuth = true
	c.DownloadRoot = filepath.Join(path, "downloads")
	c.Aria2 = Aria2{RPCUrl: "http://localhost:6800/jsonrpc"}
	return nil
}

// Reload forces a reload of the configuration from disk
func Reload() {
	instance = nil
	once = sync.Once{}
}
