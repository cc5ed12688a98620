package config

import (
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1048576", 1 << 20, false},
		{"10GB", 10 << 30, false},
		{"512 MB", 512 << 20, false},
		{"512MiB", 512 << 20, false},
		{"1.5GB", 3 << 29, false},
		{"2TB", 2 << 40, false},
		{"100kb", 100 << 10, false},
		{"", 0, true},
		{"GB", 0, true},
		{"ten gigabytes", 0, true},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q) expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSize(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSizeDefaults(t *testing.T) {
	c := &Config{}
	if got := c.GetMaxTaskSize(); got != 10<<30 {
		t.Errorf("default max task size = %d, want %d", got, int64(10<<30))
	}
	if got := c.GetMinFreeDisk(); got != 1<<30 {
		t.Errorf("default min free disk = %d, want %d", got, int64(1<<30))
	}
	c.MaxTaskSize = "2GB"
	if got := c.GetMaxTaskSize(); got != 2<<30 {
		t.Errorf("max task size = %d, want %d", got, int64(2<<30))
	}
}

func TestQuotaFor(t *testing.T) {
	c := &Config{
		Users: []User{
			{Name: "alice", Quota: "50GB"},
			{Name: "bob"},
		},
		DefaultQuota: "10GB",
	}
	if got := c.QuotaFor("alice"); got != 50<<30 {
		t.Errorf("alice quota = %d, want %d", got, int64(50<<30))
	}
	if got := c.QuotaFor("bob"); got != 10<<30 {
		t.Errorf("bob quota = %d, want %d", got, int64(10<<30))
	}
	if got := c.QuotaFor("nobody"); got != 10<<30 {
		t.Errorf("unknown user quota = %d, want default %d", got, int64(10<<30))
	}
}

func TestNotificationURL(t *testing.T) {
	cases := []struct {
		rpc  string
		want string
	}{
		{"http://localhost:6800/jsonrpc", "ws://localhost:6800/jsonrpc"},
		{"https://aria2.example.com/jsonrpc", "wss://aria2.example.com/jsonrpc"},
		{"ws://already-ws:6800/jsonrpc", "ws://already-ws:6800/jsonrpc"},
	}
	for _, c := range cases {
		cfg := &Config{Aria2: Aria2{RPCUrl: c.rpc}}
		if got := cfg.NotificationURL(); got != c.want {
			t.Errorf("NotificationURL(%q) = %q, want %q", c.rpc, got, c.want)
		}
	}
}

func TestDurationDefaults(t *testing.T) {
	c := &Config{}
	if got := c.GetPollInterval(); got != 2*time.Second {
		t.Errorf("default poll interval = %v, want 2s", got)
	}
	c.PollInterval = "500ms"
	if got := c.GetPollInterval(); got != 500*time.Millisecond {
		t.Errorf("poll interval = %v, want 500ms", got)
	}
	c.PollInterval = "garbage"
	if got := c.GetPollInterval(); got != 2*time.Second {
		t.Errorf("invalid poll interval should fall back to 2s, got %v", got)
	}

	if got := c.GetProbeTimeout(); got != 30*time.Second {
		t.Errorf("default probe timeout = %v, want 30s", got)
	}
	c.ProbeTimeout = "5s"
	if got := c.GetProbeTimeout(); got != 5*time.Second {
		t.Errorf("probe timeout = %v, want 5s", got)
	}

	w := WSReconnect{}
	if got := w.GetMaxDelay(); got != 60*time.Second {
		t.Errorf("default ws max delay = %v, want 60s", got)
	}
	j := Janitor{}
	if got := j.GetHistoryRetention(); got != 720*time.Hour {
		t.Errorf("default history retention = %v, want 720h", got)
	}
}

func TestUserLookup(t *testing.T) {
	c := &Config{
		Users: []User{
			{Name: "alice", APIToken: "tok-alice"},
			{Name: "bob"},
		},
	}
	if u := c.UserByName("alice"); u == nil || u.Name != "alice" {
		t.Error("UserByName should find alice")
	}
	if u := c.UserByName("carol"); u != nil {
		t.Error("UserByName should not find carol")
	}
	if u := c.UserByToken("tok-alice"); u == nil || u.Name != "alice" {
		t.Error("UserByToken should resolve alice's token")
	}
	if u := c.UserByToken(""); u != nil {
		t.Error("empty token must never resolve")
	}
	if u := c.UserByToken("wrong"); u != nil {
		t.Error("unknown token must not resolve")
	}
}
