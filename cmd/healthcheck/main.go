package main

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riptide-dl/riptide/internal/config"
)

// HealthStatus represents the status of various components
type HealthStatus struct {
	API           bool `json:"api"`
	Daemon        bool `json:"daemon"`
	OverallStatus bool `json:"overall_status"`
}

func main() {
	var (
		configPath   string
		isBasicCheck bool
		debug        bool
	)
	flag.StringVar(&configPath, "config", "/data", "path to the data folder")
	flag.BoolVar(&isBasicCheck, "basic", false, "perform basic health check without the daemon")
	flag.BoolVar(&debug, "debug", false, "enable debug mode for detailed output")
	flag.Parse()
	config.SetConfigPath(configPath)
	cfg := config.Get()
	port := getEnvOrDefault("RIPTIDE_PORT", cfg.Port)

	status := HealthStatus{}

	// Create a context with timeout for all HTTP requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	baseUrl := cmp.Or(cfg.URLBase, "/")
	if !strings.HasPrefix(baseUrl, "/") {
		baseUrl = "/" + baseUrl
	}

	var g errgroup.Group
	g.Go(func() error {
		status.API = checkAPI(ctx, baseUrl, port)
		return nil
	})
	if isBasicCheck {
		status.Daemon = true
	} else {
		g.Go(func() error {
			status.Daemon = checkDaemon(ctx, cfg.Aria2.RPCUrl, cfg.Aria2.RPCSecret)
			return nil
		})
	}
	_ = g.Wait()

	status.OverallStatus = status.API && status.Daemon

	// Optional: output health status as JSON for logging
	if debug {
		statusJSON, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(statusJSON))
	}

	// Exit with appropriate code
	if status.OverallStatus {
		os.Exit(0)
	} else {
		os.Exit(1)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func checkAPI(ctx context.Context, baseUrl, port string) bool {
	url := fmt.Sprintf("http://localhost:%s%sversion", port, baseUrl)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// checkDaemon issues aria2.getVersion straight at the daemon.
func checkDaemon(ctx context.Context, rpcURL, secret string) bool {
	params := []interface{}{}
	if secret != "" {
		params = append(params, "token:"+secret)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "healthcheck",
		"method":  "aria2.getVersion",
		"params":  params,
	})
	req, err := http.NewRequestWithContext(ctx, "POST", rpcURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}
