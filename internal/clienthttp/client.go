// Package clienthttp is a small client for the relay's HTTP API.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Health reports whether the relay at serverURL answers its health
// endpoint.
func Health(ctx context.Context, serverURL string) error {
	body, err := get(ctx, serverURL, "/health")
	if err != nil {
		return err
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("relay reported not ok")
	}
	return nil
}

// ListPeers returns the owner IDs currently connected to the relay.
func ListPeers(ctx context.Context, serverURL string) ([]string, error) {
	body, err := get(ctx, serverURL, "/peers")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Peers []string `json:"peers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return resp.Peers, nil
}

func get(ctx context.Context, serverURL, path string) ([]byte, error) {
	url := strings.TrimSuffix(serverURL, "/") + path
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
