package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// PeerInfo describes one process in the cluster roster: a timestamper or a
// shard, identified by a stable id plus the address it can be reached at.
type PeerInfo struct {
	ID     string    `json:"id"`
	Addr   string    `json:"addr"`
	Kind   string    `json:"kind"` // "timestamper" or "shard"
	Status string    `json:"status,omitempty"`
	LastOK time.Time `json:"last_ok,omitempty"`
}

// RegisterRequest is sent by a timestamper or shard process to the
// membership service at startup.
type RegisterRequest struct {
	Peer PeerInfo `json:"peer"`
}

// BroadcastRequest carries a control-plane message from the membership
// service out to every registered peer — a roster change, a
// configuration-version bump.
type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// httpClient is shared across every JSON call for connection reuse.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends a JSON-encoded POST request to url and decodes the JSON
// response into out (nil to ignore the response body).
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "transport: marshal request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errors.Wrap(err, "transport: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "transport: post %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("transport: post %s: http %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "transport: decode response")
}

// GetJSON sends a GET request to url and decodes the JSON response into
// out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "transport: build request")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "transport: get %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("transport: get %s: http %d", url, resp.StatusCode)
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "transport: decode response")
}

// CheckHealth performs a GET against addr's /health endpoint, returning an
// error if the peer is unreachable or responds with a non-200 status. addr
// may be a bare host:port or a full http(s):// URL.
func CheckHealth(ctx context.Context, addr string) error {
	url := addr
	if len(url) < 7 || (url[:7] != "http://" && (len(url) < 8 || url[:8] != "https://")) {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", http.NoBody)
	if err != nil {
		return errors.Wrap(err, "transport: build health check request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "transport: health check %s", addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("transport: health check %s: http %d", addr, resp.StatusCode)
	}
	return nil
}
