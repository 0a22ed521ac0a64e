package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPeerInfoRoundTrip(t *testing.T) {
	peer := PeerInfo{ID: "shard-1", Addr: "localhost:9001", Kind: "shard"}
	data, err := json.Marshal(peer)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded PeerInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != peer {
		t.Fatalf("got %+v want %+v", decoded, peer)
	}
}

func TestPostJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("server failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(PeerInfo{ID: req.Peer.ID, Addr: req.Peer.Addr, Status: "healthy"})
	}))
	defer srv.Close()

	var resp PeerInfo
	err := PostJSON(context.Background(), srv.URL, RegisterRequest{Peer: PeerInfo{ID: "shard-1", Addr: "localhost:9001"}}, &resp)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if resp.ID != "shard-1" || resp.Status != "healthy" {
		t.Fatalf("got %+v", resp)
	}
}

func TestPostJSONHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.URL, RegisterRequest{}, nil)
	if err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestGetJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PeerInfo{ID: "vt-0", Addr: "localhost:9000"})
	}))
	defer srv.Close()

	var resp PeerInfo
	if err := GetJSON(context.Background(), srv.URL, &resp); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if resp.ID != "vt-0" {
		t.Fatalf("got %+v", resp)
	}
}
