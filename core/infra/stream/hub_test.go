package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, 1)

	hub.Broadcast(map[string]any{"data_id": "p|a.tif", "stage": "queued"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["data_id"] != "p|a.tif" || got["stage"] != "queued" {
		t.Fatalf("unexpected message %v", got)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dial(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}

func TestForeignOriginRejected(t *testing.T) {
	hub := NewHub(Options{AllowedOrigins: []string{"https://dashboard.example"}})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := dial(t, srv, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
	conn, _, err := dial(t, srv, http.Header{"Origin": []string{"https://dashboard.example"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestOriginAllowed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://clms.local/progress", nil)
	if !originAllowed(r, nil) {
		t.Fatalf("missing origin should pass")
	}
	r.Header.Set("Origin", "http://clms.local")
	if !originAllowed(r, nil) {
		t.Fatalf("same-host origin should pass")
	}
	r.Header.Set("Origin", "http://other.local")
	if originAllowed(r, nil) {
		t.Fatalf("cross-host origin should fail without allow list")
	}
	if !originAllowed(r, []string{"*"}) {
		t.Fatalf("wildcard should pass")
	}
}
