package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/registry"
	"github.com/crosstalkhq/crosstalk/internal/relay"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	reg := registry.New(nil)
	srv := New(cfg, reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, reg, ts
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func sendFrame(t *testing.T, sock *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := relay.EncodeFrame(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, sock *websocket.Conn) relay.Frame {
	t.Helper()
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	frame, err := relay.DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return *frame
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMessageRelayBetweenConnections(t *testing.T) {
	_, reg, ts := newTestServer(t)

	alice := dial(t, ts)
	bob := dial(t, ts)

	sendFrame(t, alice, relay.EventJoin, "alice")
	sendFrame(t, alice, relay.EventJoinChat, map[string]string{"chatId": "room-1"})
	waitFor(t, "alice in room", func() bool { return len(reg.MembersOf("room-1")) == 1 })

	sendFrame(t, bob, relay.EventJoin, "bob")
	sendFrame(t, bob, relay.EventJoinChat, map[string]string{"chatId": "room-1"})
	waitFor(t, "bob in room", func() bool { return len(reg.MembersOf("room-1")) == 2 })

	// Bob joined after Alice, so Alice sees his presence update. Drain
	// it before asserting on the message itself.
	frame := readFrame(t, alice)
	if frame.Event != relay.EventUserStatusUpdate {
		t.Fatalf("event = %q, want %q", frame.Event, relay.EventUserStatusUpdate)
	}

	sendFrame(t, alice, relay.EventSendMessage, map[string]any{
		"chatId":  "room-1",
		"message": map[string]any{"text": "hello"},
	})

	got := readFrame(t, bob)
	if got.Event != relay.EventReceiveMessage {
		t.Fatalf("event = %q, want %q", got.Event, relay.EventReceiveMessage)
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Text != "hello" {
		t.Fatalf("text = %q, want %q", payload.Text, "hello")
	}
}

func TestDisconnectUnregistersConnection(t *testing.T) {
	srv, _, ts := newTestServer(t)

	sock := dial(t, ts)
	sendFrame(t, sock, relay.EventJoin, "carol")
	waitFor(t, "connection registered", func() bool { return len(srv.ConnectionIDs()) == 1 })

	sock.Close()
	waitFor(t, "connection dropped", func() bool { return len(srv.ConnectionIDs()) == 0 })
}

func TestOriginRejection(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	srv := New(cfg, registry.New(nil), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("dial succeeded, want origin rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	header.Set("Origin", "https://app.example.com")
	sock, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	sock.Close()
}
