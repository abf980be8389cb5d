package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// runHub starts the hub loop and stops it when the test finishes.
func runHub(t *testing.T, hub *Hub) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for hub to stop")
		}
	})
}

// hubClient registers a connection-less client with its own send buffer and
// waits until the hub loop has processed the registration. The hub tolerates
// a nil conn, which keeps these tests off the network.
func hubClient(t *testing.T, hub *Hub, name string, sendBuf int) *Client {
	t.Helper()

	c := &Client{
		hub:        hub,
		send:       make(chan []byte, sendBuf),
		remoteAddr: name,
		logger:     testLogger(),
	}
	hub.register <- c

	eventually(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	}, "client "+name+" not registered in time")

	return c
}

// recvFrame reads one broadcast frame off a client send queue and decodes
// the envelope.
func recvFrame(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()

	select {
	case raw := <-c.send:
		var env struct {
			Type string          `json:"type"`
			Ts   *time.Time      `json:"ts"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("client %s received malformed frame %q: %v", c.remoteAddr, raw, err)
		}
		if env.Ts == nil {
			t.Errorf("client %s frame missing timestamp", c.remoteAddr)
		}
		return env.Type, env.Data
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for client %s to receive a frame", c.remoteAddr)
		return "", nil
	}
}

func TestHub_DirectionFrameReachesEveryClient(t *testing.T) {
	hub := NewHub(testLogger(), HubConfig{SendBuf: 4, BroadcastBuf: 8})
	runHub(t, hub)

	clients := []*Client{
		hubClient(t, hub, "monitor-1", 4),
		hubClient(t, hub, "monitor-2", 4),
	}

	frame, err := marshalOutbound(wsOutboundEvent{
		Type: "direction",
		Data: wsDirectionData{Direction: "anticlockwise", Velocity: 0.6, Steps: -3},
	})
	if err != nil {
		t.Fatalf("marshalOutbound failed: %v", err)
	}
	// Bypass BroadcastBytes: it sheds load when the queue is full, and this
	// test is about delivery, not shedding.
	hub.broadcast <- frame

	for _, c := range clients {
		typ, raw := recvFrame(t, c)
		if typ != "direction" {
			t.Errorf("client %s: expected frame type %q, got %q", c.remoteAddr, "direction", typ)
		}
		var data wsDirectionData
		if err := json.Unmarshal(raw, &data); err != nil {
			t.Fatalf("client %s: decode payload: %v", c.remoteAddr, err)
		}
		if data.Direction != "anticlockwise" || data.Velocity != 0.6 || data.Steps != -3 {
			t.Errorf("client %s: unexpected payload %+v", c.remoteAddr, data)
		}
	}
}

func TestHub_StalledClientEvictedOthersKeepReceiving(t *testing.T) {
	hub := NewHub(testLogger(), HubConfig{SendBuf: 1, BroadcastBuf: 8})
	runHub(t, hub)

	stalled := hubClient(t, hub, "stalled", 1)
	live := hubClient(t, hub, "live", 8)

	// Fill the stalled client's queue so the next enqueue cannot succeed.
	stalled.send <- []byte(`{"type":"velocity","data":{"velocity":0.9}}`)

	frame, err := marshalOutbound(wsOutboundEvent{
		Type: "velocity",
		Data: wsVelocityData{Velocity: 0.4},
	})
	if err != nil {
		t.Fatalf("marshalOutbound failed: %v", err)
	}
	hub.broadcast <- frame

	typ, raw := recvFrame(t, live)
	if typ != "velocity" {
		t.Errorf("live client: expected frame type %q, got %q", "velocity", typ)
	}
	var data wsVelocityData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("live client: decode payload: %v", err)
	}
	if data.Velocity != 0.4 {
		t.Errorf("live client: expected velocity 0.4, got %v", data.Velocity)
	}

	// The stalled client must be dropped from the roster...
	eventually(t, 750*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[stalled]
		return !ok
	}, "stalled client still in hub roster")

	// ...and its send channel closed so its writePump would exit. Drain the
	// pre-filled frame first.
	<-stalled.send
	eventually(t, 750*time.Millisecond, func() bool {
		select {
		case _, open := <-stalled.send:
			return !open
		default:
			return false
		}
	}, "stalled client send channel not closed")
}

func TestServer_StateInitHandshakeOverWebsocket(t *testing.T) {
	actions := make(chan Action, 4)

	// Stand-in for the daemon loop: answer snapshot requests with a fixed
	// state.
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case <-stop:
				return
			case act := <-actions:
				if rs, ok := act.(RequestSnapshot); ok {
					rs.Reply <- Snapshot{
						Direction:   "none",
						Velocity:    0.2,
						Steps:       12,
						Sensitivity: "low",
					}
				}
			}
		}
	}()

	srv := NewServer(testLogger(), actions, ServerConfig{})
	runHub(t, srv.Hub())

	mux := http.NewServeMux()
	srv.Register(mux, "/ws")
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame on a fresh connection is the snapshot.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read state_init: %v", err)
	}
	var initEnv struct {
		Type string   `json:"type"`
		Data Snapshot `json:"data"`
	}
	if err := json.Unmarshal(raw, &initEnv); err != nil {
		t.Fatalf("decode state_init frame %q: %v", raw, err)
	}
	if initEnv.Type != "state_init" {
		t.Fatalf("expected first frame type %q, got %q", "state_init", initEnv.Type)
	}
	if initEnv.Data.Steps != 12 || initEnv.Data.Sensitivity != "low" || initEnv.Data.Velocity != 0.2 {
		t.Errorf("unexpected snapshot %+v", initEnv.Data)
	}

	// Subsequent broadcasts reach the registered client through its pumps.
	frame, err := marshalOutbound(wsOutboundEvent{
		Type: "direction",
		Data: wsDirectionData{Direction: "clockwise", Velocity: 0.4, Steps: 13},
	})
	if err != nil {
		t.Fatalf("marshalOutbound failed: %v", err)
	}
	srv.Hub().BroadcastBytes(frame)

	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var dirEnv struct {
		Type string          `json:"type"`
		Data wsDirectionData `json:"data"`
	}
	if err := json.Unmarshal(raw, &dirEnv); err != nil {
		t.Fatalf("decode broadcast frame %q: %v", raw, err)
	}
	if dirEnv.Type != "direction" {
		t.Errorf("expected frame type %q, got %q", "direction", dirEnv.Type)
	}
	if dirEnv.Data.Steps != 13 || dirEnv.Data.Direction != "clockwise" {
		t.Errorf("unexpected broadcast payload %+v", dirEnv.Data)
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		case <-tick.C:
		}
	}
}
