package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/Acbn-Nick/webmumble/internal/config"
	"github.com/Acbn-Nick/webmumble/internal/protocol"
	"github.com/Acbn-Nick/webmumble/internal/transport/bridge"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fakeBackend struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	types chan string
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		conns: make(chan *websocket.Conn, 4),
		types: make(chan string, 64),
	}
	up := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env bridge.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				continue
			}
			b.types <- env.Type
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws"
}

func (b *fakeBackend) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

func (b *fakeBackend) expectType(t *testing.T, typ string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-b.types:
			if got == typ {
				return
			}
		case <-deadline:
			t.Fatalf("no %s envelope received", typ)
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"type": typ, "payload": payload})
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

func testConfig(url string) *config.Config {
	return &config.Config{
		Username: "demo",
		Bridge: config.Bridge{
			URL:          url,
			Server:       "127.0.0.1",
			Port:         64738,
			Insecure:     true,
			ReconnectMin: 20 * time.Millisecond,
			ReconnectMax: 100 * time.Millisecond,
		},
		Capture: config.Capture{
			FPS:              5,
			Quality:          50,
			MaxWidth:         1280,
			MaxHeight:        720,
			DiffThreshold:    10,
			KeyframeInterval: 30,
		},
		API:     config.API{Addr: "127.0.0.1:0"},
		Logging: config.Logging{Level: "info"},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAgentLifecycle(t *testing.T) {
	b := startFakeBackend(t)
	a := New(testConfig(b.url()))

	if err := a.StartCapture(); err == nil {
		t.Fatal("capture started before the bridge linked")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	conn := b.accept(t)
	b.expectType(t, "connect")
	send(t, conn, "connected", map[string]string{"status": "ok"})
	send(t, conn, "sync_tree", map[string]interface{}{
		"id":   "0",
		"name": "Root",
		"children": []interface{}{map[string]interface{}{
			"id":   "3",
			"name": "ops",
			"users": []interface{}{
				map[string]interface{}{"id": "7", "name": "demo", "isSelf": true, "channelId": "3"},
				map[string]interface{}{"id": "8", "name": "bob", "channelId": "3"},
			},
		}},
	})

	waitFor(t, func() bool {
		st := a.bridge.State()
		return st.Linked && st.SelfID == "7"
	}, "identity never linked")
	waitFor(t, func() bool {
		return a.CaptureStatus().UserID == "7"
	}, "capture identity never rebound")

	// A peer announcing a stream lands in the playback directory.
	ann, err := protocol.Encode(protocol.NewAnnounce("8", "bob", true))
	if err != nil {
		t.Fatalf("encode announce: %v", err)
	}
	send(t, conn, "video", map[string]interface{}{
		"sender":   "bob",
		"senderId": "8",
		"data":     jsoniter.RawMessage(ann),
	})
	waitFor(t, func() bool {
		return len(a.playback.Streams()) == 1
	}, "announce never reached playback")

	// The peer leaving the room clears its stream.
	send(t, conn, "subscriber_gone", map[string]string{"userId": "8"})
	waitFor(t, func() bool {
		return len(a.playback.Streams()) == 0
	}, "departed peer still listed")

	cancel()
	select {
	case err := <-runDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run never exited")
	}
}
