package nt4

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonwatson/watson-vision/internal/bus"
)

const fakeServerAhead = int64(10_000_000)

// fakeServer is an NT4 server that answers time sync and records
// everything else.
type fakeServer struct {
	t        *testing.T
	noSync   bool
	upgrader websocket.Upgrader

	mu       sync.Mutex
	path     string
	proto    string
	controls []map[string]any
	values   [][]any
	conns    []*websocket.Conn
	gotValue chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:        t,
		upgrader: websocket.Upgrader{Subprotocols: []string{Subprotocol}},
		gotValue: make(chan struct{}, 16),
	}
	ts := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(ts.Close)
	return fs, ts
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.path = r.URL.Path
	fs.proto = conn.Subprotocol()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage {
			var msgs []map[string]any
			json.Unmarshal(data, &msgs)
			fs.mu.Lock()
			fs.controls = append(fs.controls, msgs...)
			fs.mu.Unlock()
			continue
		}

		var msg []any
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			fs.t.Errorf("bad frame: %v", err)
			continue
		}
		if toInt64(msg[0]) == -1 {
			if fs.noSync {
				continue
			}
			reply, _ := msgpack.Marshal([]any{-1, localMicros() + fakeServerAhead, typeInt, msg[3]})
			conn.WriteMessage(websocket.BinaryMessage, reply)
			continue
		}
		fs.mu.Lock()
		fs.values = append(fs.values, msg)
		fs.mu.Unlock()
		fs.gotValue <- struct{}{}
	}
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}

func address(ts *httptest.Server) string {
	return strings.TrimPrefix(ts.URL, "http://")
}

func TestDialAndTimeSync(t *testing.T) {
	fs, ts := newFakeServer(t)

	d := &Dialer{Name: "front"}
	c, err := d.Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	fs.mu.Lock()
	path, proto := fs.path, fs.proto
	fs.mu.Unlock()
	if path != "/nt/front" {
		t.Errorf("path = %q", path)
	}
	if proto != Subprotocol {
		t.Errorf("subprotocol = %q", proto)
	}

	// the fake runs 10 s ahead; allow for the round trip
	diff := c.ServerTime() - localMicros() - fakeServerAhead
	if diff < -200_000 || diff > 200_000 {
		t.Errorf("server time offset error %dus", diff)
	}
}

func TestDialWithoutSyncFallsBackToLocalClock(t *testing.T) {
	fs, ts := newFakeServer(t)
	fs.noSync = true

	d := &Dialer{Name: "front", SyncTimeout: 50 * time.Millisecond}
	c, err := d.Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	if diff := c.ServerTime() - localMicros(); diff < -1000 || diff > 1000 {
		t.Errorf("expected local clock, offset %dus", diff)
	}
}

func TestPublishTopicAndValue(t *testing.T) {
	fs, ts := newFakeServer(t)

	c, err := (&Dialer{Name: "front"}).Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	streams, err := c.PublishTopic(ctx, bus.StreamsTopic("front"), bus.TypeStringArray, bus.Properties{Retained: true})
	if err != nil {
		t.Fatalf("PublishTopic failed: %v", err)
	}
	pose, err := c.PublishTopic(ctx, bus.PoseTopic("front"), bus.TypeRaw, bus.Properties{})
	if err != nil {
		t.Fatalf("PublishTopic failed: %v", err)
	}

	if err := c.PublishValue(ctx, streams, []string{"mjpeg:http://10.0.0.2:3000/test.mjpeg"}); err != nil {
		t.Fatalf("PublishValue failed: %v", err)
	}
	if err := c.PublishValue(ctx, pose, []byte{1, 2, 3}); err != nil {
		t.Fatalf("PublishValue failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-fs.gotValue:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for values")
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(fs.controls) != 2 {
		t.Fatalf("Expected 2 publish messages, got %d", len(fs.controls))
	}
	first := fs.controls[0]
	params := first["params"].(map[string]any)
	if first["method"] != "publish" || params["name"] != "/CameraPublisher/front/streams" || params["type"] != "string[]" {
		t.Errorf("streams publish = %v", first)
	}
	props := params["properties"].(map[string]any)
	if props["retained"] != true || props["persistent"] != false {
		t.Errorf("streams properties = %v", props)
	}
	if p := fs.controls[1]["params"].(map[string]any); p["name"] != "/watson/front" || p["type"] != "raw" {
		t.Errorf("pose publish = %v", p)
	}

	arr := fs.values[0]
	if toInt64(arr[2]) != typeStringArray {
		t.Errorf("string[] type code = %v", arr[2])
	}
	raw := fs.values[1]
	if toInt64(raw[2]) != typeRaw {
		t.Errorf("raw type code = %v", raw[2])
	}
	if b, ok := raw[3].([]byte); !ok || len(b) != 3 || b[2] != 3 {
		t.Errorf("raw value = %#v", raw[3])
	}
}

func TestPublishValueTypeChecks(t *testing.T) {
	_, ts := newFakeServer(t)
	c, err := (&Dialer{Name: "front"}).Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	pose, err := c.PublishTopic(context.Background(), "/watson/front", bus.TypeRaw, bus.Properties{})
	if err != nil {
		t.Fatalf("PublishTopic failed: %v", err)
	}
	if err := c.PublishValue(context.Background(), pose, []string{"x"}); !errors.Is(err, bus.ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch, got %v", err)
	}

	other, err := (&Dialer{Name: "other"}).Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer other.Close()
	if err := other.PublishValue(context.Background(), pose, []byte{1}); !errors.Is(err, bus.ErrForeignPublisher) {
		t.Errorf("Expected ErrForeignPublisher, got %v", err)
	}
}

func TestServerDisconnectFailsPublish(t *testing.T) {
	fs, ts := newFakeServer(t)
	c, err := (&Dialer{Name: "front"}).Dial(context.Background(), address(ts))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	pose, err := c.PublishTopic(context.Background(), "/watson/front", bus.TypeRaw, bus.Properties{})
	if err != nil {
		t.Fatalf("PublishTopic failed: %v", err)
	}

	fs.dropAll()

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the disconnect")
	}

	if err := c.PublishValue(context.Background(), pose, []byte{1}); !errors.Is(err, bus.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestApplyTimeSync(t *testing.T) {
	c := &Client{synced: make(chan struct{})}
	// sent at 1000, server stamped 50_000, reply seen at 1400: server is at
	// 50_200 now, offset 48_800
	c.applyTimeSync(50_000, 1000, 1400)
	if got := c.offsetUS.Load(); got != 48_800 {
		t.Errorf("offset = %d, want 48800", got)
	}
	if c.RTT() != 400*time.Microsecond {
		t.Errorf("RTT = %v", c.RTT())
	}
	// a second sync must not panic on the closed channel
	c.applyTimeSync(60_000, 2000, 2000)
}

func TestRegisteredDialer(t *testing.T) {
	d, err := bus.NewDialer("nt4", bus.Options{ClientName: "front"})
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	nd := d.(*Dialer)
	if nd.Port != DefaultPort || nd.Name != "front" {
		t.Errorf("dialer = %+v", nd)
	}
	if _, err := bus.NewDialer("nt4", bus.Options{}); err == nil {
		t.Error("Expected error without client name")
	}
}
