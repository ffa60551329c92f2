// Package nt4 is a minimal NetworkTables 4 publisher over websocket.
//
// Control messages (publish) are JSON text frames. Values and time sync are
// msgpack binary frames of the form [id, timestamp_us, type, value].
package nt4

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wilsonwatson/watson-vision/internal/bus"
)

const (
	// DefaultPort is the NT4 server port.
	DefaultPort = 5810

	// Subprotocol is offered first; LegacySubprotocol is the 4.0 name.
	Subprotocol       = "v4.1.networktables.first.wpi.edu"
	LegacySubprotocol = "networktables.first.wpi.edu"

	// ResyncInterval is how often the server clock offset is refreshed.
	ResyncInterval = 3 * time.Second

	timeSyncID = -1
)

// wire type codes
const (
	typeInt         = 2
	typeRaw         = 5
	typeStringArray = 20
)

func typeCode(t bus.Type) (int, string, error) {
	switch t {
	case bus.TypeRaw:
		return typeRaw, "raw", nil
	case bus.TypeStringArray:
		return typeStringArray, "string[]", nil
	}
	return 0, "", fmt.Errorf("nt4: unsupported topic type %q", t)
}

func init() {
	bus.Register("nt4", func(opts bus.Options) (bus.Dialer, error) {
		if opts.ClientName == "" {
			return nil, errors.New("nt4: client name is required")
		}
		port := opts.Port
		if port == 0 {
			port = DefaultPort
		}
		return &Dialer{Name: opts.ClientName, Port: port}, nil
	})
}

// Dialer connects NT4 clients.
type Dialer struct {
	// Name is the client name placed in the URL path.
	Name string
	// Port is used when the address has none.
	Port int
	// SyncTimeout bounds the wait for the first time sync reply.
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Connect implements bus.Dialer.
func (d *Dialer) Connect(ctx context.Context, address string) (bus.Session, error) {
	return d.Dial(ctx, address)
}

// Dial opens a websocket to ws://address/nt/<name> and performs the first
// clock sync.
func (d *Dialer) Dial(ctx context.Context, address string) (*Client, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		port := d.Port
		if port == 0 {
			port = DefaultPort
		}
		host = net.JoinHostPort(address, strconv.Itoa(port))
	}
	u := url.URL{Scheme: "ws", Host: host, Path: "/nt/" + d.Name}

	wsDialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol, LegacySubprotocol},
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := wsDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("nt4 connect %s: %w", u.String(), err)
	}

	c := &Client{
		conn:   conn,
		logger: logger.With("transport", "nt4", "server", host),
		done:   make(chan struct{}),
		synced: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.sendTimeSync(); err != nil {
		c.Close()
		return nil, err
	}

	timeout := d.SyncTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case <-c.synced:
	case <-c.done:
		conn.Close()
		return nil, fmt.Errorf("nt4 connect %s: %w", host, c.err())
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-time.After(timeout):
		c.logger.Warn("no time sync reply, using local clock", "timeout", timeout)
	}

	go c.resyncLoop()

	c.logger.Info("nt4 connected", "subprotocol", conn.Subprotocol())
	return c, nil
}

// Client is one NT4 connection. It implements bus.Session.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	nextUID atomic.Int32

	offsetUS   atomic.Int64
	syncOnce   sync.Once
	synced     chan struct{}
	lastRTT    atomic.Int64
	syncCount  atomic.Uint64
	valuesSent atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	readErr   error
}

type publisher struct {
	owner *Client
	name  string
	typ   bus.Type
	code  int
	uid   int32
}

func (p *publisher) Name() string   { return p.name }
func (p *publisher) Type() bus.Type { return p.typ }

type publishParams struct {
	Name       string         `json:"name"`
	PubUID     int32          `json:"pubuid"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

type controlMessage struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// PublishTopic implements bus.Session.
func (c *Client) PublishTopic(ctx context.Context, name string, typ bus.Type, props bus.Properties) (bus.Publisher, error) {
	code, typeName, err := typeCode(typ)
	if err != nil {
		return nil, err
	}

	p := &publisher{owner: c, name: name, typ: typ, code: code, uid: c.nextUID.Add(1)}
	msg := []controlMessage{{
		Method: "publish",
		Params: publishParams{
			Name:   name,
			PubUID: p.uid,
			Type:   typeName,
			Properties: map[string]any{
				"persistent": props.Persistent,
				"retained":   props.Retained,
			},
		},
	}}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("nt4 publish %s: %w", name, err)
	}
	if err := c.write(ctx, websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("nt4 publish %s: %w", name, err)
	}

	c.logger.Debug("topic published", "topic", name, "pubuid", p.uid, "type", typeName)
	return p, nil
}

// PublishValue implements bus.Session.
func (c *Client) PublishValue(ctx context.Context, pub bus.Publisher, value any) error {
	p, ok := pub.(*publisher)
	if !ok || p.owner != c {
		return bus.ErrForeignPublisher
	}
	if err := bus.CheckValue(p.typ, value); err != nil {
		return err
	}

	frame, err := msgpack.Marshal([]any{p.uid, c.ServerTime(), p.code, value})
	if err != nil {
		return fmt.Errorf("nt4 encode %s: %w", p.name, err)
	}
	if err := c.write(ctx, websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("nt4 value %s: %w", p.name, err)
	}
	c.valuesSent.Add(1)
	return nil
}

// ServerTime implements bus.Session. Before the first sync it is the local
// clock.
func (c *Client) ServerTime() int64 {
	return localMicros() + c.offsetUS.Load()
}

// RTT returns the last measured round trip time.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.lastRTT.Load()) * time.Microsecond
}

// Close implements bus.Session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.logger.Info("nt4 disconnected",
			"values_sent", c.valuesSent.Load(),
			"time_syncs", c.syncCount.Load(),
		)
	})
	<-c.done
	return err
}

func (c *Client) write(ctx context.Context, kind int, payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", bus.ErrSessionClosed, c.err())
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(kind, payload)
}

func (c *Client) sendTimeSync() error {
	frame, err := msgpack.Marshal([]any{timeSyncID, 0, typeInt, localMicros()})
	if err != nil {
		return err
	}
	return c.write(context.Background(), websocket.BinaryMessage, frame)
}

func (c *Client) resyncLoop() {
	ticker := time.NewTicker(ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.sendTimeSync(); err != nil {
				c.logger.Debug("time sync send failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := c.handleBinary(data); err != nil {
				c.logger.Debug("bad binary frame", "error", err, "size", len(data))
			}
		case websocket.TextMessage:
			// announcements for topics we do not subscribe to
		}
	}
}

// handleBinary walks every message packed in one frame.
func (c *Client) handleBinary(data []byte) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	for {
		n, err := dec.DecodeArrayLen()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if n != 4 {
			return fmt.Errorf("message has %d fields", n)
		}
		id, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		serverTS, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		if err := dec.Skip(); err != nil {
			return err
		}
		if id != timeSyncID {
			if err := dec.Skip(); err != nil {
				return err
			}
			continue
		}
		sentAt, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		c.applyTimeSync(serverTS, sentAt, localMicros())
	}
}

// applyTimeSync sets offset so that local+offset is the server time now,
// assuming a symmetric path.
func (c *Client) applyTimeSync(serverTS, sentAt, now int64) {
	rtt := now - sentAt
	if rtt < 0 {
		rtt = 0
	}
	c.offsetUS.Store(serverTS + rtt/2 - now)
	c.lastRTT.Store(rtt)
	c.syncCount.Add(1)
	c.syncOnce.Do(func() { close(c.synced) })
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.errMu.Unlock()
}

func (c *Client) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return bus.ErrSessionClosed
	}
	return c.readErr
}

var epoch = time.Now()

// localMicros is a monotonic microsecond clock.
func localMicros() int64 {
	return time.Since(epoch).Microseconds()
}
