// Package mqtt mirrors bus topics onto an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wilsonwatson/watson-vision/internal/bus"
)

const (
	// DefaultPort is the plain TCP broker port.
	DefaultPort = 1883

	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

func init() {
	bus.Register("mqtt", func(opts bus.Options) (bus.Dialer, error) {
		clientID := opts.ClientID
		if clientID == "" {
			clientID = "watson-" + opts.ClientName
		}
		return &Dialer{ClientID: clientID, Port: opts.Port}, nil
	})
}

// Dialer connects to an MQTT broker.
type Dialer struct {
	ClientID string
	// Port is used when the broker address has none.
	Port   int
	Logger *slog.Logger

	// newClient is replaced in tests.
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// Connect implements bus.Dialer.
func (d *Dialer) Connect(ctx context.Context, address string) (bus.Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	broker := BrokerURL(address, d.Port)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(d.ClientID)
	// the publish loop owns reconnection
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(connectTimeout)

	s := &Session{
		logger:    logger.With("transport", "mqtt", "broker", broker),
		published: make(map[string]uint64),
	}
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		s.mu.Lock()
		s.lost = err
		s.mu.Unlock()
		s.logger.Warn("mqtt connection lost", "error", err)
	}

	newClient := d.newClient
	if newClient == nil {
		newClient = pahomqtt.NewClient
	}
	s.client = newClient(opts)

	s.logger.Info("connecting to mqtt broker", "client_id", d.ClientID)
	if err := wait(ctx, s.client.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	s.logger.Info("mqtt connection established", "client_id", d.ClientID)
	return s, nil
}

// BrokerURL normalizes host, host:port or a full URL into a broker URL.
func BrokerURL(address string, port int) string {
	if strings.Contains(address, "://") {
		return address
	}
	if port == 0 {
		port = DefaultPort
	}
	if strings.Contains(address, ":") {
		return "tcp://" + address
	}
	return fmt.Sprintf("tcp://%s:%d", address, port)
}

// TopicName maps a bus topic to an MQTT topic.
func TopicName(name string) string {
	return strings.TrimPrefix(name, "/")
}

// Session is one broker connection. It implements bus.Session.
type Session struct {
	client pahomqtt.Client
	logger *slog.Logger

	mu        sync.Mutex
	lost      error
	closed    bool
	published map[string]uint64
	errors    uint64
}

type publisher struct {
	owner  *Session
	name   string
	topic  string
	typ    bus.Type
	retain bool
}

func (p *publisher) Name() string   { return p.name }
func (p *publisher) Type() bus.Type { return p.typ }

// PublishTopic implements bus.Session. MQTT has no announce step, so this
// only records the topic mapping.
func (s *Session) PublishTopic(_ context.Context, name string, typ bus.Type, props bus.Properties) (bus.Publisher, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if typ != bus.TypeRaw && typ != bus.TypeStringArray {
		return nil, fmt.Errorf("mqtt: unsupported topic type %q", typ)
	}
	return &publisher{owner: s, name: name, topic: TopicName(name), typ: typ, retain: props.Retained}, nil
}

// PublishValue implements bus.Session. String arrays are sent as JSON.
func (s *Session) PublishValue(ctx context.Context, pub bus.Publisher, value any) error {
	p, ok := pub.(*publisher)
	if !ok || p.owner != s {
		return bus.ErrForeignPublisher
	}
	if err := bus.CheckValue(p.typ, value); err != nil {
		return err
	}
	if err := s.usable(); err != nil {
		return err
	}

	var payload []byte
	switch v := value.(type) {
	case []byte:
		payload = v
	case []string:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("mqtt encode %s: %w", p.topic, err)
		}
		payload = b
	}

	if err := wait(ctx, s.client.Publish(p.topic, 0, p.retain, payload), publishTimeout); err != nil {
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		return fmt.Errorf("mqtt publish %s: %w", p.topic, err)
	}

	s.mu.Lock()
	s.published[p.topic]++
	s.mu.Unlock()
	return nil
}

// ServerTime implements bus.Session. Brokers carry no clock, so this is the
// local wall clock.
func (s *Session) ServerTime() int64 {
	return time.Now().UnixMicro()
}

// Close implements bus.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.logger.Info("mqtt disconnected")
	return nil
}

// Stats are per-topic publish counters.
type Stats struct {
	Published map[string]uint64
	Errors    uint64
}

// Stats returns a snapshot of publish counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	published := make(map[string]uint64, len(s.published))
	for k, v := range s.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: s.errors}
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bus.ErrSessionClosed
	}
	if s.lost != nil {
		return fmt.Errorf("%w: %v", bus.ErrSessionClosed, s.lost)
	}
	return nil
}

var errTimeout = errors.New("timeout")

// wait blocks on a paho token bounded by ctx and limit.
func wait(ctx context.Context, token pahomqtt.Token, limit time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < limit {
			limit = d
		}
	}
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(limit):
		return errTimeout
	}
}
