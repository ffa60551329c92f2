// Package bus defines the telemetry-bus client contract used by the publish
// loop and a registry of transports implementing it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Type is the value type of a topic.
type Type string

const (
	// TypeRaw carries opaque bytes.
	TypeRaw Type = "raw"
	// TypeStringArray carries a list of strings.
	TypeStringArray Type = "string[]"
)

// Properties are per-topic flags.
type Properties struct {
	// Persistent values survive a server restart.
	Persistent bool
	// Retained values stay on the server after the publisher goes away.
	Retained bool
}

// Publisher is a handle to a created topic.
type Publisher interface {
	Name() string
	Type() Type
}

// Session is one connection to the telemetry bus.
type Session interface {
	// PublishTopic announces a topic and returns a handle for values.
	PublishTopic(ctx context.Context, name string, typ Type, props Properties) (Publisher, error)
	// PublishValue sends one value. []byte for raw topics, []string for string arrays.
	PublishValue(ctx context.Context, pub Publisher, value any) error
	// ServerTime returns the bus server clock in microseconds.
	ServerTime() int64
	// Close releases the connection.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context, address string) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Session, error)

// Connect implements Dialer.
func (f DialerFunc) Connect(ctx context.Context, address string) (Session, error) {
	return f(ctx, address)
}

var (
	// ErrTypeMismatch is returned when a value does not match the topic type.
	ErrTypeMismatch = errors.New("bus: value does not match topic type")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("bus: session closed")
	// ErrForeignPublisher is returned for a publisher created by another session.
	ErrForeignPublisher = errors.New("bus: publisher belongs to another session")
)

// StreamsTopic is the retained topic announcing the preview stream.
func StreamsTopic(cameraName string) string {
	return "/CameraPublisher/" + cameraName + "/streams"
}

// PoseTopic is the topic carrying encoded pose samples.
func PoseTopic(cameraName string) string {
	return "/watson/" + cameraName
}

// CheckValue verifies value fits typ.
func CheckValue(typ Type, value any) error {
	switch typ {
	case TypeRaw:
		if _, ok := value.([]byte); ok {
			return nil
		}
	case TypeStringArray:
		if _, ok := value.([]string); ok {
			return nil
		}
	default:
		return fmt.Errorf("bus: unknown topic type %q", typ)
	}
	return fmt.Errorf("%w: %s topic got %T", ErrTypeMismatch, typ, value)
}

// Factory builds a dialer for a transport. Options are transport specific.
type Factory func(opts Options) (Dialer, error)

// Options carry settings every transport may need.
type Options struct {
	// ClientName identifies this process on the bus (camera name).
	ClientName string
	// Port overrides the transport's default port when non-zero.
	Port int
	// ClientID is used by brokers that need a unique client id.
	ClientID string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a transport available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("bus: transport registered twice: " + name)
	}
	registry[name] = f
}

// NewDialer returns the dialer for a registered transport.
func NewDialer(name string, opts Options) (Dialer, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bus: unknown transport %q (registered: %v)", name, Transports())
	}
	return f(opts)
}

// Transports lists registered transport names.
func Transports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
