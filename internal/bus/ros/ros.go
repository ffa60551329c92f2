// Package ros publishes bus topics as ROS1 topics through a goroslib node.
//
// Raw topics carry std_msgs/UInt8MultiArray, string arrays carry
// std_msgs/String with entries joined by newlines. Retained topics are
// latched.
package ros

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/goroslib/v2"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/std_msgs"

	"github.com/wilsonwatson/watson-vision/internal/bus"
)

// DefaultMasterPort is the ROS master port.
const DefaultMasterPort = "11311"

func init() {
	bus.Register("ros", func(opts bus.Options) (bus.Dialer, error) {
		if opts.ClientName == "" {
			return nil, errors.New("ros: client name is required")
		}
		return &Dialer{NodeName: NodeName(opts.ClientName)}, nil
	})
}

// NodeName builds a valid ROS node name for a camera.
func NodeName(camera string) string {
	return "watson_vision_" + sanitize(camera)
}

// TopicName makes a bus topic a valid ROS graph name.
func TopicName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = sanitize(p)
	}
	return strings.Join(parts, "/")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, s)
}

// MasterAddress adds the default port when missing.
func MasterAddress(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, DefaultMasterPort)
}

// Dialer starts one node per session.
type Dialer struct {
	NodeName string
	Logger   *slog.Logger
}

// Connect implements bus.Dialer. goroslib registration is synchronous, so
// ctx only bounds the wait.
func (d *Dialer) Connect(ctx context.Context, address string) (bus.Session, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	master := MasterAddress(address)

	type result struct {
		node *goroslib.Node
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := goroslib.NewNode(goroslib.NodeConf{
			Name:          d.NodeName,
			MasterAddress: master,
		})
		ch <- result{n, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ros connect %s: %w", master, r.err)
		}
		s := &Session{
			node:   r.node,
			logger: logger.With("transport", "ros", "master", master, "node", d.NodeName),
		}
		s.logger.Info("ros node started")
		return s, nil
	case <-ctx.Done():
		// release the node if it comes up late
		go func() {
			if r := <-ch; r.node != nil {
				r.node.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Session owns one node and its publishers. It implements bus.Session.
type Session struct {
	node   *goroslib.Node
	logger *slog.Logger

	mu         sync.Mutex
	closed     bool
	publishers []*publisher
}

type publisher struct {
	owner *Session
	name  string
	typ   bus.Type
	pub   *goroslib.Publisher
}

func (p *publisher) Name() string   { return p.name }
func (p *publisher) Type() bus.Type { return p.typ }

// PublishTopic implements bus.Session.
func (s *Session) PublishTopic(_ context.Context, name string, typ bus.Type, props bus.Properties) (bus.Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, bus.ErrSessionClosed
	}

	msg, err := messageFor(typ)
	if err != nil {
		return nil, err
	}
	topic := TopicName(name)
	rp, err := goroslib.NewPublisher(goroslib.PublisherConf{
		Node:  s.node,
		Topic: topic,
		Msg:   msg,
		Latch: props.Retained,
	})
	if err != nil {
		return nil, fmt.Errorf("ros publish %s: %w", topic, err)
	}

	p := &publisher{owner: s, name: name, typ: typ, pub: rp}
	s.publishers = append(s.publishers, p)
	s.logger.Debug("topic published", "topic", topic, "latched", props.Retained)
	return p, nil
}

// PublishValue implements bus.Session.
func (s *Session) PublishValue(_ context.Context, pub bus.Publisher, value any) error {
	p, ok := pub.(*publisher)
	if !ok || p.owner != s {
		return bus.ErrForeignPublisher
	}
	msg, err := toMessage(p.typ, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return bus.ErrSessionClosed
	}
	p.pub.Write(msg)
	return nil
}

// ServerTime implements bus.Session. It is the local wall clock.
func (s *Session) ServerTime() int64 {
	return time.Now().UnixMicro()
}

// Close implements bus.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, p := range s.publishers {
		p.pub.Close()
	}
	s.node.Close()
	s.logger.Info("ros node stopped")
	return nil
}

func messageFor(typ bus.Type) (any, error) {
	switch typ {
	case bus.TypeRaw:
		return &std_msgs.UInt8MultiArray{}, nil
	case bus.TypeStringArray:
		return &std_msgs.String{}, nil
	}
	return nil, fmt.Errorf("ros: unsupported topic type %q", typ)
}

func toMessage(typ bus.Type, value any) (any, error) {
	if err := bus.CheckValue(typ, value); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []byte:
		return &std_msgs.UInt8MultiArray{Data: v}, nil
	case []string:
		return &std_msgs.String{Data: strings.Join(v, "\n")}, nil
	}
	return nil, fmt.Errorf("%w: %T", bus.ErrTypeMismatch, value)
}
