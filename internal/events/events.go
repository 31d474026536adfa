// Package events mirrors orchestration activity onto NATS.
//
// Subjects are <prefix>.<session>.<kind>.<name>, for example
// conductor.3f2a....hooks.PreToolUse. Publishing is best effort: callers
// log failures and never let them change a decision.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/logging"
)

// Kind groups events by the component that produced them.
type Kind string

const (
	KindHook    Kind = "hooks"
	KindGate    Kind = "gates"
	KindPhase   Kind = "phase"
	KindSession Kind = "session"
)

// Event is one mirrored occurrence.
type Event struct {
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	Name      string      `json:"name"`
	Time      time.Time   `json:"time"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher sends events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// NATSPublisher publishes events as JSON on NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *logging.Logger
}

// NewNATSPublisher wraps an existing connection. Close flushes but does
// not close a connection it does not own.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "conductor"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Connect returns a NATS publisher for cfg, or Nop when events are
// disabled. The hook command runs once per event, so the connection is
// short-lived and does not retry.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	opts := []nats.Option{
		nats.Name("conductor"),
		nats.Timeout(2 * time.Second),
		nats.MaxReconnects(2),
		nats.ReconnectWait(250 * time.Millisecond),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// Subject builds the subject for an event.
func (p *NATSPublisher) Subject(e Event) string {
	return Subject(p.prefix, e)
}

// Subject builds <prefix>.<session>.<kind>.<name> with each token made
// safe for NATS.
func Subject(prefix string, e Event) string {
	return strings.Join([]string{
		prefix,
		token(e.SessionID),
		token(string(e.Kind)),
		token(e.Name),
	}, ".")
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.Subject(e)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Trace(ctx, "event published", zap.String("subject", subject))
	return nil
}

// Close flushes buffered messages and closes an owned connection.
func (p *NATSPublisher) Close() error {
	err := p.nc.FlushTimeout(time.Second)
	if p.owned {
		p.nc.Close()
	}
	return err
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
