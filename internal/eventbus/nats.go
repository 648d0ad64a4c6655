// Package eventbus publishes agent result events to NATS so presentation
// layers outside the process can follow a session.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// DefaultSubjectPrefix roots every published subject.
const DefaultSubjectPrefix = "agentcore"

// ErrNotConnected is returned when the bus has no live connection.
var ErrNotConnected = errors.New("event bus not connected")

// Config configures the NATS connection.
type Config struct {
	URL           string        `yaml:"url" json:"url"`
	Name          string        `yaml:"name" json:"name,omitempty"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "agentcore"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subject returns the subject an event is published on:
// <prefix>.sessions.<session id>.<event type>.
func Subject(prefix string, e models.AgentEvent) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".sessions." + token(e.SessionID) + "." + string(e.Type)
}

// SessionSubject returns the wildcard subject matching every event of a
// session.
func SessionSubject(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + ".sessions." + token(sessionID) + ".>"
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Sink publishes each event as JSON. Publish failures are logged and
// counted; they never block or fail the turn.
type Sink struct {
	pub     Publisher
	prefix  string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSink creates a sink over pub.
func NewSink(pub Publisher, prefix string, logger *observability.Logger, metrics *observability.Metrics) *Sink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Sink{pub: pub, prefix: prefix, logger: logger, metrics: metrics}
}

// Emit publishes the event.
func (s *Sink) Emit(ctx context.Context, e models.AgentEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.metrics.RecordEventPublish("error")
		s.logger.Warn(ctx, "event marshal failed", "type", e.Type, "error", err)
		return
	}
	subject := Subject(s.prefix, e)
	if err := s.pub.Publish(subject, data); err != nil {
		s.metrics.RecordEventPublish("error")
		s.logger.Warn(ctx, "event publish failed", "subject", subject, "seq", e.Sequence, "error", err)
		return
	}
	s.metrics.RecordEventPublish("ok")
}

// Bus owns a NATS connection.
type Bus struct {
	nc     *nats.Conn
	cfg    Config
	logger *observability.Logger
}

// Connect dials NATS.
func Connect(ctx context.Context, cfg Config, logger *observability.Logger) (*Bus, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats connect: url is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info(ctx, "nats connected", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	return &Bus{nc: nc, cfg: cfg, logger: logger}, nil
}

// Sink returns an event sink publishing on this connection.
func (b *Bus) Sink(metrics *observability.Metrics) *Sink {
	return NewSink(b.nc, b.cfg.SubjectPrefix, b.logger, metrics)
}

// Subscribe delivers decoded events of one session to fn until the returned
// stop function is called.
func (b *Bus) Subscribe(sessionID string, fn func(models.AgentEvent)) (func() error, error) {
	if b == nil || b.nc == nil {
		return nil, ErrNotConnected
	}
	sub, err := b.nc.Subscribe(SessionSubject(b.cfg.SubjectPrefix, sessionID), func(msg *nats.Msg) {
		var e models.AgentEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Warn(context.Background(), "undecodable event dropped", "subject", msg.Subject, "error", err)
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Flush waits until published events reached the server.
func (b *Bus) Flush(ctx context.Context) error {
	if b == nil || b.nc == nil {
		return ErrNotConnected
	}
	return b.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}
