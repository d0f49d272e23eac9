package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// PublisherConfig configures the NATS event publisher.
type PublisherConfig struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	// SubjectPrefix roots the published subjects: <prefix>.target.<id>,
	// <prefix>.detected, <prefix>.closed.
	SubjectPrefix string
	Logger        *slog.Logger
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "formation"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher mirrors push events onto NATS subjects for consumers outside
// the process. Delivery is best-effort core NATS; durable history lives
// in the stores, not on the bus.
type Publisher struct {
	nc  *nats.Conn
	cfg PublisherConfig
	log *slog.Logger
}

// NewPublisher connects to the broker.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	cfg = cfg.withDefaults()
	opts := []nats.Option{
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			cfg.Logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			cfg.Logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Publisher{nc: nc, cfg: cfg, log: cfg.Logger}, nil
}

// Run drains a subscription onto the bus until ctx ends or the
// subscription closes.
func (p *Publisher) Run(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := p.publish(ev); err != nil {
				p.log.Warn("nats publish failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ev Event) error {
	subject, ok := p.subjectFor(ev)
	if !ok {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.nc.Publish(subject, data)
}

// subjectFor maps an event to its subject. Initial-state snapshots are
// connection-scoped and never hit the bus.
func (p *Publisher) subjectFor(ev Event) (string, bool) {
	switch ev.Type {
	case TypeTargetUpdate:
		return p.cfg.SubjectPrefix + ".target." + ev.TargetID, true
	case TypeFormationDetected:
		return p.cfg.SubjectPrefix + ".detected", true
	case TypeFormationClosed:
		return p.cfg.SubjectPrefix + ".closed", true
	default:
		return "", false
	}
}

// Close flushes pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
