package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/wire"
)

// messagesSubject matches the messages channel of every session.
const messagesSubject = "session.*.messages"

// NATSBridge archives message broadcasts that devices exchange over NATS,
// so history reconciliation works when the relay hub is not in the path.
type NATSBridge struct {
	url      string
	archiver Archiver
	log      *zap.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSBridge creates a bridge to the NATS server at url.
func NewNATSBridge(url string, archiver Archiver, log *zap.Logger) *NATSBridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSBridge{url: url, archiver: archiver, log: log}
}

// Start connects and subscribes. The connection reconnects on its own.
func (b *NATSBridge) Start() error {
	nc, err := nats.Connect(b.url,
		nats.Name("parla-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	sub, err := nc.Subscribe(messagesSubject, func(m *nats.Msg) {
		if err := b.handle(m.Subject, m.Data); err != nil {
			b.log.Warn("archive failed", zap.String("subject", m.Subject), zap.Error(err))
		}
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribe %s: %w", messagesSubject, err)
	}
	b.nc, b.sub = nc, sub
	b.log.Info("nats bridge started", zap.String("url", b.url))
	return nil
}

// handle archives broadcast frames; membership announcements are ignored.
func (b *NATSBridge) handle(subject string, data []byte) error {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if f.Type != wire.FrameBroadcast || len(f.Payload) == 0 {
		return nil
	}
	return b.archiver.Archive(subject, f.Payload)
}

// Stop drains the subscription and closes the connection.
func (b *NATSBridge) Stop() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
	b.nc, b.sub = nil, nil
}
