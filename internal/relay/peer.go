package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/wire"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 64 << 10
	peerSendBuffer = 256
)

// peer is one websocket client attached to the hub.
type peer struct {
	userID       string
	conn         *websocket.Conn
	hub          *Hub
	log          *zap.Logger
	pingInterval time.Duration

	send      chan wire.Control
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(userID string, conn *websocket.Conn, hub *Hub, log *zap.Logger, pingInterval time.Duration) *peer {
	return &peer{
		userID:       userID,
		conn:         conn,
		hub:          hub,
		log:          log.With(zap.String("user_id", userID)),
		pingInterval: pingInterval,
		send:         make(chan wire.Control, peerSendBuffer),
		done:         make(chan struct{}),
	}
}

// Deliver queues a frame without blocking. A full queue closes the peer.
func (p *peer) Deliver(f wire.Frame) bool {
	return p.enqueue(wire.Control{Op: wire.OpFrame, Frame: &f})
}

func (p *peer) enqueue(c wire.Control) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- c:
		return true
	default:
		p.log.Warn("peer send buffer full, disconnecting")
		p.shutdown()
		return false
	}
}

func (p *peer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// serve runs until the connection ends, then detaches from the hub.
func (p *peer) serve() {
	go p.writePump()
	p.readPump()
	p.hub.UnsubscribeAll(p)
	p.shutdown()
	p.log.Info("peer disconnected")
}

func (p *peer) readPump() {
	p.conn.SetReadLimit(maxMessageSize)
	pongWait := 2 * p.pingInterval
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req wire.Control
		if err := p.conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				p.log.Debug("peer read ended", zap.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !p.handle(req) {
			return
		}
	}
}

func (p *peer) handle(req wire.Control) bool {
	if _, _, err := realtime.ParseChannel(req.Channel); err != nil {
		return p.enqueue(wire.Control{Op: wire.OpError, Ref: req.Ref, Error: err.Error()})
	}
	switch req.Op {
	case wire.OpSubscribe:
		p.hub.Subscribe(req.Channel, p, req.Member)
	case wire.OpUnsubscribe:
		p.hub.Unsubscribe(req.Channel, p)
	case wire.OpPublish:
		if err := p.hub.Publish(req.Channel, p, p.userID, req.Payload); err != nil {
			return p.enqueue(wire.Control{Op: wire.OpError, Ref: req.Ref, Error: err.Error()})
		}
	default:
		return p.enqueue(wire.Control{Op: wire.OpError, Ref: req.Ref, Error: "unknown op " + string(req.Op)})
	}
	return p.enqueue(wire.Control{Op: wire.OpAck, Ref: req.Ref, Channel: req.Channel})
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case c := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(c); err != nil {
				p.log.Debug("peer write failed", zap.Error(err))
				p.shutdown()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				p.shutdown()
				return
			}
		}
	}
}
