package relay

import (
	"fmt"

	"github.com/matheus3301/parla/internal/backend"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/wire"
)

// MessageArchiver stores every payload published on a messages channel so
// late joiners can reconcile history. Presence traffic is not archived.
type MessageArchiver struct {
	backend *backend.Local
}

// NewMessageArchiver creates an archiver writing through b.
func NewMessageArchiver(b *backend.Local) *MessageArchiver {
	return &MessageArchiver{backend: b}
}

func (a *MessageArchiver) Archive(channel string, payload []byte) error {
	sessionID, kind, err := realtime.ParseChannel(channel)
	if err != nil || kind != realtime.Messages {
		return nil
	}
	msg, err := wire.DecodeMessage(payload)
	if err != nil {
		return err
	}
	if msg.SessionID != sessionID {
		return fmt.Errorf("message %s: session_id %q does not match channel %q", msg.ID, msg.SessionID, channel)
	}
	return a.backend.Archive(msg)
}
