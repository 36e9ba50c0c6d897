package realtime

import (
	"context"

	"github.com/matheus3301/parla/internal/wire"
)

// Transport opens links to a managed pub/sub service.
type Transport interface {
	// Dial connects as userID. The returned Link is live until Done closes.
	Dial(ctx context.Context, userID string) (Link, error)
}

// Link is one live connection to the pub/sub service.
//
// Subscribe returns only after the service has confirmed the subscription.
// A non-empty member joins the channel's membership set; the handler then
// also receives join, leave and sync frames. Publishers never receive their
// own broadcasts. Handlers run on a per-link dispatch goroutine, never on
// the socket read loop, so a handler may publish.
type Link interface {
	Subscribe(ctx context.Context, channel, member string, handler func(wire.Frame)) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribed(channel string) bool
	// Done is closed when the link drops or is closed.
	Done() <-chan struct{}
	// Err returns the reason the link dropped, nil after a clean Close.
	Err() error
	Close() error
}
