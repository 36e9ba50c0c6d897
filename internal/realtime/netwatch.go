package realtime

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parla/internal/status"
)

// ReachabilityCheck checks whether the realtime service is reachable.
type ReachabilityCheck func(ctx context.Context) error

// DialCheck returns a ReachabilityCheck that opens a TCP connection to the host of
// serviceURL. Ports default from the scheme.
func DialCheck(serviceURL string) (ReachabilityCheck, error) {
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", serviceURL, err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%q has no host", serviceURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss", "tls":
			port = "443"
		case "nats":
			port = "4222"
		default:
			port = "80"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, nil
}

// WatchNetwork runs check every interval while c is open and disconnected, and
// signals NetworkOnline once it succeeds. It returns when ctx ends.
func WatchNetwork(ctx context.Context, c *Connection, interval time.Duration, check ReachabilityCheck) {
	if interval <= 0 || check == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.Status() != status.Disconnected || c.SessionID() == "" {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := check(pctx)
		cancel()
		if err != nil {
			c.log.Debug("network still unreachable", zap.Error(err))
			continue
		}
		c.log.Info("network reachable again")
		c.NetworkOnline()
	}
}
