package realtime_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/parla/internal/apperr"
	"github.com/matheus3301/parla/internal/realtime"
	"github.com/matheus3301/parla/internal/realtime/memtransport"
	"github.com/matheus3301/parla/internal/retry"
	"github.com/matheus3301/parla/internal/status"
	"github.com/matheus3301/parla/internal/wire"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     attempts,
	}
}

func newConn(net *memtransport.Network, attempts int) *realtime.Connection {
	return realtime.NewConnection(net, realtime.Options{Policy: fastPolicy(attempts)})
}

// watchStates records every transition target of c.
func watchStates(c *realtime.Connection) <-chan status.State {
	ch := make(chan status.State, 64)
	c.OnStatusChange(func(change status.Change) { ch <- change.To })
	return ch
}

func expectStates(t *testing.T, ch <-chan status.State, want ...status.State) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Fatalf("transition %d = %s, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for transition %d (%s)", i, w)
		}
	}
}

func recvFrame(t *testing.T, ch <-chan wire.Frame) wire.Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

func TestOpenRegisterPublish(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	host, guest := newConn(net, 3), newConn(net, 3)
	defer host.Close()
	defer guest.Close()

	if err := host.Open(ctx, "s1", "host"); err != nil {
		t.Fatal(err)
	}
	if host.Status() != status.Connected {
		t.Fatalf("status = %s, want connected", host.Status())
	}
	_ = guest.Open(ctx, "s1", "guest")

	got := make(chan wire.Frame, 4)
	if err := guest.Register(ctx, realtime.Messages, "", func(f wire.Frame) { got <- f }); err != nil {
		t.Fatal(err)
	}
	if !guest.Subscribed(realtime.Messages) {
		t.Error("Subscribed(messages) = false after Register")
	}

	if err := host.Publish(ctx, realtime.Messages, []byte(`"hello"`)); err != nil {
		t.Fatal(err)
	}
	f := recvFrame(t, got)
	if f.Channel != realtime.ChannelName(realtime.Messages, "s1") || string(f.Payload) != `"hello"` {
		t.Errorf("frame = %+v", f)
	}
}

func TestJoinOrderDoesNotIsolateChannels(t *testing.T) {
	for _, order := range [][]string{{"host", "guest"}, {"guest", "host"}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			ctx := context.Background()
			net := memtransport.NewNetwork(nil)
			conns := map[string]*realtime.Connection{}
			inbox := map[string]chan wire.Frame{}
			for _, user := range order {
				c := newConn(net, 3)
				defer c.Close()
				inbox[user] = make(chan wire.Frame, 4)
				box := inbox[user]
				_ = c.Open(ctx, "shared", user)
				_ = c.Register(ctx, realtime.Messages, "", func(f wire.Frame) { box <- f })
				conns[user] = c
			}

			_ = conns["host"].Publish(ctx, realtime.Messages, []byte("1"))
			_ = conns["guest"].Publish(ctx, realtime.Messages, []byte("2"))
			if f := recvFrame(t, inbox["guest"]); string(f.Payload) != "1" {
				t.Errorf("guest got %s", f.Payload)
			}
			if f := recvFrame(t, inbox["host"]); string(f.Payload) != "2" {
				t.Errorf("host got %s", f.Payload)
			}
		})
	}
}

func TestDropReconnectsAndResubscribes(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	guest := newConn(net, 5)
	defer guest.Close()
	states := watchStates(guest)

	_ = guest.Open(ctx, "s1", "guest")
	got := make(chan wire.Frame, 8)
	_ = guest.Register(ctx, realtime.Messages, "", func(f wire.Frame) { got <- f })
	expectStates(t, states, status.Connecting, status.Connected)

	net.DropAll()
	expectStates(t, states, status.Reconnecting, status.Connected)

	if !guest.Subscribed(realtime.Messages) {
		t.Fatal("messages channel not re-subscribed after reconnect")
	}

	host := newConn(net, 5)
	defer host.Close()
	_ = host.Open(ctx, "s1", "host")
	_ = host.Publish(ctx, realtime.Messages, []byte("after"))
	if f := recvFrame(t, got); string(f.Payload) != "after" {
		t.Errorf("got %s, want after", f.Payload)
	}
}

func TestEveryObserverSeesEveryTransition(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	c := newConn(net, 5)
	defer c.Close()
	a, b := watchStates(c), watchStates(c)

	_ = c.Open(ctx, "s1", "u1")
	net.DropAll()

	for _, ch := range []<-chan status.State{a, b} {
		expectStates(t, ch, status.Connecting, status.Connected, status.Reconnecting, status.Connected)
	}
}

func TestRetriesExhaustedThenNetworkOnline(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	c := newConn(net, 2)
	defer c.Close()
	states := watchStates(c)

	_ = c.Open(ctx, "s1", "u1")
	_ = c.Register(ctx, realtime.Presence, "u1", func(wire.Frame) {})
	expectStates(t, states, status.Connecting, status.Connected)

	net.SetOffline("u1", true)
	expectStates(t, states, status.Reconnecting, status.Disconnected)

	err := c.Publish(ctx, realtime.Messages, []byte("x"))
	if !apperr.Is(err, apperr.CodeTransport) {
		t.Errorf("Publish while disconnected err = %v, want TRANSPORT_ERROR", err)
	}

	net.SetOffline("u1", false)
	c.NetworkOnline()
	expectStates(t, states, status.Reconnecting, status.Connected)

	if got := net.Hub().Members(realtime.ChannelName(realtime.Presence, "s1")); fmt.Sprint(got) != "[u1]" {
		t.Errorf("presence members = %v, want [u1]", got)
	}
}

func TestInitialDialFailureIsAbsorbed(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	net.SetOffline("u1", true)
	c := realtime.NewConnection(net, realtime.Options{Policy: retry.Policy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		Multiplier:      1,
		MaxAttempts:     20,
	}})
	defer c.Close()
	states := watchStates(c)

	if err := c.Open(ctx, "s1", "u1"); err != nil {
		t.Fatalf("Open returned transport failure: %v", err)
	}
	err := c.Register(ctx, realtime.Messages, "", func(wire.Frame) {})
	if !apperr.Is(err, apperr.CodeSubscriptionNotReady) {
		t.Errorf("Register while reconnecting err = %v, want SUBSCRIPTION_NOT_READY", err)
	}
	expectStates(t, states, status.Connecting, status.Reconnecting)

	net.SetOffline("u1", false)
	_ = c.Reconnect()
	expectStates(t, states, status.Connected)
	if !c.Subscribed(realtime.Messages) {
		t.Error("registration made while reconnecting was not subscribed")
	}
}

func TestDropWithoutRetriesIsTerminal(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	c := newConn(net, 0)
	defer c.Close()
	states := watchStates(c)

	_ = c.Open(ctx, "s1", "u1")
	net.DropAll()
	expectStates(t, states, status.Connecting, status.Connected, status.Disconnected)
}

func TestReconnectWhileConnectedIsNoop(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	c := newConn(net, 3)
	defer c.Close()

	_ = c.Open(ctx, "s1", "u1")
	if err := c.Reconnect(); err != nil {
		t.Fatal(err)
	}
	if c.Status() != status.Connected || net.Links() != 1 {
		t.Errorf("status = %s links = %d, want connected with one link", c.Status(), net.Links())
	}
}

func TestCloseAndReopen(t *testing.T) {
	ctx := context.Background()
	net := memtransport.NewNetwork(nil)
	c := newConn(net, 3)

	_ = c.Open(ctx, "s1", "u1")
	_ = c.Register(ctx, realtime.Messages, "", func(wire.Frame) {})
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if c.Status() != status.Disconnected || net.Links() != 0 {
		t.Fatalf("after Close status = %s links = %d", c.Status(), net.Links())
	}
	if err := c.Publish(ctx, realtime.Messages, nil); err != realtime.ErrNotOpen {
		t.Errorf("Publish after Close err = %v, want ErrNotOpen", err)
	}

	if err := c.Open(ctx, "s2", "u1"); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.SessionID() != "s2" || c.Subscribed(realtime.Messages) {
		t.Errorf("reopened session = %s, subscribed = %v; registrations must not survive Close", c.SessionID(), c.Subscribed(realtime.Messages))
	}
}

func TestOpenRejectsBadSessionID(t *testing.T) {
	c := newConn(memtransport.NewNetwork(nil), 1)
	err := c.Open(context.Background(), "a.b", "u1")
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
}
