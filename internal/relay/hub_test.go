package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/matheus3301/parla/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	frames []wire.Frame
	full   bool
}

func (r *recorder) Deliver(f wire.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return false
	}
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) types() []wire.FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wire.FrameType
	for _, f := range r.frames {
		out = append(out, f.Type)
	}
	return out
}

func (r *recorder) last() wire.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func TestHubMembershipFrames(t *testing.T) {
	h := NewHub(nil, nil)
	host, guest := &recorder{}, &recorder{}
	const ch = "session.s1.presence"

	h.Subscribe(ch, host, "host")
	h.Subscribe(ch, guest, "guest")

	if got := fmt.Sprint(host.types()); got != "[sync join]" {
		t.Errorf("host frames = %s, want [sync join]", got)
	}
	if f := host.last(); f.From != "guest" || fmt.Sprint(f.Members) != "[guest host]" {
		t.Errorf("join frame = %+v", f)
	}
	if f := guest.last(); f.Type != wire.FrameSync || fmt.Sprint(f.Members) != "[guest host]" {
		t.Errorf("guest sync = %+v", f)
	}

	h.Unsubscribe(ch, guest)
	if f := host.last(); f.Type != wire.FrameLeave || f.From != "guest" {
		t.Errorf("after unsubscribe host got %+v, want leave from guest", f)
	}
	if got := h.Members(ch); fmt.Sprint(got) != "[host]" {
		t.Errorf("Members = %v, want [host]", got)
	}
}

func TestHubSecondLinkOfSameMemberIsNotANewJoin(t *testing.T) {
	h := NewHub(nil, nil)
	host, guestOld, guestNew := &recorder{}, &recorder{}, &recorder{}
	const ch = "session.s1.presence"

	h.Subscribe(ch, host, "host")
	h.Subscribe(ch, guestOld, "guest")
	h.Subscribe(ch, guestNew, "guest")
	if got := fmt.Sprint(host.types()); got != "[sync join]" {
		t.Errorf("host frames = %s, want a single join", got)
	}

	h.UnsubscribeAll(guestOld)
	if got := fmt.Sprint(host.types()); got != "[sync join]" {
		t.Errorf("host frames = %s; guest still has a link, no leave expected", got)
	}
	h.UnsubscribeAll(guestNew)
	if f := host.last(); f.Type != wire.FrameLeave {
		t.Errorf("host last frame = %+v, want leave", f)
	}
}

func TestHubPublishSkipsSender(t *testing.T) {
	h := NewHub(nil, nil)
	a, b := &recorder{}, &recorder{}
	const ch = "session.s1.messages"
	h.Subscribe(ch, a, "")
	h.Subscribe(ch, b, "")

	if err := h.Publish(ch, a, "alice", []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	if len(a.types()) != 0 {
		t.Errorf("publisher received its own broadcast: %v", a.types())
	}
	f := b.last()
	if f.Type != wire.FrameBroadcast || f.From != "alice" || string(f.Payload) != `{"n":1}` {
		t.Errorf("broadcast = %+v", f)
	}
}

func TestHubPreservesPublishOrder(t *testing.T) {
	h := NewHub(nil, nil)
	sub := &recorder{}
	const ch = "session.s1.messages"
	h.Subscribe(ch, sub, "")

	for i := range 20 {
		_ = h.Publish(ch, nil, "p", []byte(fmt.Sprint(i)))
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for i, f := range sub.frames {
		if string(f.Payload) != fmt.Sprint(i) {
			t.Fatalf("frame %d payload = %s", i, f.Payload)
		}
	}
}

type archiveFunc func(channel string, payload []byte) error

func (f archiveFunc) Archive(channel string, payload []byte) error { return f(channel, payload) }

func TestHubArchivesBeforeFanOut(t *testing.T) {
	var archived []string
	h := NewHub(archiveFunc(func(channel string, payload []byte) error {
		archived = append(archived, channel+":"+string(payload))
		return nil
	}), nil)

	_ = h.Publish("session.s1.messages", nil, "u", []byte("x"))
	if fmt.Sprint(archived) != "[session.s1.messages:x]" {
		t.Errorf("archived = %v", archived)
	}
}

func TestHubEmptyChannelIsRemoved(t *testing.T) {
	h := NewHub(nil, nil)
	sub := &recorder{}
	h.Subscribe("session.s1.messages", sub, "")
	h.Subscribe("session.s1.presence", sub, "u1")
	if h.Channels() != 2 {
		t.Fatalf("Channels() = %d, want 2", h.Channels())
	}
	h.UnsubscribeAll(sub)
	if h.Channels() != 0 {
		t.Errorf("Channels() = %d after UnsubscribeAll, want 0", h.Channels())
	}
}
