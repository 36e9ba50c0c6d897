package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAddDeduplicatesByID(t *testing.T) {
	q := New()

	_, created := q.Add(Message{ID: "m1", Original: "hello", SenderID: "host"})
	if !created {
		t.Fatal("first Add should create")
	}
	got, created := q.Add(Message{ID: "m1", Translation: "hola"})
	if created {
		t.Fatal("second Add with same id should merge, not create")
	}
	if got.Original != "hello" || got.Translation != "hola" {
		t.Errorf("merged = %+v, want original kept and translation applied", got)
	}

	msgs := q.DisplayMessages()
	if len(msgs) != 1 {
		t.Fatalf("DisplayMessages() len = %d, want 1", len(msgs))
	}
	if msgs[0].SenderID != "host" {
		t.Errorf("SenderID = %q, want host (empty incoming field must not erase)", msgs[0].SenderID)
	}
}

func TestRepeatedDeliveryKeepsLatestNonEmptyFields(t *testing.T) {
	q := New()
	deliveries := []Message{
		{ID: "m1", Original: "hello", Status: StatusQueued},
		{ID: "m1", Translation: "hola", Status: StatusDisplayed},
		{ID: "m1", Original: "hello!", Translation: ""},
		{ID: "m1"},
	}
	for _, d := range deliveries {
		q.Add(d)
	}

	msgs := q.DisplayMessages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Original != "hello!" || m.Translation != "hola" || m.Status != StatusDisplayed {
		t.Errorf("message = %+v", m)
	}
}

func TestDisplayOrderIsStable(t *testing.T) {
	q := New()
	q.Add(Message{ID: "a"})
	q.Add(Message{ID: "b"})
	q.Add(Message{ID: "c"})

	// Updating an early message must not move it.
	if _, err := q.UpdateStatus("a", StatusDisplayed); err != nil {
		t.Fatal(err)
	}
	q.Add(Message{ID: "b", Translation: "late"})

	var ids []string
	for _, m := range q.DisplayMessages() {
		ids = append(ids, m.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("order = %v, want [a b c]", ids)
	}
}

func TestExplicitDisplayOrderWins(t *testing.T) {
	q := New()
	q.Add(Message{ID: "late", DisplayOrder: 10})
	q.Add(Message{ID: "early", DisplayOrder: 5})
	q.Add(Message{ID: "next"})

	msgs := q.DisplayMessages()
	if msgs[0].ID != "early" || msgs[1].ID != "late" || msgs[2].ID != "next" {
		t.Errorf("order = %s %s %s, want early late next", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	if msgs[2].DisplayOrder != 11 {
		t.Errorf("next DisplayOrder = %d, want 11", msgs[2].DisplayOrder)
	}
}

func TestUpdateStatusStampsTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q := New()
	q.now = func() time.Time { return now }

	m, _ := q.Add(Message{ID: "m1"})
	if m.Status != StatusQueued || !m.QueuedAt.Equal(now) {
		t.Errorf("new message = %+v, want queued at %v", m, now)
	}

	now = now.Add(time.Second)
	m, err := q.UpdateStatus("m1", StatusDisplayed)
	if err != nil {
		t.Fatal(err)
	}
	if !m.ProcessedAt.Equal(now) || !m.DisplayedAt.Equal(now) {
		t.Errorf("timestamps = processed %v displayed %v, want %v", m.ProcessedAt, m.DisplayedAt, now)
	}

	if _, err := q.UpdateStatus("nope", StatusFailed); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("UpdateStatus(unknown) err = %v, want ErrUnknownMessage", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d; updating an unknown id must not create it", q.Len())
	}
}

func TestUpdateMessagePatch(t *testing.T) {
	q := New()
	q.Add(Message{ID: "m1", Original: "hi"})

	tr := "oi"
	retries := 2
	m, err := q.UpdateMessage("m1", Patch{Translation: &tr, RetryCount: &retries})
	if err != nil {
		t.Fatal(err)
	}
	if m.Original != "hi" || m.Translation != "oi" || m.RetryCount != 2 {
		t.Errorf("patched = %+v", m)
	}
}

func TestToggleReaction(t *testing.T) {
	q := New()
	q.Add(Message{ID: "m1"})

	added, err := q.ToggleReaction("m1", "❤️", "guest")
	if err != nil || !added {
		t.Fatalf("first toggle added=%v err=%v", added, err)
	}
	q.ToggleReaction("m1", "❤️", "host")

	added, _ = q.ToggleReaction("m1", "❤️", "guest")
	if added {
		t.Error("second toggle by the same user should remove")
	}

	m, _ := q.Get("m1")
	if users := m.Reactions["❤️"]; len(users) != 1 || users[0] != "host" {
		t.Errorf("reactions = %v, want only host", m.Reactions)
	}

	q.ToggleReaction("m1", "❤️", "host")
	m, _ = q.Get("m1")
	if len(m.Reactions) != 0 {
		t.Errorf("reactions = %v, want empty", m.Reactions)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	q := New()
	q.Add(Message{ID: "m1"})
	q.ToggleReaction("m1", "👍", "u1")

	m, _ := q.Get("m1")
	m.Reactions["👍"][0] = "mutated"
	m.Original = "mutated"

	again, _ := q.Get("m1")
	if again.Reactions["👍"][0] != "u1" || again.Original != "" {
		t.Errorf("stored message changed through a copy: %+v", again)
	}
}

func TestSubscribeNotifiesEveryMutation(t *testing.T) {
	q := New()
	var kinds []EventKind
	unsub := q.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	q.Add(Message{ID: "m1"})
	q.Add(Message{ID: "m1", Original: "x"})
	q.UpdateStatus("m1", StatusDisplayed)
	q.ToggleReaction("m1", "👍", "u")
	q.Clear()

	want := []EventKind{EventAdded, EventUpdated, EventUpdated, EventUpdated, EventCleared}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}

	unsub()
	q.Add(Message{ID: "m2"})
	if len(kinds) != len(want) {
		t.Error("unsubscribed callback still called")
	}
}

func TestSubscriberMayMutateQueue(t *testing.T) {
	q := New()
	q.Subscribe(func(ev Event) {
		if ev.Kind == EventAdded && ev.Message.Status == StatusQueued {
			_, _ = q.UpdateStatus(ev.Message.ID, StatusProcessing)
		}
	})

	done := make(chan struct{})
	go func() {
		q.Add(Message{ID: "m1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add deadlocked when a subscriber mutated the queue")
	}

	if m, _ := q.Get("m1"); m.Status != StatusProcessing {
		t.Errorf("status = %s, want processing", m.Status)
	}
}

func TestCleanupDropsSubscribers(t *testing.T) {
	q := New()
	called := false
	q.Subscribe(func(Event) { called = true })
	q.Add(Message{ID: "m1"})
	called = false

	q.Cleanup()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Cleanup", q.Len())
	}
	q.Add(Message{ID: "m2"})
	if called {
		t.Error("subscriber called after Cleanup")
	}
	if m, _ := q.Get("m2"); m.DisplayOrder != 1 {
		t.Errorf("DisplayOrder after Cleanup = %d, want 1", m.DisplayOrder)
	}
}

func TestConcurrentAddsDoNotDuplicate(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Add(Message{ID: fmt.Sprintf("m%d", i%10), Original: "x"})
		}()
	}
	wg.Wait()

	if q.Len() != 10 {
		t.Errorf("Len() = %d, want 10", q.Len())
	}
	seen := map[int64]bool{}
	for _, m := range q.DisplayMessages() {
		if seen[m.DisplayOrder] {
			t.Errorf("duplicate DisplayOrder %d", m.DisplayOrder)
		}
		seen[m.DisplayOrder] = true
	}
}

func TestWithStatus(t *testing.T) {
	q := New()
	q.Add(Message{ID: "a"})
	q.Add(Message{ID: "b", Status: StatusDisplayed})
	q.Add(Message{ID: "c"})

	pending := q.WithStatus(StatusQueued)
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Errorf("queued = %+v, want [a c]", pending)
	}
}
