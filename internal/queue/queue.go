// Package queue is the local, ordered, deduplicated message collection for
// one conversation session. It knows nothing about transports.
package queue

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/google/uuid"
)

// ErrUnknownMessage is returned when mutating an id the queue has never seen.
var ErrUnknownMessage = errors.New("unknown message id")

// Status is a message's processing state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDisplayed  Status = "displayed"
	StatusFailed     Status = "failed"
)

// Message is one conversational turn.
type Message struct {
	ID           string
	LocalID      string
	Original     string
	Translation  string
	OriginalLang string
	TargetLang   string
	Status       Status
	QueuedAt     time.Time
	ProcessedAt  time.Time
	DisplayedAt  time.Time
	SenderID     string
	SessionID    string
	// DisplayOrder is assigned once on creation and never re-derived.
	DisplayOrder int64
	// Reactions maps emoji to the user ids that reacted with it.
	Reactions  map[string][]string
	RetryCount int
}

func (m Message) clone() Message {
	if m.Reactions != nil {
		r := make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			r[emoji] = slices.Clone(users)
		}
		m.Reactions = r
	}
	return m
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Original     *string
	Translation  *string
	OriginalLang *string
	TargetLang   *string
	Status       *Status
	RetryCount   *int
}

// EventKind describes a queue mutation.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventCleared EventKind = "cleared"
)

// Event is delivered to subscribers after every mutation.
type Event struct {
	Kind    EventKind
	Message Message
}

// Queue is safe for concurrent use. Subscribers are called outside the lock,
// so they may read or mutate the queue.
type Queue struct {
	mu        sync.Mutex
	msgs      *orderedmap.OrderedMap[string, *Message]
	nextOrder int64
	subs      map[int]func(Event)
	nextSub   int
	now       func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		msgs: orderedmap.NewOrderedMap[string, *Message](),
		subs: make(map[int]func(Event)),
		now:  time.Now,
	}
}

// NextOrder reserves the next display order key.
func (q *Queue) NextOrder() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextOrder++
	return q.nextOrder
}

// Add inserts m if its id is unseen; otherwise it merges m into the existing
// entry, keeping the latest non-empty fields. It returns the stored message
// and whether it was newly created. An empty id is replaced by a fresh uuid.
func (q *Queue) Add(m Message) (Message, bool) {
	q.mu.Lock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if existing, ok := q.msgs.Get(m.ID); ok {
		merge(existing, &m)
		out := existing.clone()
		q.mu.Unlock()
		q.notify(Event{Kind: EventUpdated, Message: out})
		return out, false
	}

	stored := m.clone()
	if stored.LocalID == "" {
		stored.LocalID = stored.ID
	}
	if stored.Status == "" {
		stored.Status = StatusQueued
	}
	if stored.QueuedAt.IsZero() {
		stored.QueuedAt = q.now()
	}
	if stored.DisplayOrder == 0 {
		q.nextOrder++
		stored.DisplayOrder = q.nextOrder
	} else if stored.DisplayOrder > q.nextOrder {
		q.nextOrder = stored.DisplayOrder
	}
	q.msgs.Set(stored.ID, &stored)
	out := stored.clone()
	q.mu.Unlock()

	q.notify(Event{Kind: EventAdded, Message: out})
	return out, true
}

// merge applies the non-empty fields of in onto dst. Identity and display
// order never change.
func merge(dst, in *Message) {
	if in.Original != "" {
		dst.Original = in.Original
	}
	if in.Translation != "" {
		dst.Translation = in.Translation
	}
	if in.OriginalLang != "" {
		dst.OriginalLang = in.OriginalLang
	}
	if in.TargetLang != "" {
		dst.TargetLang = in.TargetLang
	}
	if in.Status != "" {
		dst.Status = in.Status
	}
	if !in.ProcessedAt.IsZero() {
		dst.ProcessedAt = in.ProcessedAt
	}
	if !in.DisplayedAt.IsZero() {
		dst.DisplayedAt = in.DisplayedAt
	}
	if in.SenderID != "" {
		dst.SenderID = in.SenderID
	}
	if in.SessionID != "" {
		dst.SessionID = in.SessionID
	}
	if in.RetryCount > dst.RetryCount {
		dst.RetryCount = in.RetryCount
	}
}

// UpdateStatus moves a message to status and stamps the matching timestamp.
func (q *Queue) UpdateStatus(id string, status Status) (Message, error) {
	return q.UpdateMessage(id, Patch{Status: &status})
}

// UpdateMessage applies a partial update in place.
func (q *Queue) UpdateMessage(id string, p Patch) (Message, error) {
	q.mu.Lock()
	m, ok := q.msgs.Get(id)
	if !ok {
		q.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if p.Original != nil {
		m.Original = *p.Original
	}
	if p.Translation != nil {
		m.Translation = *p.Translation
	}
	if p.OriginalLang != nil {
		m.OriginalLang = *p.OriginalLang
	}
	if p.TargetLang != nil {
		m.TargetLang = *p.TargetLang
	}
	if p.RetryCount != nil {
		m.RetryCount = *p.RetryCount
	}
	if p.Status != nil {
		q.applyStatus(m, *p.Status)
	}
	out := m.clone()
	q.mu.Unlock()

	q.notify(Event{Kind: EventUpdated, Message: out})
	return out, nil
}

func (q *Queue) applyStatus(m *Message, status Status) {
	now := q.now()
	m.Status = status
	switch status {
	case StatusDisplayed:
		if m.ProcessedAt.IsZero() {
			m.ProcessedAt = now
		}
		m.DisplayedAt = now
	case StatusFailed:
		if m.ProcessedAt.IsZero() {
			m.ProcessedAt = now
		}
	}
}

// Get returns a copy of the message with id.
func (q *Queue) Get(id string) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs.Get(id)
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Len returns the number of messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.msgs.Len()
}

// DisplayMessages returns all messages ordered by DisplayOrder. Ties keep
// insertion order.
func (q *Queue) DisplayMessages() []Message {
	q.mu.Lock()
	out := make([]Message, 0, q.msgs.Len())
	for m := range q.msgs.Values() {
		out = append(out, m.clone())
	}
	q.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Message) int {
		switch {
		case a.DisplayOrder < b.DisplayOrder:
			return -1
		case a.DisplayOrder > b.DisplayOrder:
			return 1
		}
		return 0
	})
	return out
}

// WithStatus returns messages in status, in display order.
func (q *Queue) WithStatus(status Status) []Message {
	var out []Message
	for _, m := range q.DisplayMessages() {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out
}

// ToggleReaction adds userID's emoji reaction if absent and removes it if
// present. It reports whether the reaction is now set.
func (q *Queue) ToggleReaction(id, emoji, userID string) (bool, error) {
	q.mu.Lock()
	m, ok := q.msgs.Get(id)
	if !ok {
		q.mu.Unlock()
		return false, ErrUnknownMessage
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	users := m.Reactions[emoji]
	idx := slices.Index(users, userID)
	added := idx < 0
	if added {
		m.Reactions[emoji] = append(users, userID)
	} else {
		users = slices.Delete(users, idx, idx+1)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
	}
	out := m.clone()
	q.mu.Unlock()

	q.notify(Event{Kind: EventUpdated, Message: out})
	return added, nil
}

// Subscribe registers fn for every mutation. The returned func unsubscribes.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// Clear drops all messages and resets display order. Subscribers stay.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.msgs = orderedmap.NewOrderedMap[string, *Message]()
	q.nextOrder = 0
	q.mu.Unlock()

	q.notify(Event{Kind: EventCleared})
}

// Cleanup drops all messages and all subscribers.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	q.msgs = orderedmap.NewOrderedMap[string, *Message]()
	q.nextOrder = 0
	q.subs = make(map[int]func(Event))
	q.mu.Unlock()
}

func (q *Queue) notify(ev Event) {
	q.mu.Lock()
	ids := make([]int, 0, len(q.subs))
	for id := range q.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, q.subs[id])
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
