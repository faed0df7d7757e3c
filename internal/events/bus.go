package events

import (
	"sync"
	"time"

	"sitecrew/internal/domain"
)

type Kind string

const (
	TaskCreated         Kind = "task.created"
	TaskAssigneeChanged Kind = "task.assignee_changed"
	TaskStatusChanged   Kind = "task.status_changed"
	EntryLogged         Kind = "log.appended"
)

// Event is a domain event emitted by the store after a commit. Old and New
// carry the previous and current assignee or status for change events.
type Event struct {
	Kind      Kind             `json:"kind"`
	ProjectID string           `json:"project_id,omitempty"`
	TaskID    string           `json:"task_id,omitempty"`
	Assignee  string           `json:"assignee,omitempty"`
	Old       string           `json:"old,omitempty"`
	New       string           `json:"new,omitempty"`
	Entry     *domain.LogEntry `json:"entry,omitempty"`
	At        time.Time        `json:"at"`
}

// Bus fans events out to in-process subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()
}

// Subscribe returns a buffered channel that receives all new events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
