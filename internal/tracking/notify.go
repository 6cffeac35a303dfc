package tracking

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgressChanged is published whenever a project's tracking state changes, including
// rollbacks.
type ProgressChanged struct {
	ProjectID      string    `json:"project_id"`
	StageID        string    `json:"stage_id"`
	Index          int       `json:"index"`
	Completed      bool      `json:"completed"`
	StagePercent   int       `json:"stage_percent"`
	OverallPercent int       `json:"overall_percent"`
	RolledBack     bool      `json:"rolled_back,omitempty"`
	At             time.Time `json:"at"`
}

// Notifier receives progress changes. Implementations must not block.
type Notifier interface {
	Notify(ProgressChanged)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ProgressChanged)

func (f NotifierFunc) Notify(evt ProgressChanged) { f(evt) }

type nopNotifier struct{}

func (nopNotifier) Notify(ProgressChanged) {}

// Broadcaster fans progress changes out to subscribers over buffered channels. A
// subscriber that falls behind misses events rather than stalling the writer; Dropped
// counts how many were missed.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[int]chan ProgressChanged
	next    int
	dropped atomic.Int64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan ProgressChanged)}
}

// Subscribe registers a listener. The returned cancel func closes the channel and is
// safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan ProgressChanged, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ProgressChanged, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Notify(evt ProgressChanged) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Fanout notifies every non-nil notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(evt ProgressChanged) {
	for _, n := range f {
		if n != nil {
			n.Notify(evt)
		}
	}
}
