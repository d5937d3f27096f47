// Package bus implements the cross-worker event/fan-out plane: a pair
// of typed channels (global, private) that any worker can publish to,
// and a dispatcher goroutine that re-injects each event into every
// registered worker.
package bus

import (
	"sync"
	"sync/atomic"
	"time"
)

// publishBuffer sizes the producer-side channels generously to
// approximate the source's unbounded channels without an actual
// unbounded data structure (see DESIGN.md "stdlib choices").
const publishBuffer = 4096

// subscriberBuffer sizes each worker's per-event inbound channel.
const subscriberBuffer = 1024

// GlobalEvent is produced by a worker handling PublishGlobalChatMessage
// (or, as an addition over the base catalog, a connection closing with
// an authenticated user name). Frame is the pre-encoded wire frame so
// fan-out to N connections costs N appends and zero re-serializations.
type GlobalEvent struct {
	UserName string
	Message  string
	Frame    []byte
}

// PrivateEvent is produced by a worker handling PublishPrivateChatMessage.
// Every connection across every worker whose user name equals ToUserName
// receives a copy (duplicate user names are allowed, per spec.md §9 OQ3).
type PrivateEvent struct {
	FromUserName string
	ToUserName   string
	Message      string
	Frame        []byte
}

// Subscriber is a worker's receiving side: the dispatcher forwards a
// copy of every published event onto these channels.
type Subscriber struct {
	Global  chan GlobalEvent
	Private chan PrivateEvent
}

// Bus is the shared fan-out plane. Any worker may publish; the
// dispatcher goroutine started by Run drains the publish channels and
// forwards to every subscriber.
type Bus struct {
	global  chan GlobalEvent
	private chan PrivateEvent

	mu          sync.RWMutex
	subscribers []*Subscriber
}

// New constructs an empty Bus. Call Subscribe once per worker before
// Run starts, and Run exactly once.
func New() *Bus {
	return &Bus{
		global:  make(chan GlobalEvent, publishBuffer),
		private: make(chan PrivateEvent, publishBuffer),
	}
}

// Subscribe registers a new worker's inbound channels.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		Global:  make(chan GlobalEvent, subscriberBuffer),
		Private: make(chan PrivateEvent, subscriberBuffer),
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub
}

// PublishGlobal enqueues a global event for fan-out.
func (b *Bus) PublishGlobal(ev GlobalEvent) { b.global <- ev }

// PublishPrivate enqueues a private event for fan-out.
func (b *Bus) PublishPrivate(ev PrivateEvent) { b.private <- ev }

// Run drains the publish channels and forwards copies to every
// subscriber until stop reports true. It is its own goroutine rather
// than multiplexed onto the accept loop's poll (see SPEC_FULL.md §4.5
// REDESIGN FLAG): Go's channels make a dedicated fan-out goroutine
// strictly simpler than sharing one thread's poll loop. It checks
// stop on the same 500ms cadence as the worker reactors so shutdown
// latency is bounded symmetrically across the whole runtime.
func (b *Bus) Run(stop *atomic.Bool, done func()) {
	defer done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-b.global:
			b.forwardGlobal(ev)
		case ev := <-b.private:
			b.forwardPrivate(ev)
		case <-ticker.C:
			if stop.Load() {
				return
			}
		}
	}
}

func (b *Bus) forwardGlobal(ev GlobalEvent) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.Global <- ev:
		default:
			// A worker that can't keep up with the bus drops this
			// copy rather than stalling every other worker's fan-out.
		}
	}
}

func (b *Bus) forwardPrivate(ev PrivateEvent) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.Private <- ev:
		default:
		}
	}
}
