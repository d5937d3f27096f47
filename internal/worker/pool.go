package worker

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/Groodian/rustchat-go/internal/bus"
	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/shutdown"
	"github.com/Groodian/rustchat-go/internal/wire"
)

// Pool is the fixed set of worker reactors a Server distributes
// accepted connections across (spec.md §2 component 4, §4.5). It also
// implements connio.Publisher: every Conn reaches the bus and the
// roster through its owning worker's Pool.
type Pool struct {
	workers []*Worker
	bus     *bus.Bus
	rr      atomic.Uint64
}

// New constructs a Pool of n workers sharing the given bus. Call Start
// once the listener is ready to begin accepting connections. maxQueue
// bounds each connection's outbound queue depth (see connio.New).
func New(n int, b *bus.Bus, logger *slog.Logger, readDeadline time.Duration, maxQueue int) *Pool {
	p := &Pool{bus: b}
	for i := 0; i < n; i++ {
		sub := b.Subscribe()
		p.workers = append(p.workers, newWorker(i, sub, p, logger, readDeadline, maxQueue))
	}
	return p
}

// Start registers every worker with the shutdown coordinator and
// launches its event loop goroutine.
func (p *Pool) Start(coord *shutdown.Coordinator) {
	for _, w := range p.workers {
		flag, done := coord.Register("worker")
		go w.run(flag, done)
	}
}

// Dispatch hands a freshly accepted socket to the next worker in
// round-robin order (spec.md §4.5 point 2).
func (p *Pool) Dispatch(nc net.Conn) {
	idx := p.rr.Add(1) % uint64(len(p.workers))
	p.workers[idx].assign(nc)
}

// WorkerCount reports the size of the pool.
func (p *Pool) WorkerCount() int { return len(p.workers) }

// ConnectionCount sums active connections across all workers. It is
// only ever called from outside the worker goroutines (the accept
// loop's max-clients check, tests), so it tolerates a slightly stale
// read of each worker's map length —
// acceptable for a gauge, unlike the FIFO/ordering invariants which
// never cross worker boundaries.
func (p *Pool) ConnectionCount() int {
	total := 0
	for _, w := range p.workers {
		total += w.countUnsafe()
	}
	return total
}

// PublishGlobal implements connio.Publisher: it pre-encodes the
// GlobalChatMessage frame once and publishes it to the bus for
// fan-out to every worker.
func (p *Pool) PublishGlobal(userName, message string) {
	payload, err := json.Marshal(catalog.GlobalChatMessage{UserName: userName, Message: message})
	if err != nil {
		return
	}
	frame, err := wire.Encode(catalog.MsgGlobalChatMessage, payload)
	if err != nil {
		return
	}
	p.bus.PublishGlobal(bus.GlobalEvent{UserName: userName, Message: message, Frame: frame})
}

// PublishPrivate implements connio.Publisher.
func (p *Pool) PublishPrivate(fromUserName, toUserName, message string) {
	payload, err := json.Marshal(catalog.PrivateChatMessage{FromUserName: fromUserName, Message: message})
	if err != nil {
		return
	}
	frame, err := wire.Encode(catalog.MsgPrivateChatMessage, payload)
	if err != nil {
		return
	}
	p.bus.PublishPrivate(bus.PrivateEvent{FromUserName: fromUserName, ToUserName: toUserName, Message: message, Frame: frame})
}

// Roster implements connio.Publisher: it merges each worker's
// locally-owned user name snapshot. This touches w.conns from outside
// the worker's goroutine; see usernamesUnsafe for the tradeoff.
func (p *Pool) Roster() []string {
	var all []string
	for _, w := range p.workers {
		all = append(all, w.usernamesUnsafe()...)
	}
	return all
}
