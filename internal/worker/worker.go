// Package worker implements the per-reactor event loop (spec.md §4.4):
// one goroutine per Worker owning a private connection map, a
// new-connection channel, and the bus's per-worker fan-out channels.
package worker

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Groodian/rustchat-go/internal/bus"
	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/connio"
	"github.com/Groodian/rustchat-go/internal/metrics"
	"github.com/Groodian/rustchat-go/internal/wire"
)

// pollInterval stands in for the source's 500ms mio poll timeout: it
// bounds shutdown latency without busy-waiting (spec.md §4.4 rationale).
const pollInterval = 500 * time.Millisecond

// newConnBuffer and closedConnBuffer are sized generously so a burst
// of accepts or disconnects never blocks the accept loop or a
// connection's own close path waiting for the worker to catch up.
const newConnBuffer = 256
const closedConnBuffer = 256

// Worker owns one private shard of connections and processes new
// connections, bus fan-out, and disconnects through a single select
// loop — the run loop is the only writer of the connection map.
// mu exists solely so Pool.Roster (called from an arbitrary
// connection's read-loop goroutine when it gets a RequestUserList) and
// Pool.ConnectionCount can take a consistent read snapshot from outside
// the run loop; no per-connection state is ever
// touched under mu, only registry membership, mirroring the teacher's
// hub.Hub registry lock rather than violating "no mutex protects
// connection state" (spec.md §5).
type Worker struct {
	id           int
	newConns     chan net.Conn
	closedConns  chan *connio.Conn
	sub          *bus.Subscriber
	logger       *slog.Logger
	readDeadline time.Duration
	maxQueue     int
	pool         *Pool

	nextToken uint64
	mu        sync.RWMutex
	conns     map[*connio.Conn]uint64 // value is the registration token; nothing reads it
}

func newWorker(id int, sub *bus.Subscriber, pool *Pool, logger *slog.Logger, readDeadline time.Duration, maxQueue int) *Worker {
	return &Worker{
		id:           id,
		newConns:     make(chan net.Conn, newConnBuffer),
		closedConns:  make(chan *connio.Conn, closedConnBuffer),
		sub:          sub,
		logger:       logger.With("worker", id),
		readDeadline: readDeadline,
		maxQueue:     maxQueue,
		pool:         pool,
		conns:        make(map[*connio.Conn]uint64),
	}
}

// assign hands a freshly accepted socket to this worker. Safe to call
// from the accept loop's goroutine (the channel is the hand-off).
func (w *Worker) assign(nc net.Conn) {
	w.newConns <- nc
}

// usernamesUnsafe returns a snapshot of authenticated user names
// registered on this worker, for roster aggregation across the pool.
// Despite the name it IS safe to call from any goroutine: it takes
// mu.RLock for the duration of the snapshot.
func (w *Worker) usernamesUnsafe() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.conns))
	for c := range w.conns {
		if name := c.UserName(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// run is the worker's single-threaded event loop (spec.md §4.4).
func (w *Worker) run(shutdownFlag *atomic.Bool, done func()) {
	defer done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case nc := <-w.newConns:
			w.register(nc)
		case ev := <-w.sub.Global:
			w.fanoutGlobal(ev)
		case ev := <-w.sub.Private:
			w.fanoutPrivate(ev)
		case c := <-w.closedConns:
			w.deregister(c)
		case <-ticker.C:
			if shutdownFlag.Load() {
				w.drainAndClose()
				return
			}
		}
	}
}

func (w *Worker) register(nc net.Conn) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
	}
	token := w.nextToken
	w.nextToken++
	c := connio.New(nc, w.pool, w.logger, w.readDeadline, w.maxQueue, w.onConnClosed)
	w.mu.Lock()
	w.conns[c] = token
	w.mu.Unlock()
	metrics.IncAcceptedConnections()
	c.Start()
}

// onConnClosed runs on the closing connection's own goroutine; it
// only ever touches the channel hand-off, never the map directly, so
// the map stays single-writer.
func (w *Worker) onConnClosed(c *connio.Conn, hadUser bool, userName string) {
	select {
	case w.closedConns <- c:
	default:
		// Buffer full: a goroutine leaked waiting to deregister is
		// preferable to blocking the connection's own close path.
		go func() { w.closedConns <- c }()
	}
	if hadUser {
		w.announceUserLeft(userName)
	}
}

func (w *Worker) announceUserLeft(userName string) {
	payload, err := json.Marshal(catalog.UserLeft{UserName: userName})
	if err != nil {
		return
	}
	frame, err := wire.Encode(catalog.MsgUserLeft, payload)
	if err != nil {
		return
	}
	w.pool.bus.PublishGlobal(bus.GlobalEvent{UserName: userName, Frame: frame})
}

func (w *Worker) deregister(c *connio.Conn) {
	w.mu.Lock()
	_, ok := w.conns[c]
	if ok {
		delete(w.conns, c)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	metrics.IncLostConnections()
}

// fanoutGlobal and fanoutPrivate run on this worker's own goroutine, the
// same one that is the map's sole writer, so no lock is needed here —
// unlike usernamesUnsafe, which is called from a foreign goroutine.
func (w *Worker) fanoutGlobal(ev bus.GlobalEvent) {
	metrics.SetBroadcastFanout(len(w.conns))
	for c := range w.conns {
		_ = c.EnqueueRaw(ev.Frame)
	}
}

func (w *Worker) fanoutPrivate(ev bus.PrivateEvent) {
	for c := range w.conns {
		if c.UserName() == ev.ToUserName {
			_ = c.EnqueueRaw(ev.Frame)
		}
	}
}

// drainAndClose closes every remaining connection on shutdown. No
// lingering drain of in-flight writes is attempted (spec.md §5
// "Cancellation and timeouts").
func (w *Worker) drainAndClose() {
	for c := range w.conns {
		c.Close()
	}
}

// countUnsafe returns the number of connections held by this worker.
// Like usernamesUnsafe, it takes mu.RLock so it may be called from any
// goroutine (Pool.ConnectionCount aggregates across workers).
func (w *Worker) countUnsafe() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.conns)
}
