// Package connio implements the per-socket connection state machine:
// a decode loop that turns bytes into catalog messages, and a write
// loop that drains a bounded outbound queue in FIFO order.
package connio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Groodian/rustchat-go/internal/catalog"
	"github.com/Groodian/rustchat-go/internal/metrics"
	"github.com/Groodian/rustchat-go/internal/wire"
)

// MaxQueuedFrames bounds a connection's outbound queue. A slow reader
// that can't keep up gets disconnected instead of growing memory
// without bound (spec.md §9 "Backpressure" hardening over the source,
// which used an unbounded queue).
const MaxQueuedFrames = 1024

// ErrOutboundQueueFull is returned by Enqueue when the per-connection
// backpressure limit is exceeded; the connection is closed as a side
// effect.
var ErrOutboundQueueFull = errors.New("connio: outbound queue full")

// Publisher is the subset of worker behavior a connection needs to
// reach the cross-worker event bus and the global roster.
type Publisher interface {
	PublishGlobal(userName, message string)
	PublishPrivate(fromUserName, toUserName, message string)
	Roster() []string
}

// Conn owns one TCP socket for its entire lifetime. It is created by
// the worker the accept loop hands the socket to, and destroyed on EOF,
// a framing error, a fatal socket error, or shutdown.
type Conn struct {
	nc        net.Conn
	publisher Publisher
	logger    *slog.Logger

	readDeadline time.Duration

	decoder *wire.Decoder
	out     chan []byte

	userName atomic.Pointer[string]

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(c *Conn, hadUser bool, userName string)
}

// New constructs a Conn around an already-accepted socket. Call
// Start to launch its read/write loops. maxQueued bounds the outbound
// queue depth; a value <= 0 falls back to MaxQueuedFrames.
func New(nc net.Conn, publisher Publisher, logger *slog.Logger, readDeadline time.Duration, maxQueued int, onClose func(c *Conn, hadUser bool, userName string)) *Conn {
	if maxQueued <= 0 {
		maxQueued = MaxQueuedFrames
	}
	return &Conn{
		nc:           nc,
		publisher:    publisher,
		logger:       logger,
		readDeadline: readDeadline,
		decoder:      wire.NewDecoder(),
		out:          make(chan []byte, maxQueued),
		closed:       make(chan struct{}),
		onClose:      onClose,
	}
}

// Start launches the read and write loops in their own goroutines.
func (c *Conn) Start() {
	go c.writeLoop()
	go c.readLoop()
}

// UserName returns the authenticated user name, or "" before Login.
func (c *Conn) UserName() string {
	if p := c.userName.Load(); p != nil {
		return *p
	}
	return ""
}

// SetUserName records a successful Login. Safe to call from the
// connection's own read loop only (catalog handlers run there).
func (c *Conn) SetUserName(name string) {
	c.userName.Store(&name)
}

// PublishGlobal forwards to the owning worker's bus handle.
func (c *Conn) PublishGlobal(userName, message string) {
	c.publisher.PublishGlobal(userName, message)
}

// PublishPrivate forwards to the owning worker's bus handle.
func (c *Conn) PublishPrivate(from, to, message string) {
	c.publisher.PublishPrivate(from, to, message)
}

// Roster forwards to the Publisher (the worker pool's roster).
func (c *Conn) Roster() []string {
	return c.publisher.Roster()
}

// Enqueue JSON-marshals v, frames it for messageNumber, and appends it
// to the outbound queue. Queue order is strictly FIFO. If the queue is
// full the connection is closed (backpressure hardening).
func (c *Conn) Enqueue(messageNumber int, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("connio: marshal payload: %w", err)
	}
	frame, err := wire.Encode(messageNumber, payload)
	if err != nil {
		return fmt.Errorf("connio: encode frame: %w", err)
	}
	select {
	case c.out <- frame:
		return nil
	default:
		metrics.IncBackpressureDrop()
		c.Close()
		return ErrOutboundQueueFull
	}
}

// EnqueueRaw appends an already-encoded frame (used for pre-encoded
// broadcast copies shared across many connections' fan-out, so
// broadcasting costs N appends and zero re-serializations).
func (c *Conn) EnqueueRaw(frame []byte) error {
	select {
	case c.out <- frame:
		return nil
	default:
		metrics.IncBackpressureDrop()
		c.Close()
		return ErrOutboundQueueFull
	}
}

// Close is idempotent: it closes the socket, signals the write loop
// to exit, and invokes onClose exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		close(c.closed)
		if c.onClose != nil {
			name := c.UserName()
			c.onClose(c, name != "", name)
		}
	})
}

// Closed reports whether Close has run.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// readLoop is the on_readable analogue: it blocks on Read (serviced
// by the Go runtime's netpoller, the idiomatic stand-in for a manual
// nonblocking reactor) and feeds bytes to the framing decoder.
func (c *Conn) readLoop() {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		if c.readDeadline > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.readDeadline))
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			metrics.AddBytesRead(n)
			frames, ferr := c.decoder.Feed(buf[:n])
			for _, fr := range frames {
				metrics.IncMessagesReceived()
				if derr := catalog.Dispatch(c, fr.MessageNumber, fr.Payload); derr != nil {
					c.logger.Warn("framing_dispatch_error", "error", derr)
					return
				}
			}
			if ferr != nil {
				c.logger.Warn("framing_error", "error", ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.logger.Warn("conn_read_error", "error", err)
			return
		}
	}
}

// writeLoop is the on_writable/flush analogue. net.Conn.Write already
// blocks until the full buffer is written or a fatal error occurs
// (the Go runtime retries internally on partial writes), so there is
// no separate write-interest-armed flag to maintain here: the channel
// being drained by an active goroutine is the interest state.
func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				return
			}
			metrics.AddBytesSent(len(frame))
			metrics.IncMessagesSent()
		case <-c.closed:
			return
		}
	}
}
