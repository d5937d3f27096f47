package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Groodian/rustchat-go/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges for the chat server's networking runtime.
var (
	AcceptedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_accepted_connections_total",
		Help: "Total TCP connections accepted.",
	})
	LostConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_lost_connections_total",
		Help: "Total connections closed (EOF, framing error, fatal socket error, shutdown).",
	})
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_bytes_read_total",
		Help: "Total bytes read from client sockets.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_bytes_sent_total",
		Help: "Total bytes written to client sockets.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_messages_received_total",
		Help: "Total wire frames successfully decoded from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_messages_sent_total",
		Help: "Total wire frames written to clients.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_active_connections",
		Help: "Current number of connected clients, summed across all workers.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_broadcast_fanout",
		Help: "Number of connections on the worker that most recently fanned out a global broadcast.",
	})
	BackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_backpressure_drops_total",
		Help: "Total connections closed because their outbound queue overflowed.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatd_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrListen    = "listen"
	ErrAccept    = "accept"
	ErrFraming   = "framing"
	ErrDispatch  = "dispatch"
	ErrBackpress = "backpressure"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters let cmd/chatd print a human-readable
// monitoring block without scraping Prometheus in-process.
var (
	localAccepted    uint64
	localLost        uint64
	localBytesRead   uint64
	localBytesSent   uint64
	localMsgsRecv    uint64
	localMsgsSent    uint64
	localBackpress   uint64
	localErrors      uint64
	localActiveConns int64
)

// Snapshot is a cheap copy of the local cumulative counters.
type Snapshot struct {
	AcceptedConnections uint64
	LostConnections     uint64
	BytesRead           uint64
	BytesSent           uint64
	MessagesReceived    uint64
	MessagesSent        uint64
	BackpressureDrops   uint64
	Errors              uint64
	ActiveConnections   int64
}

// Snap returns the current cumulative counters.
func Snap() Snapshot {
	return Snapshot{
		AcceptedConnections: atomic.LoadUint64(&localAccepted),
		LostConnections:     atomic.LoadUint64(&localLost),
		BytesRead:           atomic.LoadUint64(&localBytesRead),
		BytesSent:           atomic.LoadUint64(&localBytesSent),
		MessagesReceived:    atomic.LoadUint64(&localMsgsRecv),
		MessagesSent:        atomic.LoadUint64(&localMsgsSent),
		BackpressureDrops:   atomic.LoadUint64(&localBackpress),
		Errors:              atomic.LoadUint64(&localErrors),
		ActiveConnections:   atomic.LoadInt64(&localActiveConns),
	}
}

func IncAcceptedConnections() {
	AcceptedConnections.Inc()
	atomic.AddUint64(&localAccepted, 1)
	atomic.AddInt64(&localActiveConns, 1)
	ActiveConnections.Set(float64(atomic.LoadInt64(&localActiveConns)))
}

func IncLostConnections() {
	LostConnections.Inc()
	atomic.AddUint64(&localLost, 1)
	atomic.AddInt64(&localActiveConns, -1)
	ActiveConnections.Set(float64(atomic.LoadInt64(&localActiveConns)))
}

func AddBytesRead(n int) {
	BytesRead.Add(float64(n))
	atomic.AddUint64(&localBytesRead, uint64(n))
}

func AddBytesSent(n int) {
	BytesSent.Add(float64(n))
	atomic.AddUint64(&localBytesSent, uint64(n))
}

func IncMessagesReceived() {
	MessagesReceived.Inc()
	atomic.AddUint64(&localMsgsRecv, 1)
}

func IncMessagesSent() {
	MessagesSent.Inc()
	atomic.AddUint64(&localMsgsSent, 1)
}

func SetBroadcastFanout(n int) {
	BroadcastFanout.Set(float64(n))
}

func IncBackpressureDrop() {
	BackpressureDrops.Inc()
	atomic.AddUint64(&localBackpress, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error
// label series so the first error of each kind doesn't pay
// registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrListen, ErrAccept, ErrFraming, ErrDispatch, ErrBackpress} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias for IsReady.
func Ready() bool { return IsReady() }
