// Package metrics exposes prometheus counters for bus and bridge health:
// frames sent/received per framer, malformed-frame drops, collisions,
// retries exhausted, ERD requests completed/failed/deduplicated,
// queue-full rejections, and TCP bridge traffic. It also serves the
// /metrics and /ready HTTP endpoints.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/geabus/bus-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters.
var (
	GEA2RxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea2_rx_packets_total",
		Help: "Total GEA2 packets decoded from the single-wire bus.",
	})
	GEA2TxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea2_tx_packets_total",
		Help: "Total GEA2 frames fully transmitted with every byte reflected, counted per attempt before any ACK.",
	})
	GEA3RxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea3_rx_packets_total",
		Help: "Total GEA3 packets decoded from the full-duplex bus.",
	})
	GEA3TxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea3_tx_packets_total",
		Help: "Total GEA3 packets sent.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed GEA frames (bad length, bad CRC, wrong destination).",
	})
	Collisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea2_collisions_total",
		Help: "Total GEA2 reflection mismatches and missing ACKs detected.",
	})
	ReflectionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea2_reflection_timeouts_total",
		Help: "Total GEA2 send attempts that timed out waiting for a reflected byte.",
	})
	SendRetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gea2_send_retries_exhausted_total",
		Help: "Total GEA2 packets discarded after exhausting their retry budget.",
	})
	SendQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "send_queue_full_total",
		Help: "Total Send/Forward calls rejected because the framer send queue was full.",
	})
	ERDReadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erd_reads_completed_total",
		Help: "Total ERD read requests completed successfully.",
	})
	ERDReadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erd_reads_failed_total",
		Help: "Total ERD read requests that exhausted their retry budget.",
	})
	ERDWritesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erd_writes_completed_total",
		Help: "Total ERD write requests completed successfully.",
	})
	ERDWritesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erd_writes_failed_total",
		Help: "Total ERD write requests that exhausted their retry budget.",
	})
	ERDRequestsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erd_requests_deduped_total",
		Help: "Total ERD read/write calls that matched an already-queued identical request.",
	})
	TCPRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tcp_rx_bytes_total",
		Help: "Total bytes read from TCP bridge clients.",
	})
	TCPTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tcp_tx_packets_total",
		Help: "Total GEA packets relayed to TCP bridge clients.",
	})
	HubDroppedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_packets_total",
		Help: "Total packets dropped by the bridge hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total bridge clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total bridge client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected bridge clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued packets among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued packets per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrTCPRead    = "tcp_read"
	ErrTCPWrite   = "tcp_write"
	ErrUARTRead   = "uart_read"
	ErrUARTWrite  = "uart_write"
	ErrUARTOpen   = "uart_open"
	ErrRS485Ioctl = "rs485_ioctl"
)

// StartHTTP serves Prometheus metrics at /metrics and a /ready endpoint
// driven by the registered readiness function (SetReadinessFunc).
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for periodic logging without scraping Prometheus
// in-process (used by cmd/gea-bus-server's --log-metrics-interval).
var (
	localGEA2Rx, localGEA2Tx             uint64
	localGEA3Rx, localGEA3Tx             uint64
	localMalformed, localCollisions      uint64
	localRetriesExhausted                uint64
	localERDReadsOK, localERDReadsFail   uint64
	localERDWritesOK, localERDWritesFail uint64
	localErrors                          uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	GEA2Rx, GEA2Tx             uint64
	GEA3Rx, GEA3Tx             uint64
	Malformed, Collisions      uint64
	RetriesExhausted           uint64
	ERDReadsOK, ERDReadsFail   uint64
	ERDWritesOK, ERDWritesFail uint64
	Errors                     uint64
}

func Snap() Snapshot {
	return Snapshot{
		GEA2Rx:           atomic.LoadUint64(&localGEA2Rx),
		GEA2Tx:           atomic.LoadUint64(&localGEA2Tx),
		GEA3Rx:           atomic.LoadUint64(&localGEA3Rx),
		GEA3Tx:           atomic.LoadUint64(&localGEA3Tx),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Collisions:       atomic.LoadUint64(&localCollisions),
		RetriesExhausted: atomic.LoadUint64(&localRetriesExhausted),
		ERDReadsOK:       atomic.LoadUint64(&localERDReadsOK),
		ERDReadsFail:     atomic.LoadUint64(&localERDReadsFail),
		ERDWritesOK:      atomic.LoadUint64(&localERDWritesOK),
		ERDWritesFail:    atomic.LoadUint64(&localERDWritesFail),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncGEA2Rx() { GEA2RxPackets.Inc(); atomic.AddUint64(&localGEA2Rx, 1) }
func IncGEA2Tx() { GEA2TxPackets.Inc(); atomic.AddUint64(&localGEA2Tx, 1) }
func IncGEA3Rx() { GEA3RxPackets.Inc(); atomic.AddUint64(&localGEA3Rx, 1) }
func IncGEA3Tx() { GEA3TxPackets.Inc(); atomic.AddUint64(&localGEA3Tx, 1) }

func IncMalformed()         { MalformedFrames.Inc(); atomic.AddUint64(&localMalformed, 1) }
func IncCollision()         { Collisions.Inc(); atomic.AddUint64(&localCollisions, 1) }
func IncReflectionTimeout() { ReflectionTimeouts.Inc() }
func IncSendRetriesExhausted() {
	SendRetriesExhausted.Inc()
	atomic.AddUint64(&localRetriesExhausted, 1)
}
func IncSendQueueFull() { SendQueueFull.Inc() }

func IncERDReadCompleted()  { ERDReadsCompleted.Inc(); atomic.AddUint64(&localERDReadsOK, 1) }
func IncERDReadFailed()     { ERDReadsFailed.Inc(); atomic.AddUint64(&localERDReadsFail, 1) }
func IncERDWriteCompleted() { ERDWritesCompleted.Inc(); atomic.AddUint64(&localERDWritesOK, 1) }
func IncERDWriteFailed()    { ERDWritesFailed.Inc(); atomic.AddUint64(&localERDWritesFail, 1) }
func IncERDDeduped()        { ERDRequestsDeduped.Inc() }

func AddTCPRxBytes(n int)      { TCPRxBytes.Add(float64(n)) }
func IncTCPTxPacket()          { TCPTxPackets.Inc() }
func IncHubDrop()              { HubDroppedPackets.Inc() }
func IncHubKick()              { HubKickedClients.Inc() }
func IncHubReject()            { HubRejectedClients.Inc() }
func SetHubClients(n int)      { HubActiveClients.Set(float64(n)) }
func SetBroadcastFanout(n int) { HubBroadcastFanout.Set(float64(n)) }
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrUARTRead, ErrUARTWrite, ErrUARTOpen, ErrRS485Ioctl} {
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
