package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace = "gbench"
	subsystemBench   = "bench"

	KindTCP = "tcp"
	KindUDP = "udp"
)

// BenchCollector accumulates per-transfer outcomes across benchmark rounds
// and exposes them through its own prometheus registry.
type BenchCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime        time.Time
	completed        map[string]uint64
	failed           map[string]uint64
	bytesReceived    map[string]uint64
	segmentsReceived uint64
	segmentsExpected uint64
	lastRate         map[string]float64
	rounds           uint64
}

// BenchSnapshot is a point-in-time copy of the collector state.
type BenchSnapshot struct {
	Elapsed          time.Duration
	Rounds           uint64
	TCPCompleted     uint64
	UDPCompleted     uint64
	TCPFailed        uint64
	UDPFailed        uint64
	TCPBytes         uint64
	UDPBytes         uint64
	SegmentsReceived uint64
	SegmentsExpected uint64
	DeliveryRatio    float64
	LastTCPRateBps   float64
	LastUDPRateBps   float64
}

func NewBenchCollector(namespace string) *BenchCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	c := &BenchCollector{
		namespace:     namespace,
		registry:      prometheus.NewRegistry(),
		completed:     map[string]uint64{},
		failed:        map[string]uint64{},
		bytesReceived: map[string]uint64{},
		lastRate:      map[string]float64{},
	}
	c.registerMetrics()
	return c
}

func (c *BenchCollector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveRound marks the start of a benchmark round.
func (c *BenchCollector) ObserveRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStartTimeLocked()
	c.rounds++
}

// ObserveTransfer records one finished transfer. rateBps is the reported bit rate.
func (c *BenchCollector) ObserveTransfer(kind string, received uint64, rateBps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStartTimeLocked()
	c.completed[kind]++
	c.bytesReceived[kind] += received
	c.lastRate[kind] = rateBps
}

func (c *BenchCollector) ObserveSegments(received, expected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segmentsReceived += received
	c.segmentsExpected += expected
}

func (c *BenchCollector) ObserveFailure(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStartTimeLocked()
	c.failed[kind]++
}

func (c *BenchCollector) Snapshot() BenchSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *BenchCollector) buildSnapshotLocked(now time.Time) BenchSnapshot {
	elapsed := time.Duration(0)
	if !c.startTime.IsZero() {
		elapsed = now.Sub(c.startTime)
	}
	var ratio float64
	if c.segmentsExpected > 0 {
		ratio = float64(c.segmentsReceived) / float64(c.segmentsExpected)
	}
	return BenchSnapshot{
		Elapsed:          elapsed,
		Rounds:           c.rounds,
		TCPCompleted:     c.completed[KindTCP],
		UDPCompleted:     c.completed[KindUDP],
		TCPFailed:        c.failed[KindTCP],
		UDPFailed:        c.failed[KindUDP],
		TCPBytes:         c.bytesReceived[KindTCP],
		UDPBytes:         c.bytesReceived[KindUDP],
		SegmentsReceived: c.segmentsReceived,
		SegmentsExpected: c.segmentsExpected,
		DeliveryRatio:    ratio,
		LastTCPRateBps:   c.lastRate[KindTCP],
		LastUDPRateBps:   c.lastRate[KindUDP],
	}
}

func (c *BenchCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(BenchSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemBench,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, valueFn func(BenchSnapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemBench,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	c.registry.MustRegister(makeGauge(
		"tcp_last_rate_bits_per_second",
		"Bit rate reported by the most recently finished TCP transfer.",
		func(s BenchSnapshot) float64 { return s.LastTCPRateBps },
	))
	c.registry.MustRegister(makeGauge(
		"udp_last_rate_bits_per_second",
		"Bit rate reported by the most recently finished UDP transfer.",
		func(s BenchSnapshot) float64 { return s.LastUDPRateBps },
	))
	c.registry.MustRegister(makeGauge(
		"udp_delivery_ratio",
		"Ratio of UDP segments received to segments announced.",
		func(s BenchSnapshot) float64 { return s.DeliveryRatio },
	))
	c.registry.MustRegister(makeCounter(
		"rounds_total",
		"Benchmark rounds started.",
		func(s BenchSnapshot) float64 { return float64(s.Rounds) },
	))
	c.registry.MustRegister(makeCounter(
		"tcp_transfers_total",
		"TCP transfers that produced a result.",
		func(s BenchSnapshot) float64 { return float64(s.TCPCompleted) },
	))
	c.registry.MustRegister(makeCounter(
		"udp_transfers_total",
		"UDP transfers that produced a result.",
		func(s BenchSnapshot) float64 { return float64(s.UDPCompleted) },
	))
	c.registry.MustRegister(makeCounter(
		"tcp_failures_total",
		"TCP transfers aborted by a socket error.",
		func(s BenchSnapshot) float64 { return float64(s.TCPFailed) },
	))
	c.registry.MustRegister(makeCounter(
		"udp_failures_total",
		"UDP transfers aborted by a socket error.",
		func(s BenchSnapshot) float64 { return float64(s.UDPFailed) },
	))
	c.registry.MustRegister(makeCounter(
		"tcp_bytes_received_total",
		"Payload bytes received over TCP.",
		func(s BenchSnapshot) float64 { return float64(s.TCPBytes) },
	))
	c.registry.MustRegister(makeCounter(
		"udp_bytes_received_total",
		"Payload bytes received over UDP.",
		func(s BenchSnapshot) float64 { return float64(s.UDPBytes) },
	))
	c.registry.MustRegister(makeCounter(
		"udp_segments_received_total",
		"Distinct UDP payload segments received.",
		func(s BenchSnapshot) float64 { return float64(s.SegmentsReceived) },
	))
}

func (c *BenchCollector) ensureStartTimeLocked() {
	if c.startTime.IsZero() {
		c.startTime = time.Now()
	}
}
