package main

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"
)

const (
	metricsSlowLoopMs        = 40.0  // fixed step target is ~33.33ms
	metricsMaxBandwidthMBs   = 5.0
	metricsMaxMemoryPercent  = 85.0
	metricsMinLoopsPerSecond = 25.0
)

type timedSample struct {
	at    time.Time
	value float64
}

// MetricsAggregator tracks thread-safe rolling counters for the driver loop
// and connection lifecycle, and persists a daily rollup at local midnight.
type MetricsAggregator struct {
	mu sync.Mutex

	db *DB

	loopSamples      []timedSample
	broadcastSamples []timedSample
	connectEvents    []time.Time
	disconnectEvents []time.Time
	tempDiscEvents   []time.Time
	reconnectEvents  []time.Time
	errorEvents      []time.Time
	newRoundEvents   []time.Time
	slowLoopEvents   []time.Time

	dayKey                string
	totalPlayersConnected int
	peakConcurrentPlayers int
	concurrentSampleSum   float64
	concurrentSampleCount int
	peakMemoryUsageMB     float64
	peakBandwidthMBPerSec float64

	stop chan struct{}
}

// NewMetricsAggregator creates an aggregator. db may be nil, in which case
// the daily rollup is computed but never persisted.
func NewMetricsAggregator(db *DB) *MetricsAggregator {
	return &MetricsAggregator{
		db:     db,
		dayKey: todayKey(time.Now()),
		stop:   make(chan struct{}),
	}
}

// RecordLoop records one driver tick's wall-clock duration and flags it as
// a slow loop when it exceeds the threshold.
func (m *MetricsAggregator) RecordLoop(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.loopSamples = append(m.loopSamples, timedSample{now, ms})
	if ms > metricsSlowLoopMs {
		m.slowLoopEvents = append(m.slowLoopEvents, now)
		log.Printf("metrics: slow loop %.2fms exceeds %.2fms threshold", ms, metricsSlowLoopMs)
	}
}

// RecordBroadcast records one broadcast frame's serialized byte size.
func (m *MetricsAggregator) RecordBroadcast(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcastSamples = append(m.broadcastSamples, timedSample{time.Now(), float64(bytes)})
}

// RecordConnect records a new player connection.
func (m *MetricsAggregator) RecordConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectEvents = append(m.connectEvents, time.Now())
	m.totalPlayersConnected++
}

// RecordDisconnect records a disconnect event. temporary marks a
// grace-period disconnect that may still reconnect.
func (m *MetricsAggregator) RecordDisconnect(temporary bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.disconnectEvents = append(m.disconnectEvents, now)
	if temporary {
		m.tempDiscEvents = append(m.tempDiscEvents, now)
	}
}

// RecordReconnect records a successful reconnect.
func (m *MetricsAggregator) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectEvents = append(m.reconnectEvents, time.Now())
}

// RecordError records a captured simulation/broadcast fault.
func (m *MetricsAggregator) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorEvents = append(m.errorEvents, time.Now())
}

// RecordNewRound records a match reset/new-round event.
func (m *MetricsAggregator) RecordNewRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newRoundEvents = append(m.newRoundEvents, time.Now())
}

// SetConcurrentPlayers samples the current concurrent player count for the
// daily peak/average and checks the heap against the memory threshold.
func (m *MetricsAggregator) SetConcurrentPlayers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.peakConcurrentPlayers {
		m.peakConcurrentPlayers = n
	}
	m.concurrentSampleSum += float64(n)
	m.concurrentSampleCount++

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1024 * 1024)
	if heapMB > m.peakMemoryUsageMB {
		m.peakMemoryUsageMB = heapMB
	}
}

// Window10s is the per-10-second performance snapshot.
type Window10s struct {
	AvgLoopMs      float64
	MaxLoopMs      float64
	LoopsPerSec    float64
	BroadcastsPerSec float64
	AvgBroadcastKB float64
	BandwidthMBs   float64
	HeapMB         float64
}

// Window10s computes the rolling 10-second performance window and checks
// thresholds, logging an alert when one is crossed.
func (m *MetricsAggregator) Window10s() Window10s {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Second)
	m.loopSamples = pruneAndKeep(m.loopSamples, cutoff)
	m.broadcastSamples = pruneAndKeep(m.broadcastSamples, cutoff)
	loops := m.loopSamples
	broadcasts := m.broadcastSamples

	var w Window10s
	if len(loops) > 0 {
		sum := 0.0
		for _, s := range loops {
			sum += s.value
			if s.value > w.MaxLoopMs {
				w.MaxLoopMs = s.value
			}
		}
		w.AvgLoopMs = sum / float64(len(loops))
		w.LoopsPerSec = float64(len(loops)) / 10.0
	}
	if len(broadcasts) > 0 {
		sum := 0.0
		for _, s := range broadcasts {
			sum += s.value
		}
		w.AvgBroadcastKB = sum / float64(len(broadcasts)) / 1024.0
		w.BroadcastsPerSec = float64(len(broadcasts)) / 10.0
		w.BandwidthMBs = sum / (1024 * 1024) / 10.0
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	w.HeapMB = float64(ms.HeapAlloc) / (1024 * 1024)
	if w.HeapMB > m.peakMemoryUsageMB {
		m.peakMemoryUsageMB = w.HeapMB
	}
	if w.BandwidthMBs > m.peakBandwidthMBPerSec {
		m.peakBandwidthMBPerSec = w.BandwidthMBs
	}

	m.checkThresholds(w)
	return w
}

// Window60s is the per-60-second connection-lifecycle snapshot.
type Window60s struct {
	Connections    int
	Disconnects    int
	Reconnects     int
	SlowLoopCount  int
	ErrorCount     int
}

// Window60s computes the rolling 60-second connection/error window.
func (m *MetricsAggregator) Window60s() Window60s {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-60 * time.Second)
	// These events also feed the daily rollup, so trim only what's well
	// outside any window we compute rather than pruning in place here.
	return Window60s{
		Connections:   countAfter(m.connectEvents, cutoff),
		Disconnects:   countAfter(m.disconnectEvents, cutoff),
		Reconnects:    countAfter(m.reconnectEvents, cutoff),
		SlowLoopCount: countAfter(m.slowLoopEvents, cutoff),
		ErrorCount:    countAfter(m.errorEvents, cutoff),
	}
}

func (m *MetricsAggregator) checkThresholds(w Window10s) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent := 0.0
	if ms.Sys > 0 {
		memPercent = float64(ms.HeapAlloc) / float64(ms.Sys) * 100
	}

	if w.AvgLoopMs > metricsSlowLoopMs {
		log.Printf("metrics alert: avg loop time %.2fms exceeds threshold", w.AvgLoopMs)
	}
	if w.LoopsPerSec > 0 && w.LoopsPerSec < metricsMinLoopsPerSecond {
		log.Printf("metrics alert: loop rate %.1f/s below threshold", w.LoopsPerSec)
	}
	if w.BandwidthMBs > metricsMaxBandwidthMBs {
		log.Printf("metrics alert: bandwidth %.2f MB/s exceeds threshold", w.BandwidthMBs)
	}
	if memPercent > metricsMaxMemoryPercent {
		log.Printf("metrics alert: heap at %.1f%% of system memory", memPercent)
	}
}

// Start launches the background goroutine that persists the daily rollup
// at local midnight.
func (m *MetricsAggregator) Start() {
	go m.rolloverLoop()
}

// Stop halts the rollover goroutine.
func (m *MetricsAggregator) Stop() {
	close(m.stop)
}

func (m *MetricsAggregator) rolloverLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.maybeRollOver()
		case <-m.stop:
			return
		}
	}
}

// maybeRollOver persists the daily document and resets daily counters once
// the local date has advanced past dayKey.
func (m *MetricsAggregator) maybeRollOver() {
	m.mu.Lock()
	today := todayKey(time.Now())
	if today == m.dayKey {
		m.mu.Unlock()
		return
	}

	avgConcurrent := 0.0
	if m.concurrentSampleCount > 0 {
		avgConcurrent = m.concurrentSampleSum / float64(m.concurrentSampleCount)
	}
	reconnectRate := 0.0
	if len(m.tempDiscEvents) > 0 {
		reconnectRate = float64(len(m.reconnectEvents)) / float64(len(m.tempDiscEvents))
	}

	rollup := DailyRollup{
		Date:                  m.dayKey,
		TotalPlayersConnected: m.totalPlayersConnected,
		PeakConcurrentPlayers: m.peakConcurrentPlayers,
		AvgConcurrentPlayers:  avgConcurrent,
		TotalRoundsPlayed:     len(m.newRoundEvents),
		TotalDisconnects:      len(m.disconnectEvents),
		TemporaryDisconnects:  len(m.tempDiscEvents),
		Reconnects:            len(m.reconnectEvents),
		ReconnectRate:         reconnectRate,
		SlowLoopsCount:        len(m.slowLoopEvents),
		ErrorCount:            len(m.errorEvents),
		PeakMemoryUsageMB:     m.peakMemoryUsageMB,
		PeakBandwidthMBPerSec: m.peakBandwidthMBPerSec,
	}

	m.dayKey = today
	m.totalPlayersConnected = 0
	m.peakConcurrentPlayers = 0
	m.concurrentSampleSum = 0
	m.concurrentSampleCount = 0
	m.peakMemoryUsageMB = 0
	m.peakBandwidthMBPerSec = 0
	m.connectEvents = nil
	m.disconnectEvents = nil
	m.tempDiscEvents = nil
	m.reconnectEvents = nil
	m.errorEvents = nil
	m.newRoundEvents = nil
	m.slowLoopEvents = nil
	m.mu.Unlock()

	if m.db == nil {
		return
	}
	if err := m.db.UpsertDailyRollup(rollup); err != nil {
		log.Printf("metrics: failed to persist daily rollup: %v", err)
		return
	}
}

// PrometheusText renders the current rolling windows as Prometheus text
// exposition format for GET /metrics.
func (m *MetricsAggregator) PrometheusText() string {
	w10 := m.Window10s()
	w60 := m.Window60s()
	return fmt.Sprintf(
		"arena_loop_avg_ms %.3f\narena_loop_max_ms %.3f\narena_loops_per_sec %.3f\n"+
			"arena_broadcasts_per_sec %.3f\narena_broadcast_avg_kb %.3f\narena_bandwidth_mb_per_sec %.3f\n"+
			"arena_heap_mb %.3f\narena_connections_60s %d\narena_disconnects_60s %d\n"+
			"arena_reconnects_60s %d\narena_slow_loops_60s %d\narena_errors_60s %d\n",
		w10.AvgLoopMs, w10.MaxLoopMs, w10.LoopsPerSec,
		w10.BroadcastsPerSec, w10.AvgBroadcastKB, w10.BandwidthMBs,
		w10.HeapMB, w60.Connections, w60.Disconnects,
		w60.Reconnects, w60.SlowLoopCount, w60.ErrorCount,
	)
}

func pruneAndKeep(samples []timedSample, cutoff time.Time) []timedSample {
	kept := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

func countAfter(events []time.Time, cutoff time.Time) int {
	count := 0
	for _, t := range events {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
