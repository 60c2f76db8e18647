package dss

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Metrics tracks delayed submission subsystem metrics for Prometheus.
// Counts and durations only; response content never enters a metric.
type Metrics struct {
	mu sync.Mutex

	responsesQueued      uint64
	responsesFlushed     uint64
	responsesTransferred uint64
	responsesReceived    uint64

	flushCyclesProductive uint64
	flushCyclesEmpty      uint64
	adminFlushes          uint64

	transferFailures  uint64
	anonymizeFailures uint64
	persistFailures   uint64

	promotions uint64
	demotions  uint64

	queueDepth        int
	currentPercentage int

	flushCycleDuration histogram
	flushBatchSize     histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

// NewMetrics constructs a Metrics registry with default histogram buckets.
func NewMetrics() *Metrics {
	return &Metrics{
		flushCycleDuration: newHistogram(durationBucketsFlushCycle),
		flushBatchSize:     newHistogram(bucketsFlushBatchSize),
	}
}

var durationBucketsFlushCycle = []float64{
	0.05,
	0.1,
	0.25,
	0.5,
	1,
	2.5,
	5,
	10,
}

var bucketsFlushBatchSize = []float64{
	1,
	5,
	10,
	25,
	50,
	100,
	250,
}

// ObserveQueued records responses appended to the local queue.
func (m *Metrics) ObserveQueued(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	m.responsesQueued += uint64(count)
	m.mu.Unlock()
}

// ObserveFlushed records responses durably persisted by a flush cycle.
func (m *Metrics) ObserveFlushed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	m.responsesFlushed += uint64(count)
	m.flushBatchSize.observe(float64(count))
	m.mu.Unlock()
}

// ObserveTransferred records responses forwarded to the leader.
func (m *Metrics) ObserveTransferred(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	m.responsesTransferred += uint64(count)
	m.mu.Unlock()
}

// ObserveReceived records responses folded in from another instance.
func (m *Metrics) ObserveReceived(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mu.Lock()
	m.responsesReceived += uint64(count)
	m.mu.Unlock()
}

// ObserveFlushCycle records one scheduler firing and its duration.
func (m *Metrics) ObserveFlushCycle(productive bool, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.mu.Lock()
	if productive {
		m.flushCyclesProductive++
	} else {
		m.flushCyclesEmpty++
	}
	m.flushCycleDuration.observe(seconds)
	m.mu.Unlock()
}

// ObserveAdminFlush records an administrative immediate flush.
func (m *Metrics) ObserveAdminFlush() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.adminFlushes++
	m.mu.Unlock()
}

// ObserveTransferFailure records a failed transfer to the leader.
func (m *Metrics) ObserveTransferFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transferFailures++
	m.mu.Unlock()
}

// ObserveAnonymizeFailure records a failed text anonymization.
func (m *Metrics) ObserveAnonymizeFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.anonymizeFailures++
	m.mu.Unlock()
}

// ObservePersistFailure records a failed durable write.
func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.persistFailures++
	m.mu.Unlock()
}

// ObserveLeadership records a leadership transition.
func (m *Metrics) ObserveLeadership(promoted bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if promoted {
		m.promotions++
	} else {
		m.demotions++
	}
	m.mu.Unlock()
}

// SetQueueDepth updates the pending response gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.mu.Lock()
	m.queueDepth = depth
	m.mu.Unlock()
}

// SetCurrentPercentage updates the flush ratio gauge.
func (m *Metrics) SetCurrentPercentage(pct int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.currentPercentage = pct
	m.mu.Unlock()
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}

	m.mu.Lock()
	responsesQueued := m.responsesQueued
	responsesFlushed := m.responsesFlushed
	responsesTransferred := m.responsesTransferred
	responsesReceived := m.responsesReceived
	flushCyclesProductive := m.flushCyclesProductive
	flushCyclesEmpty := m.flushCyclesEmpty
	adminFlushes := m.adminFlushes
	transferFailures := m.transferFailures
	anonymizeFailures := m.anonymizeFailures
	persistFailures := m.persistFailures
	promotions := m.promotions
	demotions := m.demotions
	queueDepth := m.queueDepth
	currentPercentage := m.currentPercentage
	flushCycleDuration := copyHistogram(m.flushCycleDuration)
	flushBatchSize := copyHistogram(m.flushBatchSize)
	m.mu.Unlock()

	fmt.Fprintf(w, "# HELP dss_responses_total Responses by pipeline stage.\n")
	fmt.Fprintf(w, "# TYPE dss_responses_total counter\n")
	fmt.Fprintf(w, "dss_responses_total{stage=%q} %d\n", "queued", responsesQueued)
	fmt.Fprintf(w, "dss_responses_total{stage=%q} %d\n", "flushed", responsesFlushed)
	fmt.Fprintf(w, "dss_responses_total{stage=%q} %d\n", "transferred", responsesTransferred)
	fmt.Fprintf(w, "dss_responses_total{stage=%q} %d\n", "received", responsesReceived)

	fmt.Fprintf(w, "# HELP dss_flush_cycles_total Scheduler firings by outcome.\n")
	fmt.Fprintf(w, "# TYPE dss_flush_cycles_total counter\n")
	fmt.Fprintf(w, "dss_flush_cycles_total{outcome=%q} %d\n", "productive", flushCyclesProductive)
	fmt.Fprintf(w, "dss_flush_cycles_total{outcome=%q} %d\n", "empty", flushCyclesEmpty)

	fmt.Fprintf(w, "# HELP dss_admin_flushes_total Administrative immediate flushes.\n")
	fmt.Fprintf(w, "# TYPE dss_admin_flushes_total counter\n")
	fmt.Fprintf(w, "dss_admin_flushes_total %d\n", adminFlushes)

	fmt.Fprintf(w, "# HELP dss_failures_total Failures by kind.\n")
	fmt.Fprintf(w, "# TYPE dss_failures_total counter\n")
	fmt.Fprintf(w, "dss_failures_total{kind=%q} %d\n", "transfer", transferFailures)
	fmt.Fprintf(w, "dss_failures_total{kind=%q} %d\n", "anonymize", anonymizeFailures)
	fmt.Fprintf(w, "dss_failures_total{kind=%q} %d\n", "persist", persistFailures)

	fmt.Fprintf(w, "# HELP dss_leadership_transitions_total Leadership transitions.\n")
	fmt.Fprintf(w, "# TYPE dss_leadership_transitions_total counter\n")
	fmt.Fprintf(w, "dss_leadership_transitions_total{direction=%q} %d\n", "promoted", promotions)
	fmt.Fprintf(w, "dss_leadership_transitions_total{direction=%q} %d\n", "demoted", demotions)

	fmt.Fprintf(w, "# HELP dss_queue_depth Pending responses held in memory.\n")
	fmt.Fprintf(w, "# TYPE dss_queue_depth gauge\n")
	fmt.Fprintf(w, "dss_queue_depth %d\n", queueDepth)

	fmt.Fprintf(w, "# HELP dss_current_percentage Current throttled flush ratio.\n")
	fmt.Fprintf(w, "# TYPE dss_current_percentage gauge\n")
	fmt.Fprintf(w, "dss_current_percentage %d\n", currentPercentage)

	writeHistogram(w, "dss_flush_cycle_duration_seconds", "Flush cycle duration in seconds.", "", flushCycleDuration)
	writeHistogram(w, "dss_flush_batch_size", "Responses persisted per productive cycle.", "", flushBatchSize)
}

func newHistogram(buckets []float64) histogram {
	return histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func copyHistogram(h histogram) histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

func writeHistogram(w io.Writer, name, help, labels string, h histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	labelPrefix := labels
	if labelPrefix != "" {
		labelPrefix += ","
	}
	for i, bound := range h.buckets {
		fmt.Fprintf(
			w,
			"%s_bucket{%sle=%q} %d\n",
			name,
			labelPrefix,
			formatFloat(bound),
			h.counts[i],
		)
	}
	fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, labelPrefix, "+Inf", h.count)
	fmt.Fprintf(w, "%s_sum{%s} %s\n", name, labels, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.count)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
