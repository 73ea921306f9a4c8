package capture

import (
	"sync"
	"time"
)

const metricsInterval = 5 * time.Second

// pipelineMetrics accumulates counters between snapshots so the status
// API can report recent throughput without scraping prometheus.
type pipelineMetrics struct {
	sync.Mutex
	frames        uint64
	keyframes     uint64
	deltas        uint64
	tiles         uint64
	fragments     uint64
	bytes         uint64
	suppressed    uint64
	fallbacks     uint64
	encoderErrors uint64
	lastError     string
	intervalStart time.Time
}

// MetricsSnapshot is one drained interval of pipeline counters.
type MetricsSnapshot struct {
	Frames        uint64        `json:"frames"`
	Keyframes     uint64        `json:"keyframes"`
	Deltas        uint64        `json:"deltas"`
	Tiles         uint64        `json:"tiles"`
	Fragments     uint64        `json:"fragments"`
	Bytes         uint64        `json:"bytes"`
	Suppressed    uint64        `json:"suppressed"`
	Fallbacks     uint64        `json:"fallbacks"`
	EncoderErrors uint64        `json:"encoderErrors"`
	LastError     string        `json:"lastError,omitempty"`
	Interval      time.Duration `json:"interval"`
}

func newPipelineMetrics() *pipelineMetrics {
	return &pipelineMetrics{intervalStart: time.Now()}
}

func (m *pipelineMetrics) recordKeyframe(size, fragments int) {
	if m == nil {
		return
	}
	m.Lock()
	m.frames++
	m.keyframes++
	m.fragments += uint64(fragments)
	m.bytes += uint64(size)
	m.Unlock()
}

func (m *pipelineMetrics) recordDelta(size, tiles int) {
	if m == nil {
		return
	}
	m.Lock()
	m.frames++
	m.deltas++
	m.fragments++
	m.tiles += uint64(tiles)
	m.bytes += uint64(size)
	m.Unlock()
}

func (m *pipelineMetrics) recordSuppressed() {
	if m == nil {
		return
	}
	m.Lock()
	m.suppressed++
	m.Unlock()
}

func (m *pipelineMetrics) recordFallback() {
	if m == nil {
		return
	}
	m.Lock()
	m.fallbacks++
	m.Unlock()
}

func (m *pipelineMetrics) recordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Lock()
	m.encoderErrors++
	m.lastError = err.Error()
	m.Unlock()
}

// snapshot drains the counters. It reports false when the interval is
// still young and nothing happened, so callers can skip empty reports.
func (m *pipelineMetrics) snapshot() (MetricsSnapshot, bool) {
	if m == nil {
		return MetricsSnapshot{}, false
	}
	m.Lock()
	defer m.Unlock()
	interval := time.Since(m.intervalStart)
	if interval <= 0 {
		interval = metricsInterval
	}
	if interval < metricsInterval && m.frames == 0 && m.suppressed == 0 && m.encoderErrors == 0 {
		return MetricsSnapshot{}, false
	}
	shot := MetricsSnapshot{
		Frames:        m.frames,
		Keyframes:     m.keyframes,
		Deltas:        m.deltas,
		Tiles:         m.tiles,
		Fragments:     m.fragments,
		Bytes:         m.bytes,
		Suppressed:    m.suppressed,
		Fallbacks:     m.fallbacks,
		EncoderErrors: m.encoderErrors,
		LastError:     m.lastError,
		Interval:      interval,
	}
	m.frames = 0
	m.keyframes = 0
	m.deltas = 0
	m.tiles = 0
	m.fragments = 0
	m.bytes = 0
	m.suppressed = 0
	m.fallbacks = 0
	m.encoderErrors = 0
	m.lastError = ""
	m.intervalStart = time.Now()
	return shot, true
}
