package compositor

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PerformanceMetrics is the engine's performance snapshot exposed to callers.
type PerformanceMetrics struct {
	FPS               float64
	DroppedFrames     uint64
	AverageRenderTime time.Duration
	MemoryUsage       uint64 // approximate bytes: engine buffers + heap
	HealthScore       float64
	IsPerformanceGood bool
}

// metricsCollector accumulates per-frame samples and recomputes FPS over a
// rolling one-second window.
type metricsCollector struct {
	mu sync.Mutex

	windowStart  time.Time
	windowFrames int

	fps           float64
	droppedFrames uint64

	renderTimeSum     time.Duration
	renderTimeSamples uint64

	engineBytes uint64
	heapBytes   uint64
}

func newMetricsCollector(now time.Time) *metricsCollector {
	return &metricsCollector{windowStart: now}
}

// recordFrame accounts one committed frame and its render duration.
func (m *metricsCollector) recordFrame(renderTime time.Duration) {
	m.mu.Lock()
	m.windowFrames++
	m.renderTimeSum += renderTime
	m.renderTimeSamples++
	m.mu.Unlock()
}

// recordDropped accounts one skipped/dropped scheduler tick. Pacing skips do
// not feed the render-time average.
func (m *metricsCollector) recordDropped() {
	m.mu.Lock()
	m.droppedFrames++
	m.mu.Unlock()
}

// rebase resets the window baseline, e.g. when resuming from pause, so the
// first window after resume is not measured against paused wall time.
func (m *metricsCollector) rebase(now time.Time) {
	m.mu.Lock()
	m.windowStart = now
	m.windowFrames = 0
	m.mu.Unlock()
}

// roll closes the rolling window if a second has elapsed, recomputing FPS
// and refreshing the memory approximation. Returns the new FPS sample and
// whether a window completed.
func (m *metricsCollector) roll(now time.Time, engineBytes uint64) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.windowStart)
	if elapsed < time.Second {
		return 0, false
	}

	m.fps = float64(m.windowFrames) / elapsed.Seconds()
	m.windowFrames = 0
	m.windowStart = now

	m.engineBytes = engineBytes
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.heapBytes = ms.HeapAlloc

	return m.fps, true
}

// snapshot builds the caller-facing metrics view.
func (m *metricsCollector) snapshot(targetFPS float64) PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if m.renderTimeSamples > 0 {
		avg = m.renderTimeSum / time.Duration(m.renderTimeSamples)
	}

	score := healthScore(m.fps, targetFPS, m.droppedFrames, m.renderTimeSamples)
	return PerformanceMetrics{
		FPS:               m.fps,
		DroppedFrames:     m.droppedFrames,
		AverageRenderTime: avg,
		MemoryUsage:       m.engineBytes + m.heapBytes,
		HealthScore:       score,
		IsPerformanceGood: m.fps >= recoverFPSThreshold,
	}
}

// healthScore maps performance to 0-100: frame rate dominates, sustained
// drops erode the rest.
func healthScore(fps, targetFPS float64, dropped, committed uint64) float64 {
	if targetFPS <= 0 {
		targetFPS = 30
	}
	fpsRatio := fps / targetFPS
	if fpsRatio > 1 {
		fpsRatio = 1
	}
	if fpsRatio < 0 {
		fpsRatio = 0
	}

	dropRatio := 0.0
	total := dropped + committed
	if total > 0 {
		dropRatio = float64(dropped) / float64(total)
	}
	// Pacing skips are expected at a 2x scheduler rate; only the excess
	// beyond half the ticks counts against health.
	excess := dropRatio - 0.5
	if excess < 0 {
		excess = 0
	}

	score := 100 * (fpsRatio*0.7 + (1-excess*2)*0.3)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// MetricsExporter publishes engine performance as Prometheus metrics.
type MetricsExporter struct {
	fps           prometheus.Gauge
	healthScore   prometheus.Gauge
	qualityLevel  prometheus.Gauge
	memoryBytes   prometheus.Gauge
	droppedTotal  prometheus.Counter
	renderSeconds prometheus.Histogram
}

// NewMetricsExporter registers the engine metric set on the given registerer
// (pass prometheus.DefaultRegisterer for the default registry).
func NewMetricsExporter(reg prometheus.Registerer) *MetricsExporter {
	factory := promauto.With(reg)
	return &MetricsExporter{
		fps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "compositor_fps",
			Help: "Composited output frames per second over the last rolling second",
		}),
		healthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "compositor_health_score",
			Help: "Render health score (0-100)",
		}),
		qualityLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "compositor_quality_level",
			Help: "Adaptive quality level (0=high, 1=medium, 2=low)",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "compositor_memory_bytes",
			Help: "Approximate engine memory usage in bytes",
		}),
		droppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "compositor_dropped_frames_total",
			Help: "Total scheduler ticks skipped or dropped",
		}),
		renderSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "compositor_render_duration_seconds",
			Help:    "Time spent rendering one composited frame",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

func (e *MetricsExporter) observeRender(d time.Duration) {
	e.renderSeconds.Observe(d.Seconds())
}

func (e *MetricsExporter) observeDropped() {
	e.droppedTotal.Inc()
}

func (e *MetricsExporter) observeWindow(m PerformanceMetrics, level QualityLevel) {
	e.fps.Set(m.FPS)
	e.healthScore.Set(m.HealthScore)
	e.qualityLevel.Set(float64(level))
	e.memoryBytes.Set(float64(m.MemoryUsage))
}
