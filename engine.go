package compositor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
)

// EngineState is the engine lifecycle state.
type EngineState int

const (
	EngineStopped EngineState = iota
	EngineRunning
	EnginePaused
)

func (s EngineState) String() string {
	switch s {
	case EngineStopped:
		return "stopped"
	case EngineRunning:
		return "running"
	case EnginePaused:
		return "paused"
	default:
		return "unknown"
	}
}

const (
	// The scheduler ticks at twice the target frame rate; a tick commits a
	// frame only when the frame budget has elapsed since the last commit.
	schedulerRate = 60

	defaultTargetFPS          = 30
	defaultTransitionDuration = 500 * time.Millisecond
)

// Config configures an Engine. Zero values are backfilled with defaults.
type Config struct {
	// Canvas dimensions in pixels. Default: 1280x720.
	CanvasWidth  int
	CanvasHeight int

	// Background fills the canvas before each draw pass. Default: black.
	Background YUVColor

	// TargetFPS is the output frame rate. Default: 30.
	TargetFPS int

	// TransitionDuration is how long layout changes animate. Default: 500ms.
	TransitionDuration time.Duration

	// LoggerFactory provides the engine's loggers. Default: pion's default
	// factory.
	LoggerFactory logging.LoggerFactory

	// Exporter, when set, publishes performance metrics to Prometheus.
	Exporter *MetricsExporter
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CanvasWidth:        1280,
		CanvasHeight:       720,
		Background:         ColorBlack,
		TargetFPS:          defaultTargetFPS,
		TransitionDuration: defaultTransitionDuration,
	}
}

// transitionState tracks an in-flight animated layout change.
type transitionState struct {
	from     Layout
	start    time.Time
	duration time.Duration
}

// Engine composites up to two video sources onto one canvas according to a
// declarative layout and produces a single output stream. Source handles are
// borrowed: the engine subscribes and auto-plays them but never stops tracks
// it did not create.
type Engine struct {
	config Config
	log    logging.LeveledLogger

	mu         sync.Mutex
	state      EngineState
	disposed   bool
	canvas     Canvas
	layout     Layout
	transition *transitionState
	stream     *OutputStream
	mixer      *AudioMixer
	warnCb     func(PerformanceWarning)

	registry *sourceRegistry
	quality  *qualityController
	metrics  *metricsCollector

	ctx    context.Context
	cancel context.CancelFunc

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	lastCommit time.Time
}

// NewEngine creates an engine with the given configuration. The engine is
// idle until Start.
func NewEngine(config Config) (*Engine, error) {
	def := DefaultConfig()
	if config.CanvasWidth <= 0 {
		config.CanvasWidth = def.CanvasWidth
	}
	if config.CanvasHeight <= 0 {
		config.CanvasHeight = def.CanvasHeight
	}
	if config.TargetFPS <= 0 {
		config.TargetFPS = def.TargetFPS
	}
	if config.TransitionDuration <= 0 {
		config.TransitionDuration = def.TransitionDuration
	}
	if config.Background == (YUVColor{}) {
		config.Background = def.Background
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	canvas, err := NewI420Canvas(config.CanvasWidth, config.CanvasHeight)
	if err != nil {
		return nil, fmt.Errorf("create canvas: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := config.LoggerFactory.NewLogger("compositor")

	layout, _ := LayoutForType(LayoutPictureInPicture, config.CanvasWidth, config.CanvasHeight)

	return &Engine{
		config:   config,
		log:      log,
		canvas:   canvas,
		layout:   layout,
		registry: newSourceRegistry(ctx, config.LoggerFactory.NewLogger("sources")),
		quality:  newQualityController(),
		metrics:  newMetricsCollector(time.Now()),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// AddVideoSource registers a borrowed video source under a role. A nil rect
// means the current layout's rect for that role applies.
func (e *Engine) AddVideoSource(role SourceRole, src VideoSource, rect *Rect) {
	e.registry.Add(role, src, rect)
	e.mu.Lock()
	if r, ok := e.layout.Rects[role]; ok && rect == nil {
		e.registry.Update(role, SourcePatch{Rect: &r})
	}
	e.mu.Unlock()
}

// RemoveVideoSource detaches a role's source. The underlying handle keeps
// running. Idempotent.
func (e *Engine) RemoveVideoSource(role SourceRole) {
	e.registry.Remove(role)
}

// UpdateVideoSource shallow-merges rect/visibility/opacity for a role.
func (e *Engine) UpdateVideoSource(role SourceRole, patch SourcePatch) {
	e.registry.Update(role, patch)
}

// SourceReadiness reports the current readiness of a role's source.
func (e *Engine) SourceReadiness(role SourceRole) Readiness {
	return e.registry.Readiness(role)
}

// SetLayout switches to a new layout. With transition enabled the change
// animates from the current geometry over the configured duration; otherwise
// it applies instantly. Out-of-bounds rects are clamped into the canvas. A
// layout that cannot be salvaged by clamping is replaced with a safe
// single-source fallback and the validation errors are returned; the engine
// keeps rendering either way.
func (e *Engine) SetLayout(l Layout, transition bool) error {
	l = l.Clone()
	if l.CanvasWidth <= 0 {
		l.CanvasWidth = e.config.CanvasWidth
	}
	if l.CanvasHeight <= 0 {
		l.CanvasHeight = e.config.CanvasHeight
	}
	for role, r := range l.Rects {
		l.Rects[role] = ClampToCanvas(r, l.CanvasWidth, l.CanvasHeight)
	}

	var verr error
	if res := ValidateLayout(l); !res.IsValid {
		verr = fmt.Errorf("invalid layout: %s", strings.Join(res.Errors, "; "))
		e.log.Warnf("%v, falling back", verr)
		l = fallbackLayout(e.config.CanvasWidth, e.config.CanvasHeight,
			e.registry.Has(RoleCamera), e.registry.Has(RoleScreen))
	}

	now := time.Now()
	e.mu.Lock()
	if transition {
		from := e.effectiveLayoutLocked(now)
		e.layout = l
		e.transition = &transitionState{
			from:     from,
			start:    now,
			duration: e.config.TransitionDuration,
		}
	} else {
		e.layout = l
		e.transition = nil
		e.registry.applyRects(l)
	}
	if cw, ch := e.canvas.Size(); cw != l.CanvasWidth || ch != l.CanvasHeight {
		e.canvas.Resize(l.CanvasWidth, l.CanvasHeight)
	}
	e.mu.Unlock()

	e.log.Infof("layout set to %s (%dx%d)", l.Type, l.CanvasWidth, l.CanvasHeight)
	return verr
}

// ApplyLayoutByType switches to a catalog layout template.
func (e *Engine) ApplyLayoutByType(t LayoutType, transition bool) error {
	e.mu.Lock()
	cw, ch := e.canvas.Size()
	e.mu.Unlock()
	l, err := LayoutForType(t, cw, ch)
	if err != nil {
		return err
	}
	return e.SetLayout(l, transition)
}

// CurrentLayout returns a copy of the layout as rendered right now: during a
// transition the rects carry the interpolated in-between geometry, afterwards
// the target. An elapsed transition is resolved here too, so the reported
// layout settles even when no render tick runs (paused or stopped engine).
func (e *Engine) CurrentLayout() Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveLayoutLocked(time.Now()).Clone()
}

// IsTransitioning reports whether a layout transition is still in flight.
func (e *Engine) IsTransitioning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.effectiveLayoutLocked(time.Now())
	return e.transition != nil
}

// AvailableLayouts lists the catalog layout types.
func (e *Engine) AvailableLayouts() []LayoutType {
	return AvailableLayoutTypes()
}

// Start begins rendering and returns the output stream. Calling Start while
// running returns the existing stream; while paused it resumes. The context
// bounds the render loop in addition to Stop/Dispose.
func (e *Engine) Start(ctx context.Context) (*OutputStream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return nil, ErrClosed
	}
	switch e.state {
	case EngineRunning:
		return e.stream, nil
	case EnginePaused:
		e.state = EngineRunning
		e.lastCommit = time.Time{}
		e.metrics.rebase(time.Now())
		return e.stream, nil
	}

	video := newOutputVideoTrack("composited-video")
	var audio *OutputAudioTrack
	if e.mixer != nil {
		audio = newOutputAudioTrack("mixed-audio", e.mixer.Output())
	}
	e.stream = newOutputStream(video, audio)

	loopCtx, loopCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.loopCancel = loopCancel
	e.loopDone = done
	e.state = EngineRunning
	e.lastCommit = time.Time{}
	e.metrics.rebase(time.Now())

	go e.renderLoop(loopCtx, done, e.stream.video)

	e.log.Infof("engine started (%d fps target)", e.config.TargetFPS)
	return e.stream, nil
}

// Pause suspends frame production without releasing anything. No-op unless
// running.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EngineRunning {
		e.state = EnginePaused
		e.log.Infof("engine paused")
	}
}

// Resume continues after Pause. Timing windows are rebased so the pause gap
// does not read as dropped frames.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EnginePaused {
		e.state = EngineRunning
		e.lastCommit = time.Time{}
		e.metrics.rebase(time.Now())
		e.log.Infof("engine resumed")
	}
}

// Stop halts rendering and ends the output tracks. Borrowed input sources
// are left running; they belong to the caller. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state == EngineStopped {
		e.mu.Unlock()
		return
	}
	e.state = EngineStopped
	cancel := e.loopCancel
	done := e.loopDone
	stream := e.stream
	e.loopCancel = nil
	e.loopDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if stream != nil {
		stream.end()
	}
	e.log.Infof("engine stopped")
}

// Dispose stops the engine and releases every internal resource. Safe to call
// multiple times and without a prior Start.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	mixer := e.mixer
	e.mu.Unlock()

	e.Stop()
	e.registry.clear()
	if mixer != nil {
		mixer.Close() //nolint:errcheck
	}
	e.cancel()
	e.log.Infof("engine disposed")
}

// State returns the engine lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Canvas exposes the drawing surface, mainly for tests and previews.
func (e *Engine) Canvas() Canvas {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canvas
}

// PerformanceMetrics returns the current performance snapshot.
func (e *Engine) PerformanceMetrics() PerformanceMetrics {
	return e.metrics.snapshot(float64(e.config.TargetFPS))
}

// SetPerformanceWarningCallback registers a callback invoked when the quality
// controller degrades.
func (e *Engine) SetPerformanceWarningCallback(cb func(PerformanceWarning)) {
	e.mu.Lock()
	e.warnCb = cb
	e.mu.Unlock()
}

// QualityLevel returns the current degradation level. It never moves back up
// for the lifetime of the engine.
func (e *Engine) QualityLevel() QualityLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality.level
}

// VisualEffectsEnabled reports whether rounded corners, borders and shadows
// are still being drawn.
func (e *Engine) VisualEffectsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality.effectsEnabled
}

// AddAudioSource registers a borrowed audio source with the mixer, creating
// the mixing graph on first use.
func (e *Engine) AddAudioSource(id string, src AudioSource, volume float64, muted bool, label string) bool {
	return e.audioMixer().AddSource(id, src, volume, muted, label)
}

// RemoveAudioSource detaches an audio source. Idempotent.
func (e *Engine) RemoveAudioSource(id string) {
	if m := e.currentMixer(); m != nil {
		m.RemoveSource(id)
	}
}

// SetAudioVolume updates a source's stored volume (restored on unmute).
func (e *Engine) SetAudioVolume(id string, volume float64) {
	if m := e.currentMixer(); m != nil {
		m.SetVolume(id, volume)
	}
}

// SetAudioMuted toggles a source's mute state.
func (e *Engine) SetAudioMuted(id string, muted bool) {
	if m := e.currentMixer(); m != nil {
		m.SetMuted(id, muted)
	}
}

// AudioVolume returns a source's stored volume.
func (e *Engine) AudioVolume(id string) (float64, bool) {
	if m := e.currentMixer(); m != nil {
		return m.Volume(id)
	}
	return 0, false
}

// AudioMuted returns a source's mute state.
func (e *Engine) AudioMuted(id string) (bool, bool) {
	if m := e.currentMixer(); m != nil {
		return m.Muted(id)
	}
	return false, false
}

// AudioLevels returns the analysed level of every audio source.
func (e *Engine) AudioLevels() []AudioLevel {
	if m := e.currentMixer(); m != nil {
		return m.Levels()
	}
	return nil
}

// StartAudioLevelMonitoring pushes level snapshots to cb on a repeating
// timer. Starting again replaces the previous timer.
func (e *Engine) StartAudioLevelMonitoring(cb func([]AudioLevel), interval time.Duration) {
	e.audioMixer().StartLevelMonitoring(cb, interval)
}

// StopAudioLevelMonitoring cancels the level timer. Safe when not monitoring.
func (e *Engine) StopAudioLevelMonitoring() {
	if m := e.currentMixer(); m != nil {
		m.StopLevelMonitoring()
	}
}

func (e *Engine) audioMixer() *AudioMixer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mixer == nil {
		e.mixer = NewAudioMixer(e.ctx, DefaultAudioMixerConfig(),
			e.config.LoggerFactory.NewLogger("audio"))
	}
	return e.mixer
}

func (e *Engine) currentMixer() *AudioMixer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mixer
}

// renderLoop is the frame scheduler. It ticks at twice the target rate and
// commits a frame only when the frame budget has elapsed; under-budget ticks
// count as dropped.
func (e *Engine) renderLoop(ctx context.Context, done chan<- struct{}, out *OutputVideoTrack) {
	defer close(done)

	frameBudget := time.Second / time.Duration(e.config.TargetFPS)
	ticker := time.NewTicker(time.Second / schedulerRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.tick(now, frameBudget, out)
		}
	}
}

func (e *Engine) tick(now time.Time, frameBudget time.Duration, out *OutputVideoTrack) {
	e.mu.Lock()
	if e.state != EngineRunning {
		e.mu.Unlock()
		return
	}
	if !e.lastCommit.IsZero() && now.Sub(e.lastCommit) < frameBudget {
		e.mu.Unlock()
		e.metrics.recordDropped()
		if e.config.Exporter != nil {
			e.config.Exporter.observeDropped()
		}
		return
	}

	start := time.Now()
	layout := e.effectiveLayoutLocked(now)
	frame := e.renderLocked(now, layout)
	e.lastCommit = now
	renderTime := time.Since(start)
	e.mu.Unlock()

	e.metrics.recordFrame(renderTime)
	if e.config.Exporter != nil {
		e.config.Exporter.observeRender(renderTime)
	}
	out.push(frame)

	e.rollWindow(now)
}

// effectiveLayoutLocked resolves the layout for this instant, advancing any
// in-flight transition. Caller holds e.mu.
func (e *Engine) effectiveLayoutLocked(now time.Time) Layout {
	t := e.transition
	if t == nil {
		return e.layout
	}
	progress := float64(now.Sub(t.start)) / float64(t.duration)
	if progress >= 1 {
		e.transition = nil
		e.registry.applyRects(e.layout)
		return e.layout
	}
	if progress < 0 {
		progress = 0
	}
	return InterpolateLayout(t.from, e.layout, EaseInOutCubic(progress))
}

// renderLocked draws one composited frame. Caller holds e.mu.
func (e *Engine) renderLocked(now time.Time, layout Layout) *VideoFrame {
	e.canvas.Clear(e.config.Background)

	entries := e.registry.snapshot(now)
	_, hasScreenRect := layout.Rects[RoleScreen]
	_, hasCameraRect := layout.Rects[RoleCamera]

	type drawItem struct {
		entry renderEntry
		rect  Rect
		fit   FitMode
	}
	var direct, rounded []drawItem

	for _, entry := range entries {
		// A source that has never delivered any frame has nothing to draw.
		// One that delivers frames is drawn regardless of its reported
		// readiness: real output beats a degenerate Config.
		if !entry.visible || entry.opacity <= 0 || !entry.hasFrame {
			continue
		}

		rect, ok := layout.Rects[entry.role]
		if !ok {
			if !entry.hasRect {
				continue
			}
			rect = entry.rect
		}

		// Cameras crop to fill their rect. Screens crop too when sharing the
		// canvas, but letterbox when shown alone so content is never cut off.
		fit := FitCover
		if entry.role == RoleScreen && hasScreenRect && !hasCameraRect {
			fit = FitContain
		}

		item := drawItem{entry: entry, rect: rect, fit: fit}
		if e.quality.effectsEnabled && (rect.CornerRadius > 0 || rect.Border != nil || rect.Shadow != nil) {
			rounded = append(rounded, item)
		} else {
			direct = append(direct, item)
		}
	}

	// Plain rects first, decorated rects on top, z order within each batch.
	sort.SliceStable(direct, func(i, j int) bool {
		return direct[i].rect.ZIndex < direct[j].rect.ZIndex
	})
	sort.SliceStable(rounded, func(i, j int) bool {
		return rounded[i].rect.ZIndex < rounded[j].rect.ZIndex
	})

	for _, item := range direct {
		opts := DrawOptions{Opacity: item.entry.opacity}
		if err := e.canvas.DrawFrame(item.entry.frame, item.rect, item.fit, opts); err != nil {
			e.log.Debugf("draw %s: %v", item.entry.role, err)
		}
	}
	for _, item := range rounded {
		if item.rect.Shadow != nil {
			e.canvas.DrawShadow(item.rect, *item.rect.Shadow, item.rect.CornerRadius)
		}
		opts := DrawOptions{Opacity: item.entry.opacity, CornerRadius: item.rect.CornerRadius}
		if err := e.canvas.DrawFrame(item.entry.frame, item.rect, item.fit, opts); err != nil {
			e.log.Debugf("draw %s: %v", item.entry.role, err)
		}
		if item.rect.Border != nil {
			e.canvas.DrawBorder(item.rect, *item.rect.Border, item.rect.CornerRadius)
		}
	}

	frame := e.canvas.Frame().Clone()
	frame.Timestamp = now.UnixNano()
	return frame
}

// rollWindow closes the rolling FPS window when due and feeds the sample to
// the quality controller, applying whatever degradation it orders.
func (e *Engine) rollWindow(now time.Time) {
	var engineBytes uint64
	if c, ok := e.Canvas().(interface{ MemoryBytes() int }); ok {
		engineBytes = uint64(c.MemoryBytes())
	}
	fps, closed := e.metrics.roll(now, engineBytes)
	if !closed {
		return
	}

	e.mu.Lock()
	action := e.quality.observe(fps)
	level := e.quality.level
	cb := e.warnCb

	var warning *PerformanceWarning
	switch action {
	case qualityActionDisableEffects:
		warning = &PerformanceWarning{
			Level:   level,
			FPS:     fps,
			Message: "sustained low frame rate: visual effects disabled",
		}
		e.log.Warnf("fps %.1f below threshold, disabling visual effects", fps)
	case qualityActionReduceResolution:
		scaled := ScaleLayout(e.layout, resolutionScaleStep)
		e.layout = scaled
		e.transition = nil
		e.canvas.Resize(scaled.CanvasWidth, scaled.CanvasHeight)
		e.registry.applyRects(scaled)
		warning = &PerformanceWarning{
			Level:   level,
			FPS:     fps,
			Message: "sustained low frame rate: render resolution reduced",
		}
		e.log.Warnf("fps %.1f below threshold, reducing resolution to %dx%d",
			fps, scaled.CanvasWidth, scaled.CanvasHeight)
	case qualityActionWarnOnly:
		warning = &PerformanceWarning{
			Level:   level,
			FPS:     fps,
			Message: "sustained low frame rate: already at lowest quality",
		}
		e.log.Warnf("fps %.1f below threshold at lowest quality", fps)
	}
	e.mu.Unlock()

	if e.config.Exporter != nil {
		e.config.Exporter.observeWindow(e.metrics.snapshot(float64(e.config.TargetFPS)), level)
	}
	if warning != nil && cb != nil {
		cb(*warning)
	}
}
