package compositor

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
)

const (
	// Readiness grace periods. Screen sources get a longer window because
	// their native dimensions can report as degenerate for a while after
	// creation and must be tolerated rather than rejected.
	cameraReadyTimeout = 3 * time.Second
	screenReadyTimeout = 10 * time.Second

	// Dimensions at or below this are considered degenerate.
	degenerateDim = 16
)

// SourcePatch is a partial update applied to a registered source. Nil fields
// are left unchanged.
type SourcePatch struct {
	Rect    *Rect
	Visible *bool
	Opacity *float64
}

// managedSource is one registry slot: a borrowed video handle plus its
// per-source compositing state.
type managedSource struct {
	role    SourceRole
	src     VideoSource
	rect    Rect
	hasRect bool
	visible bool
	opacity float64

	attachedAt time.Time
	failed     bool

	frameMu   sync.Mutex
	lastFrame *VideoFrame
	hasFrame  bool
}

func (m *managedSource) onFrame(frame *VideoFrame) {
	m.frameMu.Lock()
	m.lastFrame = frame
	m.hasFrame = true
	m.frameMu.Unlock()
}

// latestFrame returns the most recent frame, if any was ever produced.
func (m *managedSource) latestFrame() (*VideoFrame, bool) {
	m.frameMu.Lock()
	defer m.frameMu.Unlock()
	return m.lastFrame, m.hasFrame
}

// readiness re-evaluates the source state. It is a continuous predicate:
// native dimensions can change after attach, so the render loop calls this
// every tick.
func (m *managedSource) readiness(now time.Time) Readiness {
	cfg := m.src.Config()
	if cfg.Width > degenerateDim && cfg.Height > degenerateDim {
		m.failed = false
		return ReadinessReady
	}

	// Some handles keep reporting degenerate dimensions while delivering
	// real frames. What the source produces wins over what it reports, so a
	// frame-producing source stays usable past the grace period.
	m.frameMu.Lock()
	frame := m.lastFrame
	m.frameMu.Unlock()
	if frame != nil {
		m.failed = false
		if frame.Width > degenerateDim && frame.Height > degenerateDim {
			return ReadinessReady
		}
		return ReadinessPartial
	}

	timeout := cameraReadyTimeout
	if m.role == RoleScreen {
		timeout = screenReadyTimeout
	}
	if m.failed || now.Sub(m.attachedAt) > timeout {
		m.failed = true
		return ReadinessFailed
	}
	return ReadinessPending
}

// sourceRegistry owns the zero-to-two live video sources. Handles are
// borrowed: the registry subscribes, starts playback, and detaches, but
// never stops or closes a source the caller supplied.
type sourceRegistry struct {
	mu      sync.Mutex
	sources map[SourceRole]*managedSource
	ctx     context.Context
	log     logging.LeveledLogger
}

func newSourceRegistry(ctx context.Context, log logging.LeveledLogger) *sourceRegistry {
	return &sourceRegistry{
		sources: make(map[SourceRole]*managedSource),
		ctx:     ctx,
		log:     log,
	}
}

// Add registers a source under a role. An inactive or nil handle is logged
// and ignored. Re-adding the same handle merges configuration; a different
// handle tears down the old attachment first.
func (r *sourceRegistry) Add(role SourceRole, src VideoSource, rect *Rect) {
	if !role.Valid() {
		r.log.Warnf("add source: unknown role %q", role)
		return
	}
	if src == nil {
		r.log.Warnf("add source %s: nil handle", role)
		return
	}
	if !src.Config().Active {
		r.log.Warnf("add source %s: handle has no active video track", role)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sources[role]; ok {
		if existing.src == src {
			// Same handle: merge configuration instead of re-attaching.
			if rect != nil {
				existing.rect = *rect
				existing.hasRect = true
			}
			return
		}
		// Different handle: detach the old one without stopping its tracks.
		existing.src.SetCallback(nil)
		delete(r.sources, role)
		r.log.Debugf("source %s: replaced handle", role)
	}

	m := &managedSource{
		role:       role,
		src:        src,
		visible:    true,
		opacity:    1.0,
		attachedAt: time.Now(),
	}
	if rect != nil {
		m.rect = *rect
		m.hasRect = true
	}
	src.SetCallback(m.onFrame)

	// Auto-play. Failure is non-fatal: readiness polling will time out.
	if err := src.Start(r.ctx); err != nil {
		r.log.Debugf("source %s: start: %v", role, err)
	}

	r.sources[role] = m
	r.log.Infof("source %s attached", role)
}

// Remove detaches a source and clears references. Idempotent on unknown
// roles. The underlying handle keeps running; it belongs to the caller.
func (r *sourceRegistry) Remove(role SourceRole) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sources[role]
	if !ok {
		return
	}
	m.src.SetCallback(nil)
	m.frameMu.Lock()
	m.lastFrame = nil
	m.frameMu.Unlock()
	delete(r.sources, role)
	r.log.Infof("source %s detached", role)
}

// Update shallow-merges rect/visibility/opacity. No-op on unknown roles.
func (r *sourceRegistry) Update(role SourceRole, patch SourcePatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.sources[role]
	if !ok {
		return
	}
	if patch.Rect != nil {
		m.rect = *patch.Rect
		m.hasRect = true
	}
	if patch.Visible != nil {
		m.visible = *patch.Visible
	}
	if patch.Opacity != nil {
		op := *patch.Opacity
		if op < 0 {
			op = 0
		}
		if op > 1 {
			op = 1
		}
		m.opacity = op
	}
}

// Has reports whether a role is occupied.
func (r *sourceRegistry) Has(role SourceRole) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sources[role]
	return ok
}

// Readiness reports the current readiness of a role's source.
func (r *sourceRegistry) Readiness(role SourceRole) Readiness {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sources[role]
	if !ok {
		return ReadinessFailed
	}
	return m.readiness(time.Now())
}

// renderEntry is a per-tick view of one source for the draw pass.
type renderEntry struct {
	role     SourceRole
	rect     Rect
	hasRect  bool
	visible  bool
	opacity  float64
	frame    *VideoFrame
	hasFrame bool
}

// snapshot captures the draw state of all registered sources.
func (r *sourceRegistry) snapshot(now time.Time) []renderEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]renderEntry, 0, len(r.sources))
	for _, m := range r.sources {
		// Advance the readiness predicate every tick: failures latch and
		// recoveries clear here even when nobody queries Readiness.
		m.readiness(now)

		frame, hasFrame := m.latestFrame()
		out = append(out, renderEntry{
			role:     m.role,
			rect:     m.rect,
			hasRect:  m.hasRect,
			visible:  m.visible,
			opacity:  m.opacity,
			frame:    frame,
			hasFrame: hasFrame,
		})
	}
	return out
}

// applyRects overwrites the stored rect for each role present in the layout.
func (r *sourceRegistry) applyRects(l Layout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, rect := range l.Rects {
		if m, ok := r.sources[role]; ok {
			m.rect = rect
			m.hasRect = true
		}
	}
}

// clear detaches everything. Used by Dispose.
func (r *sourceRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for role, m := range r.sources {
		m.src.SetCallback(nil)
		delete(r.sources, role)
	}
}
