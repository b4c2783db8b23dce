package compositor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{CanvasWidth: 320, CanvasHeight: 180})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Dispose)
	return e
}

func TestNewEngineDefaults(t *testing.T) {
	e, err := NewEngine(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Dispose()

	if e.config.CanvasWidth != 1280 || e.config.CanvasHeight != 720 {
		t.Errorf("canvas = %dx%d, want 1280x720", e.config.CanvasWidth, e.config.CanvasHeight)
	}
	if e.config.TargetFPS != 30 {
		t.Errorf("target fps = %d, want 30", e.config.TargetFPS)
	}
	if e.config.TransitionDuration != 500*time.Millisecond {
		t.Errorf("transition = %v, want 500ms", e.config.TransitionDuration)
	}
	if e.State() != EngineStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}
	if e.CurrentLayout().Type != LayoutPictureInPicture {
		t.Errorf("initial layout = %v, want picture-in-picture", e.CurrentLayout().Type)
	}
}

func TestEngineStartIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	s1, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("Start while running must return the existing stream")
	}
	if e.State() != EngineRunning {
		t.Errorf("state = %v, want running", e.State())
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	// Stop before Start is a no-op.
	e.Stop()

	stream, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	e.Stop()
	e.Stop()

	if e.State() != EngineStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}
	if stream.Active() {
		t.Error("output tracks should end on stop")
	}
	if stream.VideoTrack().State() != TrackStateEnded {
		t.Error("video track should be ended")
	}
}

func TestEngineStopLeavesSourcesRunning(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)

	if _, err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e.Stop()

	_, stopped, closed := cam.counts()
	if stopped != 0 || closed != 0 {
		t.Error("stop must not touch borrowed source handles")
	}
}

func TestEngineDispose(t *testing.T) {
	// Dispose without Start is safe.
	e1, _ := NewEngine(Config{CanvasWidth: 320, CanvasHeight: 180})
	e1.Dispose()
	e1.Dispose()

	// Dispose after Start ends everything and blocks restart.
	e2, _ := NewEngine(Config{CanvasWidth: 320, CanvasHeight: 180})
	cam := newFakeVideoSource(320, 180)
	e2.AddVideoSource(RoleCamera, cam, nil)
	if _, err := e2.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	e2.Dispose()

	if cam.callback != nil {
		t.Error("dispose should detach sources")
	}
	if _, err := e2.Start(context.Background()); err != ErrClosed {
		t.Errorf("Start after dispose = %v, want ErrClosed", err)
	}
}

func TestEnginePauseResume(t *testing.T) {
	e := newTestEngine(t)

	// Pause before start is a no-op.
	e.Pause()
	if e.State() != EngineStopped {
		t.Errorf("state = %v, want stopped", e.State())
	}

	stream, _ := e.Start(context.Background())
	e.Pause()
	if e.State() != EnginePaused {
		t.Errorf("state = %v, want paused", e.State())
	}
	if !stream.Active() {
		t.Error("pause must not end the output tracks")
	}

	e.Resume()
	if e.State() != EngineRunning {
		t.Errorf("state = %v, want running", e.State())
	}

	// Start while paused also resumes, returning the same stream.
	e.Pause()
	s2, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s2 != stream || e.State() != EngineRunning {
		t.Error("Start while paused should resume with the existing stream")
	}
}

func TestEngineSetLayoutValid(t *testing.T) {
	e := newTestEngine(t)

	l, _ := LayoutForType(LayoutSideBySide, 320, 180)
	if err := e.SetLayout(l, true); err != nil {
		t.Fatalf("SetLayout: %v", err)
	}
	if e.CurrentLayout().Type != LayoutSideBySide {
		t.Errorf("layout = %v, want side-by-side", e.CurrentLayout().Type)
	}
}

func TestEngineSetLayoutInstant(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)

	want := mustLayout(t, LayoutSideBySide, 320, 180).Rects[RoleCamera]
	if err := e.SetLayout(mustLayout(t, LayoutSideBySide, 320, 180), false); err != nil {
		t.Fatal(err)
	}

	if e.IsTransitioning() {
		t.Error("instant switch must not animate")
	}
	got := e.CurrentLayout().Rects[RoleCamera]
	if got.X != want.X || got.Width != want.Width {
		t.Errorf("camera rect = %+v, want target %+v immediately", got, want)
	}

	// The registry adopts the new rects right away too.
	entries := e.registry.snapshot(time.Now())
	if len(entries) != 1 || entries[0].rect.Width != want.Width {
		t.Errorf("registry rect = %+v, want %+v", entries[0].rect, want)
	}
}

func TestEngineSetLayoutClampsOutOfBounds(t *testing.T) {
	e := newTestEngine(t)

	l := Layout{
		Type:        "custom",
		CanvasWidth: 320, CanvasHeight: 180,
		Rects: map[SourceRole]Rect{
			RoleCamera: {X: 300, Y: 160, Width: 100, Height: 100},
		},
	}
	if err := e.SetLayout(l, false); err != nil {
		t.Fatalf("clampable layout should not error: %v", err)
	}

	got := e.CurrentLayout().Rects[RoleCamera]
	if got.X+got.Width > 320 || got.Y+got.Height > 180 {
		t.Errorf("rect not clamped: %+v", got)
	}
}

func TestEngineSetLayoutFallsBack(t *testing.T) {
	e := newTestEngine(t)
	e.AddVideoSource(RoleScreen, newFakeVideoSource(1920, 1080), nil)

	// No roles at all: unsalvageable, engine falls back but reports it.
	err := e.SetLayout(Layout{CanvasWidth: 320, CanvasHeight: 180, Rects: map[SourceRole]Rect{}}, false)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if e.CurrentLayout().Type != LayoutScreenOnly {
		t.Errorf("fallback = %v, want screen-only (only screen registered)", e.CurrentLayout().Type)
	}
}

func TestEngineApplyLayoutByType(t *testing.T) {
	e := newTestEngine(t)

	if err := e.ApplyLayoutByType(LayoutPresentation, false); err != nil {
		t.Fatal(err)
	}
	if e.CurrentLayout().Type != LayoutPresentation {
		t.Errorf("layout = %v, want presentation", e.CurrentLayout().Type)
	}

	if err := e.ApplyLayoutByType("bogus", false); err == nil {
		t.Error("expected error for unknown type")
	}
	if e.CurrentLayout().Type != LayoutPresentation {
		t.Error("failed apply must not change the layout")
	}
}

func TestEngineCurrentLayoutReturnsCopy(t *testing.T) {
	e := newTestEngine(t)

	l := e.CurrentLayout()
	l.Rects[RoleCamera] = Rect{X: 1, Y: 1, Width: 1, Height: 1}

	if got := e.CurrentLayout().Rects[RoleCamera]; got.Width == 1 {
		t.Error("CurrentLayout must return an isolated copy")
	}
}

func TestEngineTransitionResolves(t *testing.T) {
	e := newTestEngine(t)

	from, _ := LayoutForType(LayoutScreenOnly, 320, 180)
	to, _ := LayoutForType(LayoutCameraOnly, 320, 180)
	if err := e.SetLayout(from, false); err != nil {
		t.Fatal(err)
	}
	if err := e.SetLayout(to, true); err != nil {
		t.Fatal(err)
	}

	now := time.Now()

	// Mid-transition: interpolated, camera growing in.
	e.mu.Lock()
	e.transition.start = now.Add(-250 * time.Millisecond)
	mid := e.effectiveLayoutLocked(now)
	e.mu.Unlock()
	cam, ok := mid.Rects[RoleCamera]
	if !ok {
		t.Fatal("camera missing mid-transition")
	}
	if cam.Width >= 320 {
		t.Errorf("camera width = %v, want still growing toward 320", cam.Width)
	}

	// Past the duration: transition clears and the target is exact.
	e.mu.Lock()
	e.transition.start = now.Add(-time.Second)
	final := e.effectiveLayoutLocked(now)
	cleared := e.transition == nil
	e.mu.Unlock()
	if !cleared {
		t.Error("transition should clear once complete")
	}
	if final.Rects[RoleCamera].Width != 320 {
		t.Errorf("final camera width = %v, want 320", final.Rects[RoleCamera].Width)
	}
}

func TestEngineCurrentLayoutTracksTransition(t *testing.T) {
	e := newTestEngine(t)

	if err := e.SetLayout(mustLayout(t, LayoutPictureInPicture, 320, 180), false); err != nil {
		t.Fatal(err)
	}
	pip := e.CurrentLayout().Rects[RoleCamera]

	if err := e.SetLayout(mustLayout(t, LayoutCameraOnly, 320, 180), true); err != nil {
		t.Fatal(err)
	}
	if !e.IsTransitioning() {
		t.Fatal("transition should be in flight")
	}

	// Right after the switch the reported rect is still near the old one,
	// not the full-canvas target.
	got := e.CurrentLayout().Rects[RoleCamera]
	if got.Width >= 320 {
		t.Errorf("camera width = %v just after switch, want near %v", got.Width, pip.Width)
	}

	// Midway the rect sits strictly between the endpoints.
	e.mu.Lock()
	e.transition.start = time.Now().Add(-e.config.TransitionDuration / 2)
	e.mu.Unlock()
	got = e.CurrentLayout().Rects[RoleCamera]
	if got.Width <= pip.Width || got.Width >= 320 {
		t.Errorf("camera width = %v mid-transition, want between %v and 320", got.Width, pip.Width)
	}

	// Past the duration the transition resolves from the accessors alone;
	// the engine was never started, so no render tick could clear it.
	e.mu.Lock()
	e.transition.start = time.Now().Add(-2 * e.config.TransitionDuration)
	e.mu.Unlock()
	if e.IsTransitioning() {
		t.Error("transition should clear once its duration has elapsed")
	}
	if got := e.CurrentLayout().Rects[RoleCamera]; got.Width != 320 {
		t.Errorf("final camera width = %v, want exact target 320", got.Width)
	}
}

func TestEngineRenderCameraOnly(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)
	if err := e.SetLayout(mustLayout(t, LayoutCameraOnly, 320, 180), false); err != nil {
		t.Fatal(err)
	}

	cam.emit(solidFrame(320, 180, ColorWhite))

	e.mu.Lock()
	frame := e.renderLocked(time.Now(), e.layout)
	e.mu.Unlock()

	if frame.Width != 320 || frame.Height != 180 {
		t.Fatalf("frame = %dx%d, want 320x180", frame.Width, frame.Height)
	}
	if frame.Data[0][90*320+160] != ColorWhite.Y {
		t.Error("canvas center should carry the camera pixel")
	}
}

func TestEngineRenderSkipsHidden(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)
	if err := e.SetLayout(mustLayout(t, LayoutCameraOnly, 320, 180), false); err != nil {
		t.Fatal(err)
	}
	cam.emit(solidFrame(320, 180, ColorWhite))

	visible := false
	e.UpdateVideoSource(RoleCamera, SourcePatch{Visible: &visible})

	e.mu.Lock()
	frame := e.renderLocked(time.Now(), e.layout)
	e.mu.Unlock()
	if frame.Data[0][90*320+160] != ColorBlack.Y {
		t.Error("hidden source must not be drawn")
	}
}

func TestEngineRenderDrawsFrameProducingSource(t *testing.T) {
	e := newTestEngine(t)
	// Reports 0x0 dimensions forever but delivers real frames.
	cam := newFakeVideoSource(0, 0)
	e.AddVideoSource(RoleCamera, cam, nil)
	if err := e.SetLayout(mustLayout(t, LayoutCameraOnly, 320, 180), false); err != nil {
		t.Fatal(err)
	}
	cam.emit(solidFrame(320, 180, ColorWhite))

	// Age the attachment past the camera grace period.
	e.registry.mu.Lock()
	e.registry.sources[RoleCamera].attachedAt = time.Now().Add(-2 * cameraReadyTimeout)
	e.registry.mu.Unlock()

	if got := e.SourceReadiness(RoleCamera); got == ReadinessFailed {
		t.Errorf("readiness = %v, delivered frames must keep the source usable", got)
	}

	e.mu.Lock()
	frame := e.renderLocked(time.Now(), e.layout)
	e.mu.Unlock()
	if frame.Data[0][90*320+160] != ColorWhite.Y {
		t.Error("frame-producing source must be drawn regardless of reported dimensions")
	}
}

func TestEngineOutputFrames(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)
	if err := e.SetLayout(mustLayout(t, LayoutCameraOnly, 320, 180), false); err != nil {
		t.Fatal(err)
	}

	stream, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stream.VideoTrack() == nil {
		t.Fatal("stream must carry a video track")
	}

	// Keep feeding frames while the loop runs.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cam.emit(solidFrame(320, 180, ColorWhite))
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frame, err := stream.VideoTrack().ReadFrame(ctx)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("no composited frame arrived: %v", err)
	}
	if frame.Width != 320 || frame.Height != 180 {
		t.Errorf("frame = %dx%d, want 320x180", frame.Width, frame.Height)
	}
}

func TestEngineQualityDegradationPath(t *testing.T) {
	e := newTestEngine(t)

	var warnings []PerformanceWarning
	var mu sync.Mutex
	e.SetPerformanceWarningCallback(func(w PerformanceWarning) {
		mu.Lock()
		warnings = append(warnings, w)
		mu.Unlock()
	})

	// Simulate two consecutive empty one-second windows: fps 0.
	e.mu.Lock()
	e.state = EngineRunning
	e.mu.Unlock()
	e.metrics.rebase(time.Now().Add(-2 * time.Second))
	e.rollWindow(time.Now().Add(-time.Second))
	e.rollWindow(time.Now())

	if e.QualityLevel() != QualityMedium {
		t.Fatalf("level = %v, want medium after two bad windows", e.QualityLevel())
	}
	if e.VisualEffectsEnabled() {
		t.Error("effects should be disabled at medium")
	}
	cw, ch := e.Canvas().Size()
	if cw != 320 || ch != 180 {
		t.Errorf("canvas = %dx%d, effects step must not change resolution", cw, ch)
	}

	// Two more bad windows: resolution drops by the scale step.
	e.metrics.rebase(time.Now().Add(-2 * time.Second))
	e.rollWindow(time.Now().Add(-time.Second))
	e.rollWindow(time.Now())

	if e.QualityLevel() != QualityLow {
		t.Fatalf("level = %v, want low", e.QualityLevel())
	}
	cw, ch = e.Canvas().Size()
	if cw != 240 || ch != 136 {
		t.Errorf("canvas = %dx%d, want 240x136 (scaled by 0.75, even)", cw, ch)
	}
	if res := ValidateLayout(e.CurrentLayout()); !res.IsValid {
		t.Errorf("scaled layout invalid: %v", res.Errors)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) != 2 {
		t.Fatalf("warnings = %d, want 2", len(warnings))
	}
	if warnings[0].Level != QualityMedium || warnings[1].Level != QualityLow {
		t.Errorf("warning levels = %v/%v, want medium then low", warnings[0].Level, warnings[1].Level)
	}
}

func TestEngineAudioDelegation(t *testing.T) {
	e := newTestEngine(t)

	// Queries before any audio source exist are safe no-ops.
	e.RemoveAudioSource("mic")
	e.SetAudioVolume("mic", 0.5)
	if _, ok := e.AudioVolume("mic"); ok {
		t.Error("no mixer yet, volume lookup should miss")
	}
	if levels := e.AudioLevels(); levels != nil {
		t.Errorf("levels = %v, want nil without mixer", levels)
	}

	src := newFakeAudioSource()
	if !e.AddAudioSource("mic", src, 0.7, false, "Mic") {
		t.Fatal("add audio source")
	}
	if vol, ok := e.AudioVolume("mic"); !ok || vol != 0.7 {
		t.Errorf("volume = %v/%v, want 0.7/true", vol, ok)
	}

	e.SetAudioMuted("mic", true)
	if muted, _ := e.AudioMuted("mic"); !muted {
		t.Error("mute did not apply")
	}

	// Audio sources registered before Start give the stream an audio track.
	stream, err := e.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stream.AudioTrack() == nil {
		t.Error("stream should carry the mixed audio track")
	}
}

func TestEngineAddVideoSourceAdoptsLayoutRect(t *testing.T) {
	e := newTestEngine(t)
	cam := newFakeVideoSource(320, 180)
	e.AddVideoSource(RoleCamera, cam, nil)

	want := e.CurrentLayout().Rects[RoleCamera]
	entries := e.registry.snapshot(time.Now())
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !entries[0].hasRect || entries[0].rect.X != want.X {
		t.Errorf("rect = %+v, want layout rect %+v", entries[0].rect, want)
	}
}

func mustLayout(t *testing.T, lt LayoutType, w, h int) Layout {
	t.Helper()
	l, err := LayoutForType(lt, w, h)
	if err != nil {
		t.Fatal(err)
	}
	return l
}
