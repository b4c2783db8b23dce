// Package compositor implements a real-time video/audio compositing engine.
//
// The engine takes up to two live video sources (a camera feed and a screen
// feed), renders them into a single output frame according to a declarative
// layout (picture-in-picture, side-by-side, presentation, single-source),
// and mixes their audio tracks into one output track. Render performance is
// sampled every frame and visual quality degrades automatically to keep the
// frame rate stable.
//
// Key pieces include:
//   - Engine: the render loop, layout transitions, and public control API
//   - Layout catalog and geometry utilities (validation, clamping, lerp)
//   - Canvas: injected drawing capability with a pure-Go I420 implementation
//   - AudioMixer: per-source gain and level analysis into one mixed output
//   - Metrics: FPS, dropped frames, render time, health score, Prometheus export
//   - Test pattern sources for development and testing
//
// # Architecture
//
//	VideoSource (camera) ─┐
//	                      ├─> Engine render loop ─> Canvas ─> OutputStream (VideoTrack)
//	VideoSource (screen) ─┘                                   └> webrtc.TrackLocal bridge
//	AudioSource(s) ─> AudioMixer ─> mixed AudioTrack ─────────┘
//
// Source and audio handles are borrowed, never owned: the engine only ends
// the synthetic output tracks it created, and Dispose never stops a track
// supplied by the caller.
package compositor
