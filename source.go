package compositor

import (
	"context"
	"errors"
	"io"
)

// ErrNotSupported is returned when an optional operation is not supported.
var ErrNotSupported = errors.New("operation not supported")

// ErrClosed is returned when reading from a closed source or stream.
var ErrClosed = errors.New("closed")

// SourceRole identifies which of the two compositing slots a video source
// occupies. The engine composites at most one source per role.
type SourceRole string

const (
	RoleCamera SourceRole = "camera"
	RoleScreen SourceRole = "screen"
)

// Valid reports whether the role is one of the two known roles.
func (r SourceRole) Valid() bool {
	return r == RoleCamera || r == RoleScreen
}

// Readiness describes how far along a source is in producing usable frames.
// Native dimensions can change after attach (screen sources in particular
// report degenerate sizes right after creation), so readiness is re-evaluated
// continuously rather than latched once.
type Readiness int

const (
	ReadinessPending Readiness = iota // attached, no dimensions observed yet
	ReadinessPartial                  // producing frames, dimensions still degenerate
	ReadinessReady                    // positive native dimensions observed
	ReadinessFailed                   // grace period elapsed without usable output
)

func (r Readiness) String() string {
	switch r {
	case ReadinessPending:
		return "pending"
	case ReadinessPartial:
		return "partially-ready"
	case ReadinessReady:
		return "ready"
	case ReadinessFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SourceConfig describes a video source's capabilities and configuration.
type SourceConfig struct {
	Width  int         // Native frame width in pixels (0 = unknown yet)
	Height int         // Native frame height in pixels (0 = unknown yet)
	FPS    int         // Frames per second
	Format PixelFormat // Pixel format
	Active bool        // Whether the source currently carries a live track
}

// VideoFrameCallback is called when a frame is available (push mode).
type VideoFrameCallback func(frame *VideoFrame)

// VideoSource produces raw video frames. Implementations are borrowed by the
// engine: the engine starts and reads them but never closes a source it did
// not create.
type VideoSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation.
	Stop() error

	// ReadFrame reads the next frame (blocking).
	// The returned frame is valid until the next ReadFrame call or Close.
	ReadFrame(ctx context.Context) (*VideoFrame, error)

	// SetCallback sets push-mode callback for frame delivery.
	SetCallback(cb VideoFrameCallback)

	// Config returns the source configuration. Width/Height may be zero
	// until the source has negotiated its native dimensions.
	Config() SourceConfig
}

// AudioSamplesCallback is called when audio samples are available (push mode).
type AudioSamplesCallback func(samples *AudioSamples)

// AudioSource produces raw audio samples. Like VideoSource, audio handles
// are borrowed, never owned.
type AudioSource interface {
	io.Closer

	// Start begins capture/generation.
	Start(ctx context.Context) error

	// Stop halts capture/generation.
	Stop() error

	// ReadSamples reads the next audio samples (blocking).
	ReadSamples(ctx context.Context) (*AudioSamples, error)

	// SetCallback sets push-mode callback for sample delivery.
	SetCallback(cb AudioSamplesCallback)

	// SampleRate returns the audio sample rate.
	SampleRate() int

	// Channels returns the number of audio channels.
	Channels() int
}
