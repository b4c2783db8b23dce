package compositor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Re-export pion's RTPCodecType so track kinds interoperate with pion APIs.
type RTPCodecType = webrtc.RTPCodecType

const (
	RTPCodecTypeAudio = webrtc.RTPCodecTypeAudio
	RTPCodecTypeVideo = webrtc.RTPCodecTypeVideo
)

// TrackState represents the state of an output track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // producing media
	TrackStateEnded                   // ended by Stop/Dispose
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// OutputVideoTrack is the synthetic video track produced by capturing the
// canvas at the engine's target frame rate. Unlike the borrowed inputs it is
// owned by the engine and ends when the engine stops.
type OutputVideoTrack struct {
	id    string
	label string

	state   atomic.Int32
	mu      sync.RWMutex
	onFrame VideoFrameCallback
	frameCh chan *VideoFrame
	closed  bool
}

func newOutputVideoTrack(label string) *OutputVideoTrack {
	t := &OutputVideoTrack{
		id:      uuid.NewString(),
		label:   label,
		frameCh: make(chan *VideoFrame, 3),
	}
	t.state.Store(int32(TrackStateLive))
	return t
}

func (t *OutputVideoTrack) ID() string         { return t.id }
func (t *OutputVideoTrack) Label() string      { return t.label }
func (t *OutputVideoTrack) Kind() RTPCodecType { return RTPCodecTypeVideo }
func (t *OutputVideoTrack) State() TrackState  { return TrackState(t.state.Load()) }

// OnFrame sets a push-mode callback for composited frames.
func (t *OutputVideoTrack) OnFrame(cb VideoFrameCallback) {
	t.mu.Lock()
	t.onFrame = cb
	t.mu.Unlock()
}

// ReadFrame reads the next composited frame (blocking).
func (t *OutputVideoTrack) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-t.frameCh:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	}
}

func (t *OutputVideoTrack) push(frame *VideoFrame) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	cb := t.onFrame
	if cb == nil {
		select {
		case t.frameCh <- frame:
		default:
			// Drop if the consumer is behind.
		}
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	cb(frame)
}

func (t *OutputVideoTrack) end() {
	if t.state.Swap(int32(TrackStateEnded)) == int32(TrackStateEnded) {
		return
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.frameCh)
	}
	t.mu.Unlock()
}

// Close ends the track. Idempotent.
func (t *OutputVideoTrack) Close() error {
	t.end()
	return nil
}

// OutputAudioTrack wraps the mixer's mixed output as an engine-owned track.
type OutputAudioTrack struct {
	id    string
	label string
	src   AudioSource
	state atomic.Int32
}

func newOutputAudioTrack(label string, src AudioSource) *OutputAudioTrack {
	t := &OutputAudioTrack{
		id:    uuid.NewString(),
		label: label,
		src:   src,
	}
	t.state.Store(int32(TrackStateLive))
	return t
}

func (t *OutputAudioTrack) ID() string         { return t.id }
func (t *OutputAudioTrack) Label() string      { return t.label }
func (t *OutputAudioTrack) Kind() RTPCodecType { return RTPCodecTypeAudio }
func (t *OutputAudioTrack) State() TrackState  { return TrackState(t.state.Load()) }

// ReadSamples reads the next mixed audio chunk (blocking).
func (t *OutputAudioTrack) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	return t.src.ReadSamples(ctx)
}

// OnSamples sets a push-mode callback for mixed audio.
func (t *OutputAudioTrack) OnSamples(cb AudioSamplesCallback) {
	t.src.SetCallback(cb)
}

func (t *OutputAudioTrack) SampleRate() int { return t.src.SampleRate() }
func (t *OutputAudioTrack) Channels() int   { return t.src.Channels() }

func (t *OutputAudioTrack) end() {
	t.state.Store(int32(TrackStateEnded))
}

// Close ends the track. The underlying mixed source belongs to the mixer and
// is released by the engine, not here.
func (t *OutputAudioTrack) Close() error {
	t.end()
	return nil
}

// OutputStream is the single output handle returned by Engine.Start: one
// composited video track plus, when audio sources exist, one mixed audio
// track.
type OutputStream struct {
	id    string
	video *OutputVideoTrack
	audio *OutputAudioTrack
}

func newOutputStream(video *OutputVideoTrack, audio *OutputAudioTrack) *OutputStream {
	return &OutputStream{
		id:    uuid.NewString(),
		video: video,
		audio: audio,
	}
}

// ID returns the stream identifier.
func (s *OutputStream) ID() string { return s.id }

// VideoTrack returns the composited video track.
func (s *OutputStream) VideoTrack() *OutputVideoTrack { return s.video }

// AudioTrack returns the mixed audio track, or nil when the engine was
// started without audio sources.
func (s *OutputStream) AudioTrack() *OutputAudioTrack { return s.audio }

// Active reports whether any track is still live.
func (s *OutputStream) Active() bool {
	if s.video != nil && s.video.State() == TrackStateLive {
		return true
	}
	if s.audio != nil && s.audio.State() == TrackStateLive {
		return true
	}
	return false
}

func (s *OutputStream) end() {
	if s.video != nil {
		s.video.end()
	}
	if s.audio != nil {
		s.audio.end()
	}
}

// LocalTrack implements pion's webrtc.TrackLocal so the composited output
// can be added to a PeerConnection. The caller encodes composited frames
// with its own encoder and writes the resulting RTP packets here.
type LocalTrack struct {
	id       string
	streamID string
	codec    webrtc.RTPCodecCapability

	bindMu   sync.RWMutex
	bindings []webrtc.TrackLocalContext
}

// NewLocalTrack creates a TrackLocal for the given codec capability.
func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) *LocalTrack {
	return &LocalTrack{
		id:       id,
		streamID: streamID,
		codec:    codec,
	}
}

// ID implements webrtc.TrackLocal.
func (t *LocalTrack) ID() string { return t.id }

// StreamID implements webrtc.TrackLocal.
func (t *LocalTrack) StreamID() string { return t.streamID }

// RID implements webrtc.TrackLocal.
func (t *LocalTrack) RID() string { return "" }

// Kind implements webrtc.TrackLocal.
func (t *LocalTrack) Kind() RTPCodecType {
	if len(t.codec.MimeType) >= 5 && t.codec.MimeType[:5] == "audio" {
		return RTPCodecTypeAudio
	}
	return RTPCodecTypeVideo
}

// Codec returns the codec capability.
func (t *LocalTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

// Bind implements webrtc.TrackLocal.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	t.bindings = append(t.bindings, ctx)

	for _, p := range ctx.CodecParameters() {
		if p.MimeType == t.codec.MimeType {
			return p, nil
		}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: t.codec}, nil
}

// Unbind implements webrtc.TrackLocal.
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.ID() == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// WriteRTP writes an RTP packet to all bound contexts.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()

	for _, b := range t.bindings {
		if _, err := b.WriteStream().WriteRTP(&p.Header, p.Payload); err != nil {
			return err
		}
	}
	return nil
}

var _ webrtc.TrackLocal = (*LocalTrack)(nil)
