package compositor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType defines the type of synthetic video pattern to generate.
type PatternType int

const (
	PatternColorBars  PatternType = iota // SMPTE color bars
	PatternGradient                      // Horizontal gradient
	PatternSolidColor                    // Solid color
	PatternMovingBox                     // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternSolidColor:
		return "SolidColor"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: ColorBars)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// ReadyDelay makes the source report zero dimensions until the delay has
	// elapsed after Start, mimicking capture sources that negotiate their
	// native size asynchronously.
	ReadyDelay time.Duration
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:   1280,
		Height:  720,
		FPS:     30,
		Pattern: PatternColorBars,
	}
}

// TestPatternSource generates synthetic video frames with test patterns.
// It implements VideoSource and stands in for camera and screen capture in
// tests and examples.
type TestPatternSource struct {
	config TestPatternConfig

	// Pre-allocated I420 frame buffer
	yPlane []byte
	uPlane []byte
	vPlane []byte

	frameDuration time.Duration
	frameCount    uint64
	startTime     time.Time
	readyAt       atomic.Int64 // unix nanos; 0 = not started with a delay

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	frameCh  chan *VideoFrame
	doneCh   chan struct{}
	callback VideoFrameCallback

	mu sync.RWMutex
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}

	ySize := config.Width * config.Height
	uvSize := (config.Width / 2) * (config.Height / 2)
	frameData := make([]byte, ySize+uvSize*2)

	s := &TestPatternSource{
		config:        config,
		yPlane:        frameData[:ySize],
		uPlane:        frameData[ySize : ySize+uvSize],
		vPlane:        frameData[ySize+uvSize:],
		frameDuration: time.Second / time.Duration(config.FPS),
		frameCh:       make(chan *VideoFrame, 2),
	}
	s.generatePattern(0)
	return s
}

// Start begins generating frames.
func (s *TestPatternSource) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	s.startTime = time.Now()
	s.frameCount = 0
	if s.config.ReadyDelay > 0 {
		s.readyAt.Store(s.startTime.Add(s.config.ReadyDelay).UnixNano())
	}

	go s.generateLoop()
	return nil
}

// Stop stops generating frames and waits for the goroutine to exit.
func (s *TestPatternSource) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
	return nil
}

// Close closes the source.
func (s *TestPatternSource) Close() error {
	s.Stop() //nolint:errcheck
	s.mu.Lock()
	if s.frameCh != nil {
		close(s.frameCh)
		s.frameCh = nil
	}
	s.mu.Unlock()
	return nil
}

// ReadFrame reads the next frame (blocking).
func (s *TestPatternSource) ReadFrame(ctx context.Context) (*VideoFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-s.frameCh:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	}
}

// SetCallback sets the push-mode callback.
func (s *TestPatternSource) SetCallback(cb VideoFrameCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Config returns the source configuration. Dimensions read as zero until the
// configured ready delay has elapsed.
func (s *TestPatternSource) Config() SourceConfig {
	w, h := s.config.Width, s.config.Height
	if readyAt := s.readyAt.Load(); s.config.ReadyDelay > 0 {
		if readyAt == 0 || time.Now().UnixNano() < readyAt {
			w, h = 0, 0
		}
	}
	return SourceConfig{
		Width:  w,
		Height: h,
		FPS:    s.config.FPS,
		Format: PixelFormatI420,
		Active: true,
	}
}

func (s *TestPatternSource) generateLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.frameCount++

			if s.config.Pattern == PatternMovingBox {
				s.generatePattern(s.frameCount)
			}

			frame := &VideoFrame{
				Data: [][]byte{s.yPlane, s.uPlane, s.vPlane},
				Stride: []int{
					s.config.Width,
					s.config.Width / 2,
					s.config.Width / 2,
				},
				Width:     s.config.Width,
				Height:    s.config.Height,
				Format:    PixelFormatI420,
				Timestamp: time.Since(s.startTime).Nanoseconds(),
				Duration:  s.frameDuration.Nanoseconds(),
			}

			s.mu.RLock()
			cb := s.callback
			s.mu.RUnlock()

			if cb != nil {
				cb(frame)
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			case s.frameCh <- frame:
			default:
				// Drop frame if channel full
			}
		}
	}
}

func (s *TestPatternSource) generatePattern(frameNum uint64) {
	switch s.config.Pattern {
	case PatternGradient:
		s.generateGradient()
	case PatternSolidColor:
		s.generateSolidColor(s.config.SolidR, s.config.SolidG, s.config.SolidB)
	case PatternMovingBox:
		s.generateMovingBox(frameNum)
	default:
		s.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (s *TestPatternSource) generateColorBars() {
	w, h := s.config.Width, s.config.Height
	barWidth := w / 8

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := x / barWidth
			if barIdx >= 8 {
				barIdx = 7
			}

			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			s.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				s.uPlane[uvIdx] = u
				s.vPlane[uvIdx] = v
			}
		}
	}
}

func (s *TestPatternSource) generateGradient() {
	w, h := s.config.Width, s.config.Height

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s.yPlane[y*w+x] = uint8((x * 255) / w)
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				s.uPlane[uvIdx] = 128
				s.vPlane[uvIdx] = 128
			}
		}
	}
}

func (s *TestPatternSource) generateSolidColor(r, g, b uint8) {
	yVal, u, v := rgbToYUV(r, g, b)

	for i := range s.yPlane {
		s.yPlane[i] = yVal
	}
	for i := range s.uPlane {
		s.uPlane[i] = u
		s.vPlane[i] = v
	}
}

func (s *TestPatternSource) generateMovingBox(frameNum uint64) {
	w, h := s.config.Width, s.config.Height

	for i := range s.yPlane {
		s.yPlane[i] = 16
	}
	for i := range s.uPlane {
		s.uPlane[i] = 128
		s.vPlane[i] = 128
	}

	// Box moves in a circle around the frame center.
	boxSize := 100
	radius := float64(minInt(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := boxY; y < boxY+boxSize && y < h; y++ {
		if y < 0 {
			continue
		}
		for x := boxX; x < boxX+boxSize && x < w; x++ {
			if x < 0 {
				continue
			}
			s.yPlane[y*w+x] = 235
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ToneType defines the type of synthetic audio signal.
type ToneType int

const (
	ToneSine    ToneType = iota // Pure sine wave
	ToneSilence                 // Digital silence
)

// AudioToneConfig configures an audio tone source.
type AudioToneConfig struct {
	SampleRate int      // default: 48000
	Channels   int      // default: 2
	FrameSize  int      // samples per frame (default: 960 = 20ms at 48kHz)
	Tone       ToneType // default: sine
	Frequency  float64  // sine frequency in Hz (default: 440)
	Amplitude  float64  // 0..1 of full scale (default: 0.5)
}

// DefaultAudioToneConfig returns a default audio tone configuration.
func DefaultAudioToneConfig() AudioToneConfig {
	return AudioToneConfig{
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  960,
		Tone:       ToneSine,
		Frequency:  440,
		Amplitude:  0.5,
	}
}

// AudioToneSource generates synthetic S16 audio. It implements AudioSource
// and stands in for microphone capture in tests and examples.
type AudioToneSource struct {
	config AudioToneConfig

	phase     float64
	startTime time.Time

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	samplesCh chan *AudioSamples
	doneCh    chan struct{}
	callback  AudioSamplesCallback

	mu sync.RWMutex
}

// NewAudioToneSource creates a new audio tone source.
func NewAudioToneSource(config AudioToneConfig) *AudioToneSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.FrameSize <= 0 {
		config.FrameSize = 960
	}
	if config.Frequency <= 0 {
		config.Frequency = 440
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = 0.5
	}
	return &AudioToneSource{
		config:    config,
		samplesCh: make(chan *AudioSamples, 2),
	}
}

// Start begins generating samples.
func (s *AudioToneSource) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("source already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	s.startTime = time.Now()

	go s.generateLoop()
	return nil
}

// Stop stops generating samples and waits for the goroutine to exit.
func (s *AudioToneSource) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	if s.doneCh != nil {
		<-s.doneCh
	}
	return nil
}

// Close closes the source.
func (s *AudioToneSource) Close() error {
	s.Stop() //nolint:errcheck
	s.mu.Lock()
	if s.samplesCh != nil {
		close(s.samplesCh)
		s.samplesCh = nil
	}
	s.mu.Unlock()
	return nil
}

// ReadSamples reads the next audio samples (blocking).
func (s *AudioToneSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case samples, ok := <-s.samplesCh:
		if !ok {
			return nil, ErrClosed
		}
		return samples, nil
	}
}

// SetCallback sets the push-mode callback.
func (s *AudioToneSource) SetCallback(cb AudioSamplesCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// SampleRate returns the audio sample rate.
func (s *AudioToneSource) SampleRate() int { return s.config.SampleRate }

// Channels returns the number of audio channels.
func (s *AudioToneSource) Channels() int { return s.config.Channels }

func (s *AudioToneSource) generateLoop() {
	defer close(s.doneCh)

	frameDuration := time.Duration(float64(s.config.FrameSize) / float64(s.config.SampleRate) * float64(time.Second))
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			samples := s.generateFrame()

			s.mu.RLock()
			cb := s.callback
			s.mu.RUnlock()

			if cb != nil {
				cb(samples)
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			case s.samplesCh <- samples:
			default:
				// Drop if channel full
			}
		}
	}
}

// generateFrame synthesizes one frame of interleaved S16 samples.
func (s *AudioToneSource) generateFrame() *AudioSamples {
	n := s.config.FrameSize
	ch := s.config.Channels
	data := make([]byte, n*ch*2)

	if s.config.Tone == ToneSine {
		step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)
		amp := s.config.Amplitude * 32767
		for i := 0; i < n; i++ {
			v := int16(amp * math.Sin(s.phase))
			s.phase += step
			if s.phase > 2*math.Pi {
				s.phase -= 2 * math.Pi
			}
			for c := 0; c < ch; c++ {
				idx := (i*ch + c) * 2
				data[idx] = byte(v)
				data[idx+1] = byte(v >> 8)
			}
		}
	}

	return &AudioSamples{
		Data:        data,
		SampleRate:  s.config.SampleRate,
		Channels:    ch,
		SampleCount: n,
		Format:      AudioFormatS16,
		Timestamp:   time.Since(s.startTime).Nanoseconds(),
	}
}
