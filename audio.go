package compositor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pion/logging"
)

// AudioMixerConfig configures the audio mixing graph.
type AudioMixerConfig struct {
	SampleRate int // default: 48000
	Channels   int // default: 2
	FrameSize  int // samples per mixed frame (default: 960 = 20ms at 48kHz)
}

// DefaultAudioMixerConfig returns the default mixer configuration.
func DefaultAudioMixerConfig() AudioMixerConfig {
	return AudioMixerConfig{
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  960,
	}
}

// AudioLevel is one source's analysed output level.
type AudioLevel struct {
	ID    string
	Label string
	Level float64 // normalized RMS in [0,1]
}

// audioEntry is one source's chain in the graph: borrowed handle -> gain ->
// level analyser, feeding the shared mix.
type audioEntry struct {
	id    string
	src   AudioSource
	label string

	volume float64 // stored volume; survives mute/unmute
	muted  bool

	level float64 // RMS of the last mixed chunk, post-gain

	pendingMu sync.Mutex
	pending   *AudioSamples
}

// gain returns the effective gain: muted always forces 0 regardless of the
// stored volume.
func (e *audioEntry) gain() float64 {
	if e.muted {
		return 0
	}
	return e.volume
}

func (e *audioEntry) onSamples(s *AudioSamples) {
	e.pendingMu.Lock()
	e.pending = s
	e.pendingMu.Unlock()
}

func (e *audioEntry) takePending() *AudioSamples {
	e.pendingMu.Lock()
	s := e.pending
	e.pending = nil
	e.pendingMu.Unlock()
	return s
}

// AudioMixer combines all registered audio sources' gain-adjusted signals
// into one mixed output track, with per-source level analysis.
type AudioMixer struct {
	config AudioMixerConfig
	log    logging.LeveledLogger

	mu      sync.Mutex
	entries map[string]*audioEntry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc

	output *mixedAudioSource

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc

	mixBuf []int32
}

// NewAudioMixer creates the mixing graph. The context bounds the mix loop
// and any borrowed source it starts.
func NewAudioMixer(ctx context.Context, config AudioMixerConfig, log logging.LeveledLogger) *AudioMixer {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.FrameSize <= 0 {
		config.FrameSize = 960
	}
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("audio")
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &AudioMixer{
		config:  config,
		log:     log,
		entries: make(map[string]*audioEntry),
		ctx:     mctx,
		cancel:  cancel,
		output:  newMixedAudioSource(config),
		mixBuf:  make([]int32, config.FrameSize*config.Channels),
	}
	go m.mixLoop()
	return m
}

// AddSource registers an audio source. Returns false if the handle is nil,
// carries no audio, or the id already exists. The handle is borrowed and
// wired to auto-play.
func (m *AudioMixer) AddSource(id string, src AudioSource, volume float64, muted bool, label string) bool {
	if src == nil || src.Channels() <= 0 {
		m.log.Warnf("add audio source %q: handle has no audio track", id)
		return false
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if _, exists := m.entries[id]; exists {
		m.log.Warnf("add audio source %q: id already exists", id)
		return false
	}

	e := &audioEntry{id: id, src: src, label: label, volume: volume, muted: muted}
	src.SetCallback(e.onSamples)
	if err := src.Start(m.ctx); err != nil {
		m.log.Debugf("audio source %q: start: %v", id, err)
	}
	m.entries[id] = e
	return true
}

// RemoveSource detaches a source from the graph. Idempotent. The underlying
// handle keeps running; it belongs to the caller.
func (m *AudioMixer) RemoveSource(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.src.SetCallback(nil)
		delete(m.entries, id)
	}
}

// SetVolume updates a source's stored volume. While muted the effective gain
// stays 0; un-muting restores this value.
func (m *AudioMixer) SetVolume(id string, volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.volume = volume
	}
}

// SetMuted toggles a source's mute state.
func (m *AudioMixer) SetMuted(id string, muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.muted = muted
	}
}

// Volume returns a source's stored volume.
func (m *AudioMixer) Volume(id string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.volume, true
	}
	return 0, false
}

// Muted returns a source's mute state.
func (m *AudioMixer) Muted(id string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.muted, true
	}
	return false, false
}

// Level returns one source's normalized RMS level in [0,1].
func (m *AudioMixer) Level(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.level
	}
	return 0
}

// Levels returns the levels of every registered source.
func (m *AudioMixer) Levels() []AudioLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AudioLevel, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, AudioLevel{ID: e.id, Label: e.label, Level: e.level})
	}
	return out
}

// StartLevelMonitoring begins pushing level snapshots to the callback on a
// single repeating timer. Starting again replaces any existing timer.
func (m *AudioMixer) StartLevelMonitoring(cb func([]AudioLevel), interval time.Duration) {
	if cb == nil {
		return
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cb(m.Levels())
			}
		}
	}()
}

// StopLevelMonitoring cancels the level timer. Safe when not monitoring.
func (m *AudioMixer) StopLevelMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
}

// Output returns the single mixed-audio output. Every call returns the same
// source; it ends when the mixer closes.
func (m *AudioMixer) Output() AudioSource {
	return m.output
}

// HasSources reports whether any audio source is registered.
func (m *AudioMixer) HasSources() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) > 0
}

// Close disconnects every node and shuts the mix loop down. Safe to call
// multiple times.
func (m *AudioMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, e := range m.entries {
		e.src.SetCallback(nil)
		delete(m.entries, id)
	}
	m.mu.Unlock()

	m.StopLevelMonitoring()
	m.cancel()
	m.output.end()
	return nil
}

// mixLoop pulls pending chunks from every source at frame cadence, applies
// gain, analyses levels, and sums into the mixed output.
func (m *AudioMixer) mixLoop() {
	frameDuration := time.Duration(float64(m.config.FrameSize) / float64(m.config.SampleRate) * float64(time.Second))
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mixOnce(time.Since(startTime).Nanoseconds())
		}
	}
}

func (m *AudioMixer) mixOnce(timestamp int64) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	for i := range m.mixBuf {
		m.mixBuf[i] = 0
	}
	for _, e := range m.entries {
		chunk := e.takePending()
		if chunk == nil || chunk.Format != AudioFormatS16 {
			// A silent window: the analysed level decays toward zero.
			e.level *= 0.6
			continue
		}
		gain := e.gain()
		e.level = mixInto(m.mixBuf, chunk.Data, chunk.Channels, m.config.Channels, gain)
	}

	// Saturate to S16.
	data := make([]byte, len(m.mixBuf)*2)
	for i, v := range m.mixBuf {
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		data[i*2] = byte(v)
		data[i*2+1] = byte(v >> 8)
	}
	m.mu.Unlock()

	m.output.push(&AudioSamples{
		Data:        data,
		SampleRate:  m.config.SampleRate,
		Channels:    m.config.Channels,
		SampleCount: m.config.FrameSize,
		Format:      AudioFormatS16,
		Timestamp:   timestamp,
	})
}

// mixInto accumulates gain-scaled S16 samples into the mix buffer and
// returns the normalized RMS of the scaled signal. Sources with fewer
// channels than the mix are upmixed by duplicating their last channel, so a
// mono source lands on both stereo channels instead of smearing timing.
func mixInto(mix []int32, data []byte, srcChannels, dstChannels int, gain float64) float64 {
	if srcChannels <= 0 || dstChannels <= 0 {
		return 0
	}
	frames := len(data) / 2 / srcChannels
	if max := len(mix) / dstChannels; frames > max {
		frames = max
	}
	var sumSq float64
	for f := 0; f < frames; f++ {
		for c := 0; c < dstChannels; c++ {
			sc := c
			if sc >= srcChannels {
				sc = srcChannels - 1
			}
			i := f*srcChannels + sc
			s := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
			scaled := float64(s) * gain
			mix[f*dstChannels+c] += int32(scaled)
			sumSq += scaled * scaled
		}
	}
	n := frames * dstChannels
	if n == 0 {
		return 0
	}
	rms := math.Sqrt(sumSq/float64(n)) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}

// mixedAudioSource is the synthetic mixed output. Unlike the borrowed inputs
// it is owned by the mixer and ends when the mixer closes.
type mixedAudioSource struct {
	config AudioMixerConfig

	mu        sync.RWMutex
	callback  AudioSamplesCallback
	samplesCh chan *AudioSamples
	ended     bool
}

func newMixedAudioSource(config AudioMixerConfig) *mixedAudioSource {
	return &mixedAudioSource{
		config:    config,
		samplesCh: make(chan *AudioSamples, 2),
	}
}

func (s *mixedAudioSource) push(samples *AudioSamples) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	cb := s.callback
	if cb == nil {
		select {
		case s.samplesCh <- samples:
		default:
			// Drop if the consumer is behind.
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	cb(samples)
}

func (s *mixedAudioSource) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.samplesCh)
	}
}

func (s *mixedAudioSource) Start(ctx context.Context) error { return nil }
func (s *mixedAudioSource) Stop() error                     { return nil }

func (s *mixedAudioSource) ReadSamples(ctx context.Context) (*AudioSamples, error) {
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

func (s *mixedAudioSource) SetCallback(cb AudioSamplesCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *mixedAudioSource) SampleRate() int { return s.config.SampleRate }
func (s *mixedAudioSource) Channels() int   { return s.config.Channels }

func (s *mixedAudioSource) Close() error {
	s.end()
	return nil
}
