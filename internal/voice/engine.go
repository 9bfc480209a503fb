package voice

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"voicelink/internal/wire"
)

var (
	ErrAlreadyRunning = errors.New("audio engine already running")
	ErrNotRunning     = errors.New("audio engine not running")
)

// opusEncoder is the encoder surface the callback needs. Satisfied by
// *opus.Encoder.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// opusDecoder is the decoder surface the callback needs. Satisfied by
// *opus.Decoder. DecodePLC synthesizes concealment for a lost packet.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodePLC(pcm []int16) error
}

// deviceStream is an open duplex audio stream.
type deviceStream interface {
	Start() error
	Abort() error
	Close() error
}

// deviceHost abstracts the process-global audio subsystem so the engine
// can be exercised without hardware.
type deviceHost interface {
	Initialize() error
	Terminate() error
	// OpenDuplexStream opens a callback-driven stream on the default
	// input and output devices. The callback runs on the device thread
	// once per period.
	OpenDuplexStream(channels, sampleRate, framesPerBuffer int, cb func(in, out []int16)) (deviceStream, error)
}

// Engine owns the codec state and the realtime callback, moving encoded
// packets between the device and the two packet queues.
//
// The callback must finish within one frame period. It never allocates
// beyond the packet copies handed to the queues; the compressed scratch
// buffer lives in the engine and is touched only by the callback.
type Engine struct {
	cfg Config

	host       deviceHost
	newEncoder func(Config) (opusEncoder, error)
	newDecoder func(Config) (opusDecoder, error)

	mu       sync.Mutex // serializes Start and Stop
	encodeMu sync.Mutex // encoder shared by the callback and EnqueuePCM
	running  atomic.Bool

	stream  deviceStream
	encoder opusEncoder
	decoder opusDecoder

	outbound *packetQueue
	inbound  *packetQueue
	jitter   *jitterBuffer

	encodeScratch [wire.MaxOpusPayload]byte

	// VAD state, callback-exclusive.
	vadActive   bool
	vadHangover int

	stats *linkStats
}

// NewEngine builds an idle engine for a validated config.
func NewEngine(cfg Config, stats *linkStats) *Engine {
	if stats == nil {
		stats = newLinkStats(cfg.FrameDurationMs)
	}
	return &Engine{
		cfg:        cfg,
		host:       portaudioHost{},
		newEncoder: newOpusEncoder,
		newDecoder: newOpusDecoder,
		outbound:   newPacketQueue(),
		inbound:    newPacketQueue(),
		jitter:     newJitterBuffer(cfg.TargetPackets(), cfg.MaxPackets()),
		stats:      stats,
	}
}

// Start acquires the device subsystem, codec state and the duplex stream,
// then marks the engine running. Any failure rolls everything back; the
// engine can be started again afterwards.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return ErrAlreadyRunning
	}

	if err := e.host.Initialize(); err != nil {
		return fmt.Errorf("init audio subsystem: %w", err)
	}

	enc, err := e.newEncoder(e.cfg)
	if err != nil {
		e.host.Terminate()
		return fmt.Errorf("create encoder: %w", err)
	}
	dec, err := e.newDecoder(e.cfg)
	if err != nil {
		e.host.Terminate()
		return fmt.Errorf("create decoder: %w", err)
	}
	e.encoder = enc
	e.decoder = dec

	stream, err := e.host.OpenDuplexStream(e.cfg.Channels, e.cfg.SampleRate, e.cfg.FrameSamples(), e.callback)
	if err != nil {
		e.encoder = nil
		e.decoder = nil
		e.host.Terminate()
		return fmt.Errorf("open duplex stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		e.encoder = nil
		e.decoder = nil
		e.host.Terminate()
		return fmt.Errorf("start stream: %w", err)
	}

	e.stream = stream
	e.vadActive = false
	e.vadHangover = 0
	e.running.Store(true)
	return nil
}

// Stop aborts the stream, releases the codecs and device subsystem, and
// clears all three buffers. Idempotent and safe from any goroutine.
//
// Aborting rather than draining is deliberate: a draining stop risks one
// more callback racing with teardown.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream != nil {
		e.stream.Abort()
		e.stream.Close()
		e.stream = nil
	}
	e.encoder = nil
	e.decoder = nil
	e.host.Terminate()

	e.outbound.clear()
	e.inbound.clear()
	e.jitter.clear()
}

// Running reports whether the engine is between Start and Stop.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// NextOutgoing hands the sender the oldest captured packet, if any.
func (e *Engine) NextOutgoing() ([]byte, bool) {
	return e.outbound.tryPop()
}

// SubmitIncoming queues a received audio payload for the next playout
// period.
func (e *Engine) SubmitIncoming(payload []byte) {
	e.inbound.push(payload)
}

// callback runs on the device thread once per period. All failures are
// absorbed in place: a bad encode drops the capture frame, a bad decode
// plays silence. The realtime contract leaves no room for anything else.
func (e *Engine) callback(in, out []int16) {
	if !e.running.Load() {
		zeroSamples(out)
		return
	}

	if in != nil && e.encoder != nil {
		e.capture(in)
	}

	if out != nil && e.decoder != nil {
		e.playout(out)
	} else {
		zeroSamples(out)
	}
}

func (e *Engine) capture(in []int16) {
	if e.cfg.VADEnabled && !e.gateOpen(in) {
		return
	}
	if e.cfg.MicGain != 1.0 {
		applyGain(in, e.cfg.MicGain)
	}
	e.encodeAndQueue(in)
}

func (e *Engine) encodeAndQueue(pcm []int16) {
	e.encodeMu.Lock()
	defer e.encodeMu.Unlock()

	enc := e.encoder
	if enc == nil {
		return
	}
	n, err := enc.Encode(pcm, e.encodeScratch[:])
	if err != nil || n <= 0 {
		return
	}

	packet := make([]byte, n)
	copy(packet, e.encodeScratch[:n])
	e.outbound.push(packet)
	e.stats.recordCaptured(n)
}

// EnqueuePCM encodes one frame of synthesized PCM and queues it as if it
// had been captured. Used by the test tone generator.
func (e *Engine) EnqueuePCM(pcm []int16) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	if len(pcm) != e.cfg.FrameSamples()*e.cfg.Channels {
		return fmt.Errorf("pcm frame must hold %d samples, got %d", e.cfg.FrameSamples()*e.cfg.Channels, len(pcm))
	}
	e.encodeAndQueue(pcm)
	return nil
}

func (e *Engine) playout(out []int16) {
	for {
		p, ok := e.inbound.tryPop()
		if !ok {
			break
		}
		e.jitter.push(p)
	}

	frames := len(out) / maxInt(1, e.cfg.Channels)

	if p, ok := e.jitter.pop(); ok {
		n, err := e.decoder.Decode(p, out)
		if err != nil || n != frames {
			zeroSamples(out)
			return
		}
	} else {
		e.stats.recordConcealed()
		if err := e.decoder.DecodePLC(out); err != nil {
			zeroSamples(out)
			return
		}
	}

	if e.cfg.OutputGain != 1.0 {
		applyGain(out, e.cfg.OutputGain)
	}
}

// gateOpen implements RMS-threshold voice activity detection with a
// hangover so trailing syllables are not clipped.
func (e *Engine) gateOpen(samples []int16) bool {
	if rms(samples) >= e.cfg.VADThreshold {
		e.vadActive = true
		e.vadHangover = e.cfg.VADHangoverFrames
		return true
	}
	if e.vadActive {
		if e.vadHangover > 0 {
			e.vadHangover--
			return true
		}
		e.vadActive = false
	}
	return false
}

func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func applyGain(samples []int16, gain float64) {
	for i, s := range samples {
		v := float64(s) * gain
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		samples[i] = int16(v)
	}
}

func zeroSamples(out []int16) {
	for i := range out {
		out[i] = 0
	}
}
