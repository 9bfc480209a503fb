package voice

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/wire"
)

const workerJoinTimeout = time.Second

var (
	ErrAlreadyStarted = errors.New("client already started")
	ErrNoCallback     = errors.New("no event callback provided")
)

// RelayServerAddr identifies the relay endpoint.
type RelayServerAddr struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// StartOptions is the host-facing start record.
type StartOptions struct {
	RelayServer  RelayServerAddr `json:"relay_server"`
	SessionID    string          `json:"session_id"`
	UserInfoJSON string          `json:"my_user_info_json"`
}

// Client ties the audio engine, the network worker pair and the event
// bridge into the start/stop surface the host drives.
type Client struct {
	cfg Config
	log *zap.Logger

	// newEngine is swapped out by tests to run against a fake device.
	newEngine func(Config, *linkStats) *Engine

	mu      sync.Mutex // serializes Start and Stop
	running atomic.Bool

	engine  *Engine
	conn    *net.UDPConn
	server  *net.UDPAddr
	bridge  *eventBridge
	workers *netWorkers
	stats   *linkStats
}

// NewClient builds an idle client. The logger is required; pass
// zap.NewNop() to silence it.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log, newEngine: NewEngine}
}

// Start validates the options, opens the socket, starts the engine, sends
// the registration datagram and launches the network workers. Any failure
// rolls back fully; the client can be started again.
func (c *Client) Start(opts StartOptions, callback func(Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return ErrAlreadyStarted
	}
	if callback == nil {
		return ErrNoCallback
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	sessionID, err := wire.PadSessionID(opts.SessionID)
	if err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	if len(opts.UserInfoJSON) > wire.MaxPayloadLen {
		return fmt.Errorf("user info exceeds %d bytes", wire.MaxPayloadLen)
	}

	// First IPv4 resolution result, no retry. The relay topology is
	// IPv4-only, matching udp4 here.
	server, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(opts.RelayServer.IP, fmt.Sprint(opts.RelayServer.Port)))
	if err != nil {
		return fmt.Errorf("resolve relay server: %w", err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}

	stats := newLinkStats(c.cfg.FrameDurationMs)
	engine := c.newEngine(c.cfg, stats)
	if err := engine.Start(); err != nil {
		conn.Close()
		return fmt.Errorf("start audio engine: %w", err)
	}

	// Register before the audio threads run: the relay learns our
	// endpoint and peers get our user info from the same datagram.
	controlHeader := wire.EncodeHeader(sessionID, wire.TypeControlJSON)
	registration := wire.AppendPacket(nil, &controlHeader, []byte(opts.UserInfoJSON))
	if _, err := conn.WriteToUDP(registration, server); err != nil {
		engine.Stop()
		conn.Close()
		return fmt.Errorf("send registration: %w", err)
	}

	bridge := newEventBridge(callback)
	audioHeader := wire.EncodeHeader(sessionID, wire.TypeAudioOpus)

	c.engine = engine
	c.conn = conn
	c.server = server
	c.bridge = bridge
	c.stats = stats
	c.running.Store(true)

	c.workers = newNetWorkers(conn, server, audioHeader, engine, bridge, stats, &c.running, c.log)
	c.workers.start()

	c.log.Info("session started",
		zap.String("relay", server.String()),
		zap.String("session", opts.SessionID))
	return nil
}

// Stop tears the session down: engine first (no further callbacks), then
// the socket (unblocks the receiver), then the worker join. Emits exactly
// one stopped event per started session. Idempotent.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	c.engine.Stop()
	c.conn.Close()
	c.workers.join(workerJoinTimeout)
	bridge := c.bridge
	c.mu.Unlock()

	// Outside the lock: the host callback may call back into the client.
	bridge.Emit(Event{Type: EventStopped, Data: "session ended"})
	bridge.Release()

	c.log.Info("session stopped")
}

// Running reports whether a session is active.
func (c *Client) Running() bool {
	return c.running.Load()
}

// Stats returns a snapshot of the link counters, or zeroes when no
// session has run.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	if stats == nil {
		return Stats{}
	}
	return stats.snapshot()
}

// SendTestTone injects a sine tone into the outbound path at frame
// cadence, bypassing the microphone. Useful for loopback checks of the
// whole encode/send chain.
func (c *Client) SendTestTone(duration time.Duration, frequencyHz float64) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if !c.running.Load() || engine == nil {
		return ErrNotRunning
	}
	if duration <= 0 || frequencyHz <= 0 {
		return fmt.Errorf("invalid tone parameters")
	}

	framePeriod := time.Duration(c.cfg.FrameDurationMs) * time.Millisecond
	totalFrames := int(duration / framePeriod)
	if totalFrames < 1 {
		totalFrames = 1
	}

	samples := c.cfg.FrameSamples() * c.cfg.Channels
	phase := 0.0
	phaseInc := 2 * math.Pi * frequencyHz / float64(c.cfg.SampleRate)
	amplitude := 0.2 * float64(math.MaxInt16)

	pcm := make([]int16, samples)
	for i := 0; i < totalFrames; i++ {
		fillTone(pcm, c.cfg.Channels, &phase, phaseInc, amplitude)
		if err := engine.EnqueuePCM(pcm); err != nil {
			return err
		}
		time.Sleep(framePeriod)
	}
	return nil
}

func fillTone(pcm []int16, channels int, phase *float64, phaseInc, amplitude float64) {
	for i := 0; i < len(pcm); i += channels {
		v := int16(math.Sin(*phase) * amplitude)
		for ch := 0; ch < channels; ch++ {
			pcm[i+ch] = v
		}
		*phase += phaseInc
		if *phase >= 2*math.Pi {
			*phase -= 2 * math.Pi
		}
	}
}
