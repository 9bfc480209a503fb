package voice

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/wire"
)

// sendLoopSleep bounds the sender's idle CPU. The producer cadence is one
// frame period (20 ms), so a 10 ms poll adds no meaningful latency.
const sendLoopSleep = 10 * time.Millisecond

// netWorkers is the sender/receiver pair bound to the client's socket.
// Both loops run until the running flag drops or the socket dies.
type netWorkers struct {
	conn   *net.UDPConn
	server *net.UDPAddr
	header [wire.FullHeaderLen]byte

	engine  *Engine
	bridge  *eventBridge
	stats   *linkStats
	running *atomic.Bool
	log     *zap.Logger

	senderDone   chan struct{}
	receiverDone chan struct{}
}

func newNetWorkers(conn *net.UDPConn, server *net.UDPAddr, header [wire.FullHeaderLen]byte,
	engine *Engine, bridge *eventBridge, stats *linkStats, running *atomic.Bool, log *zap.Logger) *netWorkers {
	return &netWorkers{
		conn:         conn,
		server:       server,
		header:       header,
		engine:       engine,
		bridge:       bridge,
		stats:        stats,
		running:      running,
		log:          log,
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
	}
}

func (w *netWorkers) start() {
	go w.sendLoop()
	go w.receiveLoop()
}

// sendLoop drains the engine's outbound queue, prepending the precomputed
// audio header. Send errors are logged and the loop keeps going; the only
// exit is the running flag.
func (w *netWorkers) sendLoop() {
	defer close(w.senderDone)

	buf := make([]byte, 0, wire.MaxPacketSize)
	for w.running.Load() {
		if payload, ok := w.engine.NextOutgoing(); ok {
			buf = wire.AppendPacket(buf[:0], &w.header, payload)
			if _, err := w.conn.WriteToUDP(buf, w.server); err != nil {
				if w.running.Load() {
					w.log.Warn("send failed", zap.Error(err))
				}
			} else {
				w.stats.recordSent(len(buf))
			}
		}
		time.Sleep(sendLoopSleep)
	}
}

// receiveLoop reads datagrams, validates them and demultiplexes by packet
// type. A socket error during shutdown is the expected exit; one while
// running is surfaced to the host as an error event.
func (w *netWorkers) receiveLoop() {
	defer close(w.receiverDone)

	buf := make([]byte, wire.MaxPacketSize)
	for w.running.Load() {
		n, sender, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if w.running.Load() {
				w.log.Error("receive failed", zap.Error(err))
				w.bridge.Emit(Event{Type: EventError, Data: "receive failed: " + err.Error()})
			}
			return
		}

		if sender == nil || !sender.IP.Equal(w.server.IP) || sender.Port != w.server.Port {
			continue
		}
		if n <= wire.FullHeaderLen {
			continue
		}
		datagram := buf[:n]
		if !wire.ValidToken(datagram) {
			continue
		}

		payload := datagram[wire.FullHeaderLen:]
		switch datagram[wire.HeaderLen] {
		case wire.TypeAudioOpus:
			owned := make([]byte, len(payload))
			copy(owned, payload)
			w.engine.SubmitIncoming(owned)
			w.stats.recordReceived(n)
		case wire.TypeControlJSON:
			w.bridge.Emit(Event{Type: EventNotification, Data: string(payload)})
		default:
			// Unknown type, drop.
		}
	}
}

// join waits for both loops with a bound, so a stuck host callback cannot
// wedge Stop forever.
func (w *netWorkers) join(timeout time.Duration) {
	deadline := time.After(timeout)
	select {
	case <-w.senderDone:
	case <-deadline:
	}
	select {
	case <-w.receiverDone:
	case <-deadline:
	}
}
