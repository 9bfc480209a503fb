package voice

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voicelink/internal/wire"
)

// testHarness stands up a loopback "relay" socket and a client socket
// wired into a netWorkers pair. The engine is never started; its queues
// work regardless.
type testHarness struct {
	relay   *net.UDPConn
	conn    *net.UDPConn
	engine  *Engine
	workers *netWorkers
	running *atomic.Bool

	mu     sync.Mutex
	events []Event
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	relay, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { relay.Close() })

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	h := &testHarness{relay: relay, conn: conn, running: &atomic.Bool{}}
	h.running.Store(true)

	cfg := testConfig()
	h.engine = NewEngine(cfg, nil)

	sessionID, err := wire.PadSessionID("roomA")
	require.NoError(t, err)
	header := wire.EncodeHeader(sessionID, wire.TypeAudioOpus)

	bridge := newEventBridge(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	server := relay.LocalAddr().(*net.UDPAddr)
	h.workers = newNetWorkers(conn, server, header, h.engine, bridge, newLinkStats(cfg.FrameDurationMs), h.running, zap.NewNop())
	return h
}

func (h *testHarness) eventsSnapshot() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.events))
	copy(out, h.events)
	return out
}

func (h *testHarness) shutdown() {
	h.running.Store(false)
	h.conn.Close()
	h.workers.join(time.Second)
}

func TestSenderPrependsHeader(t *testing.T) {
	h := newTestHarness(t)
	defer h.shutdown()

	payload := []byte{0xAA, 0xBB, 0xCC}
	h.engine.outbound.push(payload)
	go h.workers.sendLoop()

	h.relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wire.MaxPacketSize)
	n, _, err := h.relay.ReadFromUDP(buf)
	require.NoError(t, err)

	require.Equal(t, wire.FullHeaderLen+len(payload), n)
	sessionID, typ, got, ok := wire.ParseHeader(buf[:n])
	require.True(t, ok)
	assert.Equal(t, wire.TypeAudioOpus, typ)
	assert.Equal(t, payload, got)

	wantID, _ := wire.PadSessionID("roomA")
	assert.Equal(t, wantID, sessionID)
}

func TestReceiverDispatchesAudio(t *testing.T) {
	h := newTestHarness(t)
	defer h.shutdown()

	go h.workers.receiveLoop()

	id, _ := wire.PadSessionID("roomA")
	header := wire.EncodeHeader(id, wire.TypeAudioOpus)
	payload := []byte{1, 2, 3, 4}
	_, err := h.relay.WriteToUDP(wire.AppendPacket(nil, &header, payload), h.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.engine.inbound.size() == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, ok := h.engine.inbound.tryPop()
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestReceiverForwardsControlToBridge(t *testing.T) {
	h := newTestHarness(t)
	defer h.shutdown()

	go h.workers.receiveLoop()

	id, _ := wire.PadSessionID("roomA")
	header := wire.EncodeHeader(id, wire.TypeControlJSON)
	_, err := h.relay.WriteToUDP(wire.AppendPacket(nil, &header, []byte(`{"name":"bob"}`)), h.conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		evs := h.eventsSnapshot()
		return len(evs) == 1 && evs[0].Type == EventNotification && evs[0].Data == `{"name":"bob"}`
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, h.engine.inbound.size())
}

func TestReceiverDropsInvalidDatagrams(t *testing.T) {
	h := newTestHarness(t)
	defer h.shutdown()

	go h.workers.receiveLoop()

	clientAddr := h.conn.LocalAddr().(*net.UDPAddr)
	id, _ := wire.PadSessionID("roomA")
	goodHeader := wire.EncodeHeader(id, wire.TypeAudioOpus)

	// Valid bytes from the wrong endpoint.
	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stranger.Close()
	_, err = stranger.WriteToUDP(wire.AppendPacket(nil, &goodHeader, []byte{1}), clientAddr)
	require.NoError(t, err)

	// Wrong magic token.
	bad := wire.AppendPacket(nil, &goodHeader, []byte{1})
	bad[wire.SessionIDLen] = 0x00
	_, err = h.relay.WriteToUDP(bad, clientAddr)
	require.NoError(t, err)

	// Header with no payload.
	_, err = h.relay.WriteToUDP(wire.AppendPacket(nil, &goodHeader, nil), clientAddr)
	require.NoError(t, err)

	// Unknown packet type.
	unknown := wire.EncodeHeader(id, 0x7F)
	_, err = h.relay.WriteToUDP(wire.AppendPacket(nil, &unknown, []byte{1}), clientAddr)
	require.NoError(t, err)

	// Then one valid datagram; only it may arrive.
	_, err = h.relay.WriteToUDP(wire.AppendPacket(nil, &goodHeader, []byte{42}), clientAddr)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.engine.inbound.size() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.engine.inbound.size())
	got, _ := h.engine.inbound.tryPop()
	assert.Equal(t, []byte{42}, got)
	assert.Empty(t, h.eventsSnapshot())
}

func TestReceiverReportsTerminalErrorWhileRunning(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan struct{})
	go func() {
		h.workers.receiveLoop()
		close(done)
	}()

	// Socket dies while the session is still running.
	h.conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not exit on socket error")
	}

	evs := h.eventsSnapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, EventError, evs[0].Type)
	h.running.Store(false)
}

func TestReceiverSilentExitOnShutdown(t *testing.T) {
	h := newTestHarness(t)

	done := make(chan struct{})
	go func() {
		h.workers.receiveLoop()
		close(done)
	}()

	// Ordered shutdown: flag first, then socket.
	h.running.Store(false)
	h.conn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not exit on close")
	}
	assert.Empty(t, h.eventsSnapshot(), "expected shutdown without an error event")
}

func TestSenderStopsWhenFlagDrops(t *testing.T) {
	h := newTestHarness(t)

	go h.workers.sendLoop()
	h.running.Store(false)

	select {
	case <-h.workers.senderDone:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not observe the stop flag")
	}
	h.conn.Close()
}
