// Package relay implements the session-multiplexing UDP relay.
//
// One socket, one goroutine. Membership is discovered lazily: a
// participant joins a session by sending a validated packet carrying its
// id, and the whole session disappears once it has been idle past the
// timeout. The relay never inspects payloads; it fans each datagram out
// to the other participants of the same session byte-for-byte.
package relay

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"voicelink/internal/wire"
)

// session is one relayed group. participants is keyed by the textual
// "ip:port" form of each observed sender endpoint.
type session struct {
	participants map[string]*net.UDPAddr
	lastSeen     time.Time
}

// Server is the relay. Run owns the session table exclusively, so no
// locking is needed around it; Stop only touches the flag and the socket.
type Server struct {
	cfg Config
	log *zap.Logger

	running atomic.Bool

	mu   sync.Mutex // guards conn for Stop vs. bind
	conn *net.UDPConn

	sessions      map[string]*session
	packetCounter int

	now func() time.Time // monotonic clock, swappable in tests
}

// NewServer builds an idle relay.
func NewServer(cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Run binds the socket and serves until Stop. Returns an error only when
// the bind fails; a stopped server returns nil.
func (s *Server) Run() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("bind relay socket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info("relay listening", zap.String("addr", conn.LocalAddr().String()))

	buf := make([]byte, wire.MaxPacketSize)
	for s.running.Load() {
		n, sender, err := conn.ReadFromUDP(buf)

		s.packetCounter++
		if s.packetCounter >= s.cfg.CleanupPacketInterval {
			s.reapIdleSessions()
			s.packetCounter = 0
		}

		if err != nil {
			if !s.running.Load() {
				break
			}
			s.log.Warn("recvfrom failed, continuing", zap.Error(err))
			continue
		}

		datagram := buf[:n]
		if !wire.ValidSize(n) {
			continue
		}
		if !wire.ValidToken(datagram) {
			continue
		}

		sessionID := string(datagram[:wire.SessionIDLen])
		peers := s.registerAndGetPeers(sessionID, sender)

		for _, peer := range peers {
			if _, err := conn.WriteToUDP(datagram, peer); err != nil {
				s.log.Debug("forward failed", zap.String("peer", peer.String()), zap.Error(err))
			}
		}
	}

	s.closeSocket()
	return nil
}

// Stop flips the flag and closes the socket so the receive loop observes
// an error, re-checks the flag and exits. Only the flag write and the
// close happen here, keeping it safe to call from a signal path.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.closeSocket()
}

// Running reports whether the serve loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Addr returns the bound address, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// SessionCount returns the number of active sessions. Only meaningful
// from the serving goroutine or after Run returned; exposed for tests and
// the reap-time gauge.
func (s *Server) SessionCount() int {
	return len(s.sessions)
}

func (s *Server) closeSocket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// registerAndGetPeers looks up or creates the session, refreshes its
// timestamp, registers the sender idempotently and returns every other
// participant.
func (s *Server) registerAndGetPeers(sessionID string, sender *net.UDPAddr) []*net.UDPAddr {
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &session{participants: make(map[string]*net.UDPAddr)}
		s.sessions[sessionID] = sess
	}
	sess.lastSeen = s.now()

	senderKey := sender.String()
	if _, ok := sess.participants[senderKey]; !ok {
		sess.participants[senderKey] = sender
		s.log.Info("participant joined",
			zap.String("endpoint", senderKey),
			zap.Int("participants", len(sess.participants)))
	}

	peers := make([]*net.UDPAddr, 0, len(sess.participants)-1)
	for key, addr := range sess.participants {
		if key != senderKey {
			peers = append(peers, addr)
		}
	}
	return peers
}

// reapIdleSessions drops every session idle past the timeout. O(n) in
// sessions, amortized across the cleanup interval.
func (s *Server) reapIdleSessions() {
	timeout := time.Duration(s.cfg.SessionTimeoutSeconds) * time.Second
	now := s.now()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.lastSeen) > timeout {
			delete(s.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		s.log.Info("reaped idle sessions",
			zap.Int("removed", removed),
			zap.Int("active", len(s.sessions)))
	}
}
