package voice

import (
	"sync"
	"time"
)

// linkStats tracks pipeline and link quality counters. The wire format
// carries no sequence numbers, so loss is not observable; what can be
// measured is arrival-time jitter and how often playout had to conceal.
type linkStats struct {
	mu sync.Mutex

	packetsSent     uint64
	bytesSent       uint64
	packetsReceived uint64
	bytesReceived   uint64
	framesCaptured  uint64
	framesConcealed uint64

	framePeriod time.Duration
	lastArrival time.Time
	jitterEWMA  float64 // seconds
}

// Stats is a point-in-time snapshot for the host.
type Stats struct {
	PacketsSent     uint64
	BytesSent       uint64
	PacketsReceived uint64
	BytesReceived   uint64
	FramesCaptured  uint64
	FramesConcealed uint64
	JitterMs        float64
}

func newLinkStats(frameDurationMs int) *linkStats {
	return &linkStats{
		framePeriod: time.Duration(frameDurationMs) * time.Millisecond,
	}
}

func (s *linkStats) recordCaptured(encodedBytes int) {
	s.mu.Lock()
	s.framesCaptured++
	s.mu.Unlock()
	_ = encodedBytes
}

func (s *linkStats) recordConcealed() {
	s.mu.Lock()
	s.framesConcealed++
	s.mu.Unlock()
}

func (s *linkStats) recordSent(n int) {
	s.mu.Lock()
	s.packetsSent++
	s.bytesSent += uint64(n)
	s.mu.Unlock()
}

// recordReceived updates totals and the inter-arrival jitter estimate, an
// EWMA of the deviation from the nominal frame period (RFC 3550 style
// 1/16 gain).
func (s *linkStats) recordReceived(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if !s.lastArrival.IsZero() {
		deviation := (now.Sub(s.lastArrival) - s.framePeriod).Seconds()
		if deviation < 0 {
			deviation = -deviation
		}
		s.jitterEWMA += (deviation - s.jitterEWMA) / 16
	}
	s.lastArrival = now

	s.packetsReceived++
	s.bytesReceived += uint64(n)
}

func (s *linkStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		PacketsSent:     s.packetsSent,
		BytesSent:       s.bytesSent,
		PacketsReceived: s.packetsReceived,
		BytesReceived:   s.bytesReceived,
		FramesCaptured:  s.framesCaptured,
		FramesConcealed: s.framesConcealed,
		JitterMs:        s.jitterEWMA * 1000,
	}
}
