package voice

// jitterBuffer smooths uneven packet arrival before playout.
//
// It is a bounded FIFO with two watermarks: pop refuses to hand out audio
// until the buffer has primed to target packets, and push drops the
// oldest packet once max is reached. The asymmetric thresholds give
// hysteresis: after an underrun drains the buffer, playout stays silent
// until it refills to target rather than oscillating between empty and
// one packet.
//
// The buffer is owned by the audio callback and needs no locking. Packets
// are interchangeable here; the wire format carries no sequence numbers,
// so loss shows up only as an underrun and is concealed by the decoder.
type jitterBuffer struct {
	packets [][]byte
	target  int
	max     int
}

func newJitterBuffer(target, max int) *jitterBuffer {
	if target < 1 {
		target = 1
	}
	if max < target {
		max = target
	}
	return &jitterBuffer{
		packets: make([][]byte, 0, max),
		target:  target,
		max:     max,
	}
}

// push appends a packet, shedding the stalest one first when the buffer
// is saturated so a burst trades old audio for latency near the target.
func (jb *jitterBuffer) push(p []byte) {
	if len(jb.packets) >= jb.max {
		copy(jb.packets, jb.packets[1:])
		jb.packets[len(jb.packets)-1] = nil
		jb.packets = jb.packets[:len(jb.packets)-1]
	}
	jb.packets = append(jb.packets, p)
}

// pop returns the oldest packet once the buffer has primed to target;
// below target it returns false and the caller plays concealment.
func (jb *jitterBuffer) pop() ([]byte, bool) {
	if len(jb.packets) < jb.target {
		return nil, false
	}
	p := jb.packets[0]
	copy(jb.packets, jb.packets[1:])
	jb.packets[len(jb.packets)-1] = nil
	jb.packets = jb.packets[:len(jb.packets)-1]
	return p, true
}

func (jb *jitterBuffer) size() int {
	return len(jb.packets)
}

func (jb *jitterBuffer) clear() {
	for i := range jb.packets {
		jb.packets[i] = nil
	}
	jb.packets = jb.packets[:0]
}
