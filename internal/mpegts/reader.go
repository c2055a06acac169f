package mpegts

// ReaderStats counts framing and continuity events seen by a Reader.
type ReaderStats struct {
	Packets          int64
	SyncLosses       int64
	ResyncBytes      int64
	ContinuityErrors int64
	Duplicates       int64
	ErroredPackets   int64
}

type ccState struct {
	last  uint8
	valid bool
	lost  bool
}

// Reader frames an arbitrarily chunked byte stream into transport packets
// and hands each one to the onPacket callback, in stream order, on the
// caller's goroutine. Bytes that do not complete a packet are kept for the
// next Write.
//
// Sync is acquired on a 0x47 byte that is followed one packet later by
// another 0x47. Once locked, every packet boundary only has to start with
// 0x47. The confirmation byte is waited for rather than guessed, which keeps
// the packet sequence independent of how the input was split across calls.
type Reader struct {
	onPacket func(*Packet)
	size     int
	pending  []byte
	locked   bool
	cc       map[uint16]ccState
	stats    ReaderStats
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithPacketSize sets the packet size, PacketSize (default) or PacketSizeRS.
// Other values are ignored.
func WithPacketSize(size int) ReaderOption {
	return func(r *Reader) {
		if size == PacketSize || size == PacketSizeRS {
			r.size = size
		}
	}
}

// NewReader creates a Reader that calls onPacket for every framed packet.
func NewReader(onPacket func(*Packet), opts ...ReaderOption) *Reader {
	r := &Reader{
		onPacket: onPacket,
		size:     PacketSize,
		cc:       make(map[uint16]ccState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Write frames as many packets as buf (plus any carried-over bytes) allows.
func (r *Reader) Write(buf []byte) {
	r.pending = append(r.pending, buf...)
	r.consume(r.frame(false))
}

// Flush frames a final packet that could not be confirmed for lack of
// following data and discards whatever partial bytes remain. Call it once
// the input is exhausted.
func (r *Reader) Flush() {
	r.consume(r.frame(true))
	r.stats.ResyncBytes += int64(len(r.pending))
	r.pending = r.pending[:0]
}

// Stats returns a snapshot of the framing counters.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

func (r *Reader) consume(n int) {
	r.pending = append(r.pending[:0], r.pending[n:]...)
}

func (r *Reader) frame(final bool) int {
	buf := r.pending
	off := 0
	for len(buf)-off >= r.size {
		if buf[off] != syncByte {
			if r.locked {
				r.locked = false
				r.stats.SyncLosses++
			}
			off++
			r.stats.ResyncBytes++
			continue
		}
		if !r.locked {
			next := off + r.size
			if next >= len(buf) {
				if !final {
					break
				}
			} else if buf[next] != syncByte {
				off++
				r.stats.ResyncBytes++
				continue
			}
			r.locked = true
		}
		r.emit(buf[off : off+r.size])
		off += r.size
	}
	return off
}

func (r *Reader) emit(buf []byte) {
	p, err := parsePacket(buf)
	if err != nil {
		return
	}
	r.stats.Packets++

	pid := p.Header.PID
	if pid == pidNull {
		return
	}

	st := r.cc[pid]
	if p.Header.TransportErrorIndicator {
		r.stats.ErroredPackets++
		st.lost = true
		r.cc[pid] = st
		return
	}

	// The continuity counter only advances on packets carrying payload.
	if p.Header.HasPayload {
		if st.valid && !p.Header.DiscontinuityIndicator {
			cc := p.Header.ContinuityCounter
			if cc == st.last {
				r.stats.Duplicates++
				return
			}
			if cc != (st.last+1)&0x0F {
				st.lost = true
				r.stats.ContinuityErrors++
			}
		}
		st.last = p.Header.ContinuityCounter
		st.valid = true
		p.Loss = st.lost
		st.lost = false
	}
	r.cc[pid] = st

	r.onPacket(p)
}
