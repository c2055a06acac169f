package mpegts

// DefaultMaxUnitSize bounds an access unit whose PES_packet_length is zero.
const DefaultMaxUnitSize = 1 << 20

// AssemblerStats counts access units built or abandoned by an Assembler.
type AssemblerStats struct {
	Units        int64
	Truncated    int64
	LossDiscards int64
	Oversize     int64
	Malformed    int64
}

// Assembler rebuilds PES access units from the packets of one PID and
// returns their payloads with the PES header removed and the PTS kept.
//
// A unit whose PES_packet_length is set completes as soon as that many
// bytes are held. A unit with length zero runs until the next payload unit
// start, or until Flush. A bounded unit interrupted by a new start, by
// packet loss, or by exceeding the size limit is dropped and counted.
type Assembler struct {
	maxSize int

	buf         []byte
	active      bool
	lengthKnown bool
	// expected is the full unit size including the 6-byte prefix;
	// zero means unbounded.
	expected int

	stats AssemblerStats
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithMaxUnitSize sets the largest unit the Assembler will buffer.
func WithMaxUnitSize(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

// NewAssembler creates an idle Assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{maxSize: DefaultMaxUnitSize}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed adds one packet of the assembled PID and returns the units it
// completed. That is at most one, except when a new start closes an
// unbounded unit and the new unit fits in the same packet.
func (a *Assembler) Feed(p *Packet) []AccessUnit {
	var out []AccessUnit

	if p.Loss && a.active {
		a.stats.LossDiscards++
		a.Reset()
	}

	if p.Header.PayloadUnitStartIndicator {
		if a.active {
			if a.lengthKnown && a.expected == 0 {
				out = a.emit(out)
			} else {
				a.stats.Truncated++
				a.Reset()
			}
		}
		a.active = true
	} else if !a.active {
		return out
	}

	a.buf = append(a.buf, p.Payload...)
	if len(a.buf) > a.maxSize+pesPrefixSize {
		a.stats.Oversize++
		a.Reset()
		return out
	}

	if !a.lengthKnown && len(a.buf) >= pesPrefixSize {
		if !isPESPayload(a.buf) {
			a.stats.Malformed++
			a.Reset()
			return out
		}
		a.lengthKnown = true
		if n := int(a.buf[4])<<8 | int(a.buf[5]); n > 0 {
			a.expected = pesPrefixSize + n
		}
	}

	if a.expected > 0 && len(a.buf) >= a.expected {
		out = a.emit(out)
	}
	return out
}

// Flush ends the input: an open unbounded unit is emitted, an incomplete
// bounded one is dropped.
func (a *Assembler) Flush() []AccessUnit {
	if !a.active {
		return nil
	}
	if a.lengthKnown && a.expected == 0 {
		return a.emit(nil)
	}
	a.stats.Truncated++
	a.Reset()
	return nil
}

// Reset abandons any unit in progress without counting it.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.active = false
	a.lengthKnown = false
	a.expected = 0
}

// Stats returns a snapshot of the assembly counters.
func (a *Assembler) Stats() AssemblerStats {
	return a.stats
}

func (a *Assembler) emit(out []AccessUnit) []AccessUnit {
	end := len(a.buf)
	if a.expected > 0 {
		end = a.expected
	}
	unit := a.buf[:end]
	a.Reset()

	h, err := parsePESHeader(unit)
	if err != nil {
		a.stats.Malformed++
		return out
	}
	a.stats.Units++
	return append(out, AccessUnit{
		Data: append([]byte(nil), unit[h.HeaderLength:]...),
		PTS:  h.PTS,
	})
}
