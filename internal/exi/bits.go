package exi

import "github.com/q191201771/naza/pkg/nazabits"

// bitStream reads the bit-packed body MSB first and keeps the position so
// length fields can be checked against what is left.
type bitStream struct {
	br    nazabits.BitReader
	pos   int
	total int
}

func newBitStream(b []byte) *bitStream {
	return &bitStream{
		br:    nazabits.NewBitReader(b),
		total: len(b) * 8,
	}
}

func (s *bitStream) remaining() int {
	return s.total - s.pos
}

func (s *bitStream) fail(format string) *DecodeError {
	return &DecodeError{Bit: s.pos, Reason: format}
}

// read returns the next n bits, n <= 32.
func (s *bitStream) read(n int) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if s.remaining() < n {
		return 0, s.fail("truncated input")
	}
	v, err := s.br.ReadBits32(uint(n))
	if err != nil {
		return 0, s.fail("truncated input")
	}
	s.pos += n
	return v, nil
}

func (s *bitStream) readBool() (bool, error) {
	v, err := s.read(1)
	return v == 1, err
}

// readUint reads an EXI Unsigned Integer: little-endian 7-bit groups, the
// high bit of each octet flagging that another follows.
func (s *bitStream) readUint() (uint64, error) {
	var v uint64
	for shift := 0; shift < 63; shift += 7 {
		b, err := s.read(8)
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, s.fail("unsigned integer overflow")
}

// readIndex reads an n-bit compact identifier that must be below limit.
func (s *bitStream) readIndex(limit int) (int, error) {
	at := s.pos
	v, err := s.read(codeWidth(limit))
	if err != nil {
		return 0, err
	}
	if int(v) >= limit {
		return 0, &DecodeError{Bit: at, Reason: "index out of range"}
	}
	return int(v), nil
}
