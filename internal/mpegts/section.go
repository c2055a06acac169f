package mpegts

// sectionAssembler rebuilds PSI sections for one PID. Sections may span
// packets, several may share one packet, and 0xFF stuffing ends the packet.
type sectionAssembler struct {
	buf    []byte
	active bool
}

func (s *sectionAssembler) reset() {
	s.buf = s.buf[:0]
	s.active = false
}

// push adds a packet's payload and returns every section it completed.
func (s *sectionAssembler) push(p *Packet) (sections [][]byte, malformed int) {
	payload := p.Payload
	if p.Loss {
		s.reset()
	}

	if !p.Header.PayloadUnitStartIndicator {
		if !s.active {
			return nil, 0
		}
		s.buf = append(s.buf, payload...)
		return s.drain(nil, &malformed), malformed
	}

	if len(payload) < 1 {
		s.reset()
		return nil, 1
	}
	pointer := int(payload[0])
	if 1+pointer > len(payload) {
		s.reset()
		return nil, 1
	}

	// Bytes before the pointer finish the section already in progress.
	if s.active {
		s.buf = append(s.buf, payload[1:1+pointer]...)
		sections = s.drain(sections, &malformed)
	}
	s.reset()
	s.buf = append(s.buf, payload[1+pointer:]...)
	s.active = true
	return s.drain(sections, &malformed), malformed
}

func (s *sectionAssembler) drain(out [][]byte, malformed *int) [][]byte {
	for s.active && len(s.buf) > 0 {
		if s.buf[0] == 0xFF {
			s.reset()
			break
		}
		if len(s.buf) < 3 {
			break
		}
		// PAT and PMT set section_syntax_indicator; zero padding does not.
		if s.buf[1]&0x80 == 0 {
			s.reset()
			break
		}
		n := sectionLength(s.buf)
		if n > maxSectionLength {
			*malformed++
			s.reset()
			break
		}
		if len(s.buf) < 3+n {
			break
		}
		out = append(out, append([]byte(nil), s.buf[:3+n]...))
		s.buf = s.buf[3+n:]
	}
	return out
}
