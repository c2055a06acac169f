// Package tsutil builds MPEG-TS streams carrying confidentiality labels for
// the gen-labels tool and the demultiplexer tests.
package tsutil

// TSPacketSize is the fixed size of an MPEG-TS packet.
const TSPacketSize = 188

const (
	// StreamIDMetadata is the PES stream_id of a metadata stream.
	StreamIDMetadata = 0xFC
	// NullPID is the PID of null packets.
	NullPID = 0x1FFF
)

// Mux writes a single-program transport stream whose PMT announces one
// label stream. Continuity counters are kept per PID across calls.
type Mux struct {
	TransportStreamID uint16
	ProgramNumber     uint16
	PMTPID            uint16
	LabelPID          uint16
	// StreamType of the label entry in the PMT.
	StreamType uint8
	// FormatID is registered for the label entry. Zero omits the descriptor.
	FormatID uint32
	// MetadataDescriptor announces FormatID in a metadata descriptor (0x26)
	// instead of a registration descriptor (0x05).
	MetadataDescriptor bool
	// ExtraStreams are listed in the PMT before the label entry.
	ExtraStreams []Stream

	PATVersion uint8
	PMTVersion uint8

	cc map[uint16]byte
}

// Stream is a PMT entry without descriptors.
type Stream struct {
	PID        uint16
	StreamType uint8
}

// NewMux returns a Mux announcing a "4774" metadata PES stream.
func NewMux() *Mux {
	return &Mux{
		TransportStreamID: 1,
		ProgramNumber:     1,
		PMTPID:            0x1000,
		LabelPID:          0x0101,
		StreamType:        0x15,
		FormatID:          0x34373734,
	}
}

func (m *Mux) counter(pid uint16) *byte {
	if m.cc == nil {
		m.cc = make(map[uint16]byte)
	}
	c := m.cc[pid]
	return &c
}

func (m *Mux) packetize(data []byte, pid uint16) []byte {
	c := m.counter(pid)
	out := Packetize(data, pid, c)
	m.cc[pid] = *c
	return out
}

// PAT returns one packet carrying the program association section.
func (m *Mux) PAT() []byte {
	body := []byte{
		byte(m.ProgramNumber >> 8), byte(m.ProgramNumber),
		0xE0 | byte(m.PMTPID>>8), byte(m.PMTPID),
	}
	return m.packetize(PSIPayload(Section(0x00, m.TransportStreamID, m.PATVersion, body)), 0x0000)
}

// PMT returns the packets carrying the program map section.
func (m *Mux) PMT() []byte {
	body := []byte{
		0xE0 | byte(m.LabelPID>>8), byte(m.LabelPID), // PCR PID
		0xF0, 0x00, // program_info_length
	}
	for _, s := range m.ExtraStreams {
		body = append(body, esEntry(s.StreamType, s.PID, nil)...)
	}
	body = append(body, esEntry(m.StreamType, m.LabelPID, m.descriptor())...)
	return m.packetize(PSIPayload(Section(0x02, m.ProgramNumber, m.PMTVersion, body)), m.PMTPID)
}

func (m *Mux) descriptor() []byte {
	if m.FormatID == 0 {
		return nil
	}
	id := []byte{byte(m.FormatID >> 24), byte(m.FormatID >> 16), byte(m.FormatID >> 8), byte(m.FormatID)}
	if !m.MetadataDescriptor {
		return append([]byte{0x05, 4}, id...)
	}
	// metadata_application_format 0x0100, metadata_format 0xFF, the
	// identifier, service id 0 and no decoder config.
	d := []byte{0x01, 0x00, 0xFF}
	d = append(d, id...)
	d = append(d, 0x00, 0x0F)
	return append([]byte{0x26, byte(len(d))}, d...)
}

func esEntry(streamType uint8, pid uint16, descriptors []byte) []byte {
	return append([]byte{
		streamType,
		0xE0 | byte(pid>>8), byte(pid),
		0xF0 | byte(len(descriptors)>>8), byte(len(descriptors)),
	}, descriptors...)
}

// Label returns the packets of one PES access unit carrying unit on the
// label PID, with PES_packet_length set.
func (m *Mux) Label(unit []byte, pts int64) []byte {
	return m.packetize(BuildPES(metadataPESHeader(pts), unit), m.LabelPID)
}

// UnboundedLabel is Label with PES_packet_length zero, so the unit only ends
// at the next payload unit start.
func (m *Mux) UnboundedLabel(unit []byte, pts int64) []byte {
	pes := BuildPES(metadataPESHeader(pts), unit)
	pes[4], pes[5] = 0, 0
	return m.packetize(pes, m.LabelPID)
}

// Null returns a null packet.
func (m *Mux) Null() []byte {
	pkt := make([]byte, TSPacketSize)
	pkt[0] = 0x47
	pkt[1] = NullPID >> 8
	pkt[2] = NullPID & 0xFF
	pkt[3] = 0x10
	for i := 4; i < TSPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// Stream returns PAT, PMT and then one access unit per label.
func (m *Mux) Stream(labels ...[]byte) []byte {
	out := append(m.PAT(), m.PMT()...)
	for i, l := range labels {
		out = append(out, m.Label(l, int64(i)*90000)...)
	}
	return out
}

func metadataPESHeader(pts int64) []byte {
	return []byte{
		0x00, 0x00, 0x01, StreamIDMetadata,
		0x00, 0x00, // PES_packet_length, set by BuildPES
		0x84,       // marker, data_alignment_indicator
		0x80,       // PTS only
		0x05,
		0x21 | byte(pts>>29)&0x0E,
		byte(pts >> 22),
		0x01 | byte(pts>>14)&0xFE,
		byte(pts >> 7),
		0x01 | byte(pts<<1)&0xFE,
	}
}

// Section builds a long-form PSI section with section_number 0 of 0,
// current_next_indicator set and the CRC_32 appended.
func Section(tableID uint8, tableIDExt uint16, version uint8, body []byte) []byte {
	length := 5 + len(body) + 4
	sec := []byte{
		tableID,
		0xB0 | byte(length>>8), byte(length),
		byte(tableIDExt >> 8), byte(tableIDExt),
		0xC1 | (version&0x1F)<<1,
		0x00, 0x00,
	}
	sec = append(sec, body...)
	crc := CRC32MPEG(sec)
	return append(sec, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// PSIPayload prefixes a section with a zero pointer_field and pads it with
// 0xFF to a whole number of packet payloads.
func PSIPayload(section []byte) []byte {
	out := append([]byte{0x00}, section...)
	for len(out)%(TSPacketSize-4) != 0 {
		out = append(out, 0xFF)
	}
	return out
}

// CRC32MPEG computes the MPEG-2 CRC-32 (polynomial 0x04C11DB7, initial
// value all ones, no reflection, no final XOR).
func CRC32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// BuildPES reassembles a PES packet from its header and elementary stream
// data, updating the PES length field.
func BuildPES(pesHdr, esData []byte) []byte {
	pesLen := len(pesHdr) - 6 + len(esData)
	var pes []byte
	pes = append(pes, pesHdr...)
	if pesLen <= 0xFFFF {
		pes[4] = byte(pesLen >> 8)
		pes[5] = byte(pesLen)
	} else {
		pes[4] = 0
		pes[5] = 0
	}
	pes = append(pes, esData...)
	return pes
}

// Packetize splits data into 188-byte TS packets on the given PID, setting
// payload_unit_start on the first and stuffing the last through its
// adaptation field. cc is advanced once per packet.
func Packetize(data []byte, pid uint16, cc *byte) []byte {
	var result []byte
	offset := 0
	first := true

	for offset < len(data) {
		var pkt [TSPacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		remaining := len(data) - offset
		capacity := TSPacketSize - 4

		if remaining < capacity {
			stuffLen := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuffLen - 1)
			if stuffLen > 1 {
				pkt[5] = 0
				for i := 6; i < 4+stuffLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuffLen:], data[offset:])
			offset = len(data)
		} else {
			copy(pkt[4:], data[offset:offset+capacity])
			offset += capacity
		}

		result = append(result, pkt[:]...)
	}

	return result
}

// CorruptSync overwrites the sync byte of the n-th packet of ts.
func CorruptSync(ts []byte, n int) {
	ts[n*TSPacketSize] = 0x00
}

// DropPacket removes the n-th packet of ts.
func DropPacket(ts []byte, n int) []byte {
	out := append([]byte(nil), ts[:n*TSPacketSize]...)
	return append(out, ts[(n+1)*TSPacketSize:]...)
}

// Packets splits ts into its 188-byte packets.
func Packets(ts []byte) [][]byte {
	var out [][]byte
	for off := 0; off+TSPacketSize <= len(ts); off += TSPacketSize {
		out = append(out, ts[off:off+TSPacketSize])
	}
	return out
}
