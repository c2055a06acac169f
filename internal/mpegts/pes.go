package mpegts

import "fmt"

// pesPrefixSize covers packet_start_code_prefix, stream_id and PES_packet_length.
const pesPrefixSize = 6

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream ID carries the optional PES
// header. padding_stream (0xBE), private_stream_2 (0xBF), ECM (0xF0),
// EMM (0xF1), DSMCC (0xF2), H.222.1 type E (0xF8) and
// program_stream_directory (0xFF) do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePESHeader(b []byte) (*PESHeader, error) {
	if len(b) < pesPrefixSize {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(b))
	}
	if !isPESPayload(b) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	h := &PESHeader{
		StreamID:     b[3],
		PacketLength: int(b[4])<<8 | int(b[5]),
		HeaderLength: pesPrefixSize,
	}
	if !hasOptionalHeader(h.StreamID) {
		return h, nil
	}

	// b[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// b[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// b[8]: PES_header_data_length
	if len(b) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}
	if b[6]&0xC0 != 0x80 {
		return nil, fmt.Errorf("mpegts: PES optional header marker bits 0x%02X", b[6]>>6)
	}
	h.HeaderLength = 9 + int(b[8])
	if h.HeaderLength > len(b) {
		return nil, fmt.Errorf("mpegts: PES header length %d exceeds packet", h.HeaderLength)
	}

	if b[7]>>7&0x01 == 1 && len(b) >= 14 {
		h.PTS = parsePTS(b[9:14])
	}
	return h, nil
}

// parsePTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTS(bs []byte) *ClockReference {
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}
