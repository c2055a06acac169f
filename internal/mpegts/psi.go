package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	pidPAT = 0x0000

	tableIDPAT = 0x00
	tableIDPMT = 0x02

	descriptorTagRegistration = 0x05
	descriptorTagMetadata     = 0x26

	// maxSectionLength is the largest section_length PAT and PMT may use.
	maxSectionLength = 1021
)

func sectionLength(b []byte) int {
	return int(b[1]&0x0F)<<8 | int(b[2])
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := checkCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32

	if len(data) < 12 { // minimum: 8 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PAT too short")
	}
	if data[0] != tableIDPAT || data[1]&0x80 == 0 {
		return nil, fmt.Errorf("mpegts: not a PAT section")
	}

	pat := &PATData{
		TransportStreamID: binary.BigEndian.Uint16(data[3:5]),
		Version:           data[5] >> 1 & 0x1F,
		CurrentNext:       data[5]&0x01 != 0,
	}

	entryEnd := len(data) - 4
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := binary.BigEndian.Uint16(data[i:])
		pmtPID := binary.BigEndian.Uint16(data[i+2:]) & 0x1FFF

		if programNumber == 0 {
			continue // network PID
		}

		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}

	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := checkCRC(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}

	// data layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32

	if len(data) < 16 { // minimum: 12 header + 4 CRC
		return nil, fmt.Errorf("mpegts: PMT too short")
	}
	if data[0] != tableIDPMT || data[1]&0x80 == 0 {
		return nil, fmt.Errorf("mpegts: not a PMT section")
	}

	pmt := &PMTData{
		ProgramNumber: binary.BigEndian.Uint16(data[3:5]),
		Version:       data[5] >> 1 & 0x1F,
		CurrentNext:   data[5]&0x01 != 0,
		PCRPID:        binary.BigEndian.Uint16(data[8:10]) & 0x1FFF,
	}

	end := len(data) - 4
	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength
	if offset > end {
		return nil, fmt.Errorf("mpegts: PMT program_info_length %d overruns section", programInfoLength)
	}

	for offset+5 <= end {
		streamType := data[offset]
		elementaryPID := binary.BigEndian.Uint16(data[offset+1:]) & 0x1FFF
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])
		offset += 5
		if offset+esInfoLength > end {
			return nil, fmt.Errorf("mpegts: PMT ES_info_length %d overruns section", esInfoLength)
		}

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
			Descriptors:   parseDescriptors(data[offset : offset+esInfoLength]),
		})
		offset += esInfoLength
	}

	return pmt, nil
}

// parseDescriptors splits a descriptor loop. A descriptor whose length runs
// past the loop ends it.
func parseDescriptors(b []byte) []*Descriptor {
	var ds []*Descriptor
	for len(b) >= 2 {
		n := int(b[1])
		if 2+n > len(b) {
			break
		}
		ds = append(ds, &Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return ds
}

// formatIdentifier returns the format identifier carried by a registration
// descriptor, or by a metadata descriptor with metadata_format 0xFF.
func formatIdentifier(ds []*Descriptor) uint32 {
	for _, d := range ds {
		switch d.Tag {
		case descriptorTagRegistration:
			if len(d.Data) >= 4 {
				return binary.BigEndian.Uint32(d.Data)
			}
		case descriptorTagMetadata:
			// metadata_application_format(16) [+ identifier(32) when 0xFFFF]
			// metadata_format(8) [+ metadata_format_identifier(32) when 0xFF]
			off := 2
			if len(d.Data) >= 2 && binary.BigEndian.Uint16(d.Data) == 0xFFFF {
				off += 4
			}
			if len(d.Data) >= off+5 && d.Data[off] == 0xFF {
				return binary.BigEndian.Uint32(d.Data[off+1:])
			}
		}
	}
	return 0
}
