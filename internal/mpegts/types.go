// Package mpegts frames MPEG-2 transport streams, tracks the program tables
// that describe them, and reassembles PES access units for a single PID.
//
// The pieces are independent and composed by the caller: a Reader turns raw
// bytes into Packets and hands each one to a callback, a ProgramTracker
// consumes PAT/PMT packets, and an Assembler rebuilds payload units.
package mpegts

import "time"

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte

	// Loss is set by the Reader when packets were lost on this PID before
	// this one (continuity counter gap or a dropped errored packet).
	Loss bool
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// StreamRole classifies what a PID carries.
type StreamRole int

const (
	RoleUnknown StreamRole = iota
	RolePAT
	RolePMT
	RoleLabel
	RoleOther
)

func (r StreamRole) String() string {
	switch r {
	case RolePAT:
		return "PAT"
	case RolePMT:
		return "PMT"
	case RoleLabel:
		return "LABEL"
	case RoleOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// ElementaryStream is one PMT entry of the selected program.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
	Role       StreamRole
	// FormatIdentifier is the registration or metadata format identifier
	// found in the ES descriptors, zero when none was present.
	FormatIdentifier uint32
}

// PATData contains a parsed Program Association Table section.
type PATData struct {
	TransportStreamID uint16
	Version           uint8
	CurrentNext       bool
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains a parsed Program Map Table section.
type PMTData struct {
	ProgramNumber     uint16
	Version           uint8
	CurrentNext       bool
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	Descriptors   []*Descriptor
}

// Descriptor is a raw MPEG-2 descriptor (tag, length, body).
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	StreamID     uint8
	PacketLength int
	// HeaderLength is the number of bytes before the PES payload, including
	// the optional header when the stream ID carries one.
	HeaderLength int
	PTS          *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// Duration converts the timestamp to time since the clock's zero.
func (c ClockReference) Duration() time.Duration {
	return time.Duration(c.Base) * time.Second / 90000
}

// AccessUnit is one reassembled PES payload.
type AccessUnit struct {
	Data []byte
	// PTS is the presentation time stamp of the PES packet, nil when the
	// header carries none.
	PTS *ClockReference
}
