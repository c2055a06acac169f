package mpegts

import (
	"errors"
	"slices"
)

const (
	// StreamTypeMetadataPES is stream_type 0x15, metadata carried in PES packets.
	StreamTypeMetadataPES = 0x15
	// StreamTypePrivateData is stream_type 0x06, PES packets with private data.
	StreamTypePrivateData = 0x06

	// FormatIdentifier4774 is the ASCII format identifier "4774" announcing
	// a STANAG 4774 confidentiality label stream.
	FormatIdentifier4774 = 0x34373734
)

// LabelStreamMatcher decides which PMT entry carries the confidentiality
// label. A zero FormatIdentifier matches on stream type alone.
type LabelStreamMatcher struct {
	StreamType       uint8
	FormatIdentifier uint32
}

// DefaultLabelStreamMatcher matches a metadata PES stream registered as "4774".
var DefaultLabelStreamMatcher = LabelStreamMatcher{
	StreamType:       StreamTypeMetadataPES,
	FormatIdentifier: FormatIdentifier4774,
}

// Matches reports whether an elementary stream is the label stream.
func (m LabelStreamMatcher) Matches(streamType uint8, formatID uint32) bool {
	if streamType != m.StreamType {
		return false
	}
	return m.FormatIdentifier == 0 || m.FormatIdentifier == formatID
}

// TrackerStats counts table events seen by a ProgramTracker.
type TrackerStats struct {
	PATVersions       int64
	PMTVersions       int64
	CRCErrors         int64
	MalformedSections int64
}

// ProgramTracker follows the PAT and the selected program's PMT and
// classifies the PIDs they describe. Tables are versioned: a repeated
// section with the version already held is ignored.
type ProgramTracker struct {
	matcher       LabelStreamMatcher
	programNumber uint16

	sections map[uint16]*sectionAssembler

	patVersion int
	pmtVersion int
	hasPMT     bool
	pmtPID     uint16
	program    uint16

	streams  []ElementaryStream
	hasLabel bool
	labelPID uint16

	stats TrackerStats
}

// TrackerOption configures a ProgramTracker.
type TrackerOption func(*ProgramTracker)

// WithLabelStreamMatcher overrides DefaultLabelStreamMatcher.
func WithLabelStreamMatcher(m LabelStreamMatcher) TrackerOption {
	return func(t *ProgramTracker) {
		t.matcher = m
	}
}

// WithProgramNumber follows the given program instead of the first one
// listed in the PAT. Zero restores the default.
func WithProgramNumber(n uint16) TrackerOption {
	return func(t *ProgramTracker) {
		t.programNumber = n
	}
}

// NewProgramTracker creates a tracker with no tables applied yet.
func NewProgramTracker(opts ...TrackerOption) *ProgramTracker {
	t := &ProgramTracker{
		matcher:    DefaultLabelStreamMatcher,
		sections:   make(map[uint16]*sectionAssembler),
		patVersion: -1,
		pmtVersion: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe feeds one packet. Packets on PIDs other than the PAT and the
// selected PMT are ignored. It reports whether the label PID changed.
func (t *ProgramTracker) Observe(p *Packet) bool {
	pid := p.Header.PID
	if pid != pidPAT && (!t.hasPMT || pid != t.pmtPID) {
		return false
	}

	sa, ok := t.sections[pid]
	if !ok {
		sa = &sectionAssembler{}
		t.sections[pid] = sa
	}

	sections, malformed := sa.push(p)
	t.stats.MalformedSections += int64(malformed)

	changed := false
	for _, sec := range sections {
		if t.apply(pid, sec) {
			changed = true
		}
	}
	return changed
}

func (t *ProgramTracker) apply(pid uint16, sec []byte) bool {
	switch {
	case pid == pidPAT && sec[0] == tableIDPAT:
		pat, err := parsePATSection(sec)
		if err != nil {
			t.countError(err)
			return false
		}
		t.applyPAT(pat)
		return false

	case t.hasPMT && pid == t.pmtPID && sec[0] == tableIDPMT:
		pmt, err := parsePMTSection(sec)
		if err != nil {
			t.countError(err)
			return false
		}
		return t.applyPMT(pmt)
	}
	return false
}

func (t *ProgramTracker) countError(err error) {
	if errors.Is(err, errCRC) {
		t.stats.CRCErrors++
	} else {
		t.stats.MalformedSections++
	}
}

func (t *ProgramTracker) applyPAT(pat *PATData) {
	if !pat.CurrentNext || t.patVersion == int(pat.Version) {
		return
	}
	t.patVersion = int(pat.Version)
	t.stats.PATVersions++

	prog := t.selectProgram(pat.Programs)
	if prog == nil {
		return
	}
	if t.hasPMT && prog.ProgramMapID == t.pmtPID && prog.ProgramNumber == t.program {
		return
	}

	if t.hasPMT {
		delete(t.sections, t.pmtPID)
	}
	t.hasPMT = true
	t.pmtPID = prog.ProgramMapID
	t.program = prog.ProgramNumber
	t.pmtVersion = -1
}

func (t *ProgramTracker) selectProgram(programs []*PATProgram) *PATProgram {
	for _, p := range programs {
		if t.programNumber == 0 || p.ProgramNumber == t.programNumber {
			return p
		}
	}
	return nil
}

func (t *ProgramTracker) applyPMT(pmt *PMTData) bool {
	if pmt.ProgramNumber != t.program || !pmt.CurrentNext || t.pmtVersion == int(pmt.Version) {
		return false
	}
	t.pmtVersion = int(pmt.Version)
	t.stats.PMTVersions++

	hadLabel, oldPID := t.hasLabel, t.labelPID
	t.hasLabel, t.labelPID = false, 0

	streams := make([]ElementaryStream, 0, len(pmt.ElementaryStreams))
	for _, es := range pmt.ElementaryStreams {
		s := ElementaryStream{
			PID:              es.ElementaryPID,
			StreamType:       es.StreamType,
			Role:             RoleOther,
			FormatIdentifier: formatIdentifier(es.Descriptors),
		}
		if !t.hasLabel && t.matcher.Matches(s.StreamType, s.FormatIdentifier) {
			s.Role = RoleLabel
			t.hasLabel, t.labelPID = true, s.PID
		}
		streams = append(streams, s)
	}
	t.streams = streams

	return hadLabel != t.hasLabel || oldPID != t.labelPID
}

// LabelPID returns the PID of the label stream, if one has been identified.
func (t *ProgramTracker) LabelPID() (uint16, bool) {
	return t.labelPID, t.hasLabel
}

// Role classifies a PID against the tables applied so far.
func (t *ProgramTracker) Role(pid uint16) StreamRole {
	switch {
	case pid == pidPAT:
		return RolePAT
	case t.hasPMT && pid == t.pmtPID:
		return RolePMT
	}
	for _, s := range t.streams {
		if s.PID == pid {
			return s.Role
		}
	}
	return RoleUnknown
}

// Streams returns the elementary streams of the current PMT version.
func (t *ProgramTracker) Streams() []ElementaryStream {
	return slices.Clone(t.streams)
}

// Stats returns a snapshot of the table counters.
func (t *ProgramTracker) Stats() TrackerStats {
	return t.stats
}
