package mpegts

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/conflabel/test/tools/tsutil"
)

// observe runs ts through a Reader into tr and counts label PID changes.
func observe(tr *ProgramTracker, ts []byte) int {
	changes := 0
	r := NewReader(func(p *Packet) {
		if tr.Observe(p) {
			changes++
		}
	})
	r.Write(ts)
	r.Flush()
	return changes
}

func psiPackets(pid uint16, section []byte) []byte {
	var cc byte
	return tsutil.Packetize(tsutil.PSIPayload(section), pid, &cc)
}

func TestTrackerLabelStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mux     func(m *tsutil.Mux)
		opts    []TrackerOption
		wantPID uint16
		found   bool
	}{
		{name: "registration descriptor", mux: func(m *tsutil.Mux) {}, wantPID: 0x0101, found: true},
		{name: "metadata descriptor", mux: func(m *tsutil.Mux) { m.MetadataDescriptor = true }, wantPID: 0x0101, found: true},
		{name: "after other streams", mux: func(m *tsutil.Mux) {
			m.ExtraStreams = []tsutil.Stream{{PID: 0x0100, StreamType: 0x1B}, {PID: 0x0102, StreamType: 0x15}}
		}, wantPID: 0x0101, found: true},
		{name: "missing format identifier", mux: func(m *tsutil.Mux) { m.FormatID = 0 }},
		{name: "other format identifier", mux: func(m *tsutil.Mux) { m.FormatID = 0x4B4C5641 }},
		{name: "private data stream type", mux: func(m *tsutil.Mux) { m.StreamType = StreamTypePrivateData }},
		{
			name:    "stream type only matcher",
			mux:     func(m *tsutil.Mux) { m.FormatID = 0; m.StreamType = StreamTypePrivateData },
			opts:    []TrackerOption{WithLabelStreamMatcher(LabelStreamMatcher{StreamType: StreamTypePrivateData})},
			wantPID: 0x0101,
			found:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := tsutil.NewMux()
			tt.mux(m)
			tr := NewProgramTracker(tt.opts...)
			changes := observe(tr, append(m.PAT(), m.PMT()...))

			pid, ok := tr.LabelPID()
			if ok != tt.found || pid != tt.wantPID {
				t.Errorf("LabelPID() = 0x%X, %v; want 0x%X, %v", pid, ok, tt.wantPID, tt.found)
			}
			wantChanges := 0
			if tt.found {
				wantChanges = 1
			}
			if changes != wantChanges {
				t.Errorf("label PID changed %d times, want %d", changes, wantChanges)
			}
		})
	}
}

func TestTrackerRoles(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	m.ExtraStreams = []tsutil.Stream{{PID: 0x0100, StreamType: 0x1B}}
	tr := NewProgramTracker()
	observe(tr, append(m.PAT(), m.PMT()...))

	roles := map[uint16]StreamRole{
		0x0000: RolePAT,
		0x1000: RolePMT,
		0x0100: RoleOther,
		0x0101: RoleLabel,
		0x0200: RoleUnknown,
	}
	for pid, want := range roles {
		if got := tr.Role(pid); got != want {
			t.Errorf("Role(0x%X) = %s, want %s", pid, got, want)
		}
	}

	want := []ElementaryStream{
		{PID: 0x0100, StreamType: 0x1B, Role: RoleOther},
		{PID: 0x0101, StreamType: 0x15, Role: RoleLabel, FormatIdentifier: FormatIdentifier4774},
	}
	if diff := cmp.Diff(want, tr.Streams()); diff != "" {
		t.Errorf("Streams() (-want +got):\n%s", diff)
	}
}

func TestTrackerVersions(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	tr := NewProgramTracker()

	ts := append(m.PAT(), m.PMT()...)
	ts = append(ts, m.PAT()...)
	ts = append(ts, m.PMT()...)
	if changes := observe(tr, ts); changes != 1 {
		t.Errorf("changes = %d for repeated tables, want 1", changes)
	}
	if diff := cmp.Diff(TrackerStats{PATVersions: 1, PMTVersions: 1}, tr.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}

	// Same version with a different label PID is ignored.
	m.LabelPID = 0x0300
	if changes := observe(tr, m.PMT()); changes != 0 {
		t.Errorf("changes = %d for unchanged version, want 0", changes)
	}
	if pid, _ := tr.LabelPID(); pid != 0x0101 {
		t.Errorf("LabelPID = 0x%X, want 0x0101", pid)
	}

	m.PMTVersion = 1
	if changes := observe(tr, m.PMT()); changes != 1 {
		t.Errorf("changes = %d for new version, want 1", changes)
	}
	if pid, _ := tr.LabelPID(); pid != 0x0300 {
		t.Errorf("LabelPID = 0x%X, want 0x0300", pid)
	}

	// A new version without a label stream clears it.
	m.PMTVersion = 2
	m.FormatID = 0
	if changes := observe(tr, m.PMT()); changes != 1 {
		t.Errorf("changes = %d when label stream removed, want 1", changes)
	}
	if _, ok := tr.LabelPID(); ok {
		t.Error("label stream still reported after removal")
	}
	if got := tr.Stats().PMTVersions; got != 3 {
		t.Errorf("PMTVersions = %d, want 3", got)
	}
}

func TestTrackerNotCurrent(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	pmt := tsutil.Section(0x02, 1, 0, []byte{0xE1, 0x01, 0xF0, 0x00, 0x15, 0xE1, 0x01, 0xF0, 0x06, 0x05, 0x04, '4', '7', '7', '4'})
	pmt[5] &^= 0x01
	crc := tsutil.CRC32MPEG(pmt[:len(pmt)-4])
	pmt[len(pmt)-4], pmt[len(pmt)-3], pmt[len(pmt)-2], pmt[len(pmt)-1] = byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc)

	tr := NewProgramTracker()
	observe(tr, append(m.PAT(), psiPackets(m.PMTPID, pmt)...))
	if _, ok := tr.LabelPID(); ok {
		t.Error("PMT with current_next_indicator 0 was applied")
	}
	if tr.Stats().PMTVersions != 0 {
		t.Errorf("PMTVersions = %d, want 0", tr.Stats().PMTVersions)
	}
}

func TestTrackerCRCError(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	pat := m.PAT()
	pat[4+1+8] ^= 0xFF // first program entry

	tr := NewProgramTracker()
	observe(tr, append(pat, m.PMT()...))
	if _, ok := tr.LabelPID(); ok {
		t.Error("label stream found through a corrupt PAT")
	}
	if got := tr.Stats().CRCErrors; got != 1 {
		t.Errorf("CRCErrors = %d, want 1", got)
	}
}

func TestTrackerProgramSelection(t *testing.T) {
	t.Parallel()

	pat := tsutil.Section(0x00, 1, 0, []byte{
		0x00, 0x00, 0xE0, 0x10, // network PID
		0x00, 0x05, 0xE2, 0x00, // program 5 on 0x200
		0x00, 0x07, 0xE3, 0x00, // program 7 on 0x300
	})
	pmt := func(program, labelPID uint16) []byte {
		return tsutil.Section(0x02, program, 0, []byte{
			0xE0 | byte(labelPID>>8), byte(labelPID), 0xF0, 0x00,
			0x15, 0xE0 | byte(labelPID>>8), byte(labelPID), 0xF0, 0x06, 0x05, 0x04, '4', '7', '7', '4',
		})
	}
	ts := psiPackets(0x0000, pat)
	ts = append(ts, psiPackets(0x0200, pmt(5, 0x0201))...)
	ts = append(ts, psiPackets(0x0300, pmt(7, 0x0301))...)

	tests := []struct {
		name    string
		opts    []TrackerOption
		wantPID uint16
		found   bool
	}{
		{name: "first program", wantPID: 0x0201, found: true},
		{name: "selected program", opts: []TrackerOption{WithProgramNumber(7)}, wantPID: 0x0301, found: true},
		{name: "absent program", opts: []TrackerOption{WithProgramNumber(9)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewProgramTracker(tt.opts...)
			observe(tr, ts)
			pid, ok := tr.LabelPID()
			if ok != tt.found || pid != tt.wantPID {
				t.Errorf("LabelPID() = 0x%X, %v; want 0x%X, %v", pid, ok, tt.wantPID, tt.found)
			}
		})
	}
}

func TestTrackerSectionAcrossPackets(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	for i := range 60 {
		m.ExtraStreams = append(m.ExtraStreams, tsutil.Stream{PID: 0x0400 + uint16(i), StreamType: 0x06})
	}
	pmt := m.PMT()
	if len(pmt) <= PacketSize {
		t.Fatalf("PMT fits one packet (%d bytes)", len(pmt))
	}

	tr := NewProgramTracker()
	observe(tr, append(m.PAT(), pmt...))
	if pid, ok := tr.LabelPID(); !ok || pid != 0x0101 {
		t.Errorf("LabelPID() = 0x%X, %v; want 0x0101", pid, ok)
	}
	if n := len(tr.Streams()); n != 61 {
		t.Errorf("%d streams, want 61", n)
	}
}

func TestSectionAssembler(t *testing.T) {
	t.Parallel()

	pat := func(version uint8) []byte {
		return tsutil.Section(0x00, 1, version, []byte{0x00, 0x01, 0xF0, 0x00})
	}
	packet := func(pusi bool, payload []byte) *Packet {
		p := &Packet{Payload: payload}
		p.Header.PayloadUnitStartIndicator = pusi
		return p
	}
	stuffed := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		for len(out) < 184 {
			out = append(out, 0xFF)
		}
		return out
	}

	t.Run("two sections in one packet", func(t *testing.T) {
		t.Parallel()
		var sa sectionAssembler
		payload := append([]byte{0x00}, pat(0)...)
		payload = append(payload, pat(1)...)
		got, malformed := sa.push(packet(true, stuffed(payload)))
		if diff := cmp.Diff([][]byte{pat(0), pat(1)}, got); diff != "" {
			t.Errorf("sections (-want +got):\n%s", diff)
		}
		if malformed != 0 {
			t.Errorf("malformed = %d", malformed)
		}
	})

	t.Run("pointer field finishes previous section", func(t *testing.T) {
		t.Parallel()
		var sa sectionAssembler
		first, second := pat(0), pat(1)
		got, _ := sa.push(packet(true, append([]byte{0x00}, first[:5]...)))
		if len(got) != 0 {
			t.Fatalf("incomplete section emitted")
		}
		payload := append([]byte{byte(len(first) - 5)}, first[5:]...)
		payload = append(payload, second...)
		got, _ = sa.push(packet(true, stuffed(payload)))
		if diff := cmp.Diff([][]byte{first, second}, got); diff != "" {
			t.Errorf("sections (-want +got):\n%s", diff)
		}
	})

	t.Run("loss drops partial section", func(t *testing.T) {
		t.Parallel()
		var sa sectionAssembler
		sec := pat(0)
		sa.push(packet(true, append([]byte{0x00}, sec[:5]...)))
		cont := packet(false, stuffed(sec[5:]))
		cont.Loss = true
		if got, _ := sa.push(cont); len(got) != 0 {
			t.Errorf("section completed across a loss: %x", got)
		}
	})

	t.Run("continuation without start ignored", func(t *testing.T) {
		t.Parallel()
		var sa sectionAssembler
		if got, m := sa.push(packet(false, stuffed(pat(0)))); len(got) != 0 || m != 0 {
			t.Errorf("got %d sections, %d malformed", len(got), m)
		}
	})

	t.Run("bad pointer field", func(t *testing.T) {
		t.Parallel()
		var sa sectionAssembler
		if _, m := sa.push(packet(true, []byte{0x10, 0x00})); m != 1 {
			t.Errorf("malformed = %d, want 1", m)
		}
	})
}

func TestCRC32MPEG(t *testing.T) {
	t.Parallel()
	// Check value of CRC-32/MPEG-2 for "123456789".
	if got := crc32MPEG([]byte("123456789")); got != 0x0376E6E7 {
		t.Errorf("crc32MPEG = 0x%08X, want 0x0376E6E7", got)
	}
	sec := tsutil.Section(0x00, 1, 0, []byte{0x00, 0x01, 0xF0, 0x00})
	if err := checkCRC(sec); err != nil {
		t.Errorf("checkCRC: %v", err)
	}
	sec[8] ^= 0x01
	if err := checkCRC(sec); err == nil {
		t.Error("checkCRC accepted a corrupted section")
	}
}

func TestFormatIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ds   []*Descriptor
		want uint32
	}{
		{"registration", []*Descriptor{{Tag: 0x05, Data: []byte("4774")}}, FormatIdentifier4774},
		{"metadata", []*Descriptor{{Tag: 0x26, Data: []byte{0x01, 0x00, 0xFF, '4', '7', '7', '4', 0x00}}}, FormatIdentifier4774},
		{"metadata with application id", []*Descriptor{{Tag: 0x26, Data: []byte{0xFF, 0xFF, 'A', 'B', 'C', 'D', 0xFF, '4', '7', '7', '4'}}}, FormatIdentifier4774},
		{"metadata without identifier", []*Descriptor{{Tag: 0x26, Data: []byte{0x01, 0x00, 0x10, 0x00}}}, 0},
		{"short registration", []*Descriptor{{Tag: 0x05, Data: []byte("47")}}, 0},
		{"language descriptor first", []*Descriptor{{Tag: 0x0A, Data: []byte("eng\x00")}, {Tag: 0x05, Data: []byte("4774")}}, FormatIdentifier4774},
		{"none", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatIdentifier(tt.ds); got != tt.want {
				t.Errorf("formatIdentifier = 0x%08X, want 0x%08X", got, tt.want)
			}
		})
	}
}

func TestParseDescriptorsTruncated(t *testing.T) {
	t.Parallel()
	ds := parseDescriptors([]byte{0x05, 0x04, '4', '7', '7', '4', 0x26, 0x09, 0x01})
	if len(ds) != 1 || ds[0].Tag != 0x05 {
		t.Errorf("got %d descriptors, want the complete registration descriptor only", len(ds))
	}
}
