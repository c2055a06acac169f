package mpegts

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zsiec/conflabel/test/tools/tsutil"
)

const labelPID = 0x0101

// assemble frames ts with a Reader and feeds the label PID to an Assembler.
func assemble(ts []byte, opts ...AssemblerOption) ([][]byte, AssemblerStats) {
	a := NewAssembler(opts...)
	var units []AccessUnit
	r := NewReader(func(p *Packet) {
		if p.Header.PID == labelPID {
			units = append(units, a.Feed(p)...)
		}
	})
	r.Write(ts)
	r.Flush()
	units = append(units, a.Flush()...)
	return payloads(units), a.Stats()
}

func payloads(units []AccessUnit) [][]byte {
	var out [][]byte
	for _, u := range units {
		out = append(out, u.Data)
	}
	return out
}

// feedRaw parses packets directly, without continuity tracking.
func feedRaw(t *testing.T, a *Assembler, packets [][]byte) [][]byte {
	t.Helper()
	var units []AccessUnit
	for _, b := range packets {
		p, err := parsePacket(b)
		if err != nil {
			t.Fatal(err)
		}
		units = append(units, a.Feed(p)...)
	}
	return payloads(units)
}

func TestAssembler(t *testing.T) {
	t.Parallel()

	small := []byte("small unit")
	large := bytes.Repeat([]byte{0xA5}, 1000)
	exact := bytes.Repeat([]byte{0x33}, 184-14)

	tests := []struct {
		name      string
		build     func(m *tsutil.Mux) []byte
		want      [][]byte
		wantStats AssemblerStats
	}{
		{
			name:      "single packet",
			build:     func(m *tsutil.Mux) []byte { return m.Label(small, 0) },
			want:      [][]byte{small},
			wantStats: AssemblerStats{Units: 1},
		},
		{
			name:      "fills packet exactly",
			build:     func(m *tsutil.Mux) []byte { return m.Label(exact, 0) },
			want:      [][]byte{exact},
			wantStats: AssemblerStats{Units: 1},
		},
		{
			name:      "spans packets",
			build:     func(m *tsutil.Mux) []byte { return append(m.Label(large, 0), m.Label(small, 1)...) },
			want:      [][]byte{large, small},
			wantStats: AssemblerStats{Units: 2},
		},
		{
			name: "unbounded units end at next start and at flush",
			build: func(m *tsutil.Mux) []byte {
				return append(m.UnboundedLabel(large, 0), m.UnboundedLabel(small, 1)...)
			},
			want:      [][]byte{large, small},
			wantStats: AssemblerStats{Units: 2},
		},
		{
			name: "unbounded then bounded in one packet",
			build: func(m *tsutil.Mux) []byte {
				return append(m.UnboundedLabel(large, 0), m.Label(small, 1)...)
			},
			want:      [][]byte{large, small},
			wantStats: AssemblerStats{Units: 2},
		},
		{
			name: "loss discards unit in progress",
			build: func(m *tsutil.Mux) []byte {
				ts := tsutil.DropPacket(m.Label(large, 0), 2)
				return append(ts, m.Label(small, 1)...)
			},
			want:      [][]byte{small},
			wantStats: AssemblerStats{Units: 1, LossDiscards: 1},
		},
		{
			name: "loss on the start packet",
			build: func(m *tsutil.Mux) []byte {
				ts := tsutil.DropPacket(m.Label(large, 0), 0)
				return append(ts, m.Label(small, 1)...)
			},
			want:      [][]byte{small},
			wantStats: AssemblerStats{Units: 1},
		},
		{
			name:      "oversize",
			build:     func(m *tsutil.Mux) []byte { return append(m.Label(large, 0), m.Label(small, 1)...) },
			want:      [][]byte{small},
			wantStats: AssemblerStats{Units: 1, Oversize: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var opts []AssemblerOption
			if tt.name == "oversize" {
				opts = append(opts, WithMaxUnitSize(500))
			}
			units, stats := assemble(tt.build(tsutil.NewMux()), opts...)
			if diff := cmp.Diff(tt.want, units); diff != "" {
				t.Errorf("units (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantStats, stats); diff != "" {
				t.Errorf("stats (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAssemblerKeepsPTS(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	ts := append(m.Label([]byte("first"), 90000), m.UnboundedLabel(bytes.Repeat([]byte{0x02}, 400), 1<<32+45)...)

	a := NewAssembler()
	var units []AccessUnit
	r := NewReader(func(p *Packet) {
		if p.Header.PID == labelPID {
			units = append(units, a.Feed(p)...)
		}
	})
	r.Write(ts)
	r.Flush()
	units = append(units, a.Flush()...)

	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].PTS == nil || units[0].PTS.Base != 90000 || units[0].PTS.Duration() != time.Second {
		t.Errorf("first PTS = %+v", units[0].PTS)
	}
	if units[1].PTS == nil || units[1].PTS.Base != 1<<32+45 {
		t.Errorf("33-bit PTS = %+v, want %d", units[1].PTS, int64(1<<32+45))
	}

	private2 := NewAssembler()
	got := private2.Feed(&Packet{
		Header:  PacketHeader{PID: labelPID, PayloadUnitStartIndicator: true, HasPayload: true},
		Payload: []byte{0x00, 0x00, 0x01, 0xBF, 0x00, 0x02, 0x42, 0x43},
	})
	if len(got) != 1 || got[0].PTS != nil || string(got[0].Data) != "BC" {
		t.Errorf("private_stream_2 unit = %+v", got)
	}
}

func TestAssemblerTruncated(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	first := tsutil.Packets(m.Label(bytes.Repeat([]byte{0x01}, 600), 0))
	second := tsutil.Packets(m.Label([]byte("next"), 1))

	a := NewAssembler()
	units := feedRaw(t, a, append(first[:len(first)-1], second...))
	if diff := cmp.Diff([][]byte{[]byte("next")}, units); diff != "" {
		t.Errorf("units (-want +got):\n%s", diff)
	}
	if got := a.Stats().Truncated; got != 1 {
		t.Errorf("Truncated = %d, want 1", got)
	}
}

func TestAssemblerFlushDropsBoundedRemainder(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	packets := tsutil.Packets(m.Label(bytes.Repeat([]byte{0x01}, 600), 0))
	a := NewAssembler()
	feedRaw(t, a, packets[:2])
	if units := a.Flush(); len(units) != 0 {
		t.Errorf("Flush emitted %d incomplete units", len(units))
	}
	if got := a.Stats().Truncated; got != 1 {
		t.Errorf("Truncated = %d, want 1", got)
	}
	if units := a.Flush(); units != nil {
		t.Error("second Flush emitted units")
	}
}

func TestAssemblerMalformedStart(t *testing.T) {
	t.Parallel()

	a := NewAssembler()
	units := feedRaw(t, a, [][]byte{
		makePacket(labelPID, 0, false, []byte{0x00, 0x00, 0x01}), // no start yet
		makePacket(labelPID, 1, true, []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}),
	})
	if len(units) != 0 {
		t.Errorf("got %d units from garbage", len(units))
	}
	if diff := cmp.Diff(AssemblerStats{Malformed: 1}, a.Stats()); diff != "" {
		t.Errorf("stats (-want +got):\n%s", diff)
	}
}

func TestAssemblerReset(t *testing.T) {
	t.Parallel()

	m := tsutil.NewMux()
	packets := tsutil.Packets(m.Label(bytes.Repeat([]byte{0x01}, 600), 0))
	a := NewAssembler()
	feedRaw(t, a, packets[:2])
	a.Reset()
	if units := feedRaw(t, a, packets[2:]); len(units) != 0 {
		t.Errorf("unit completed after Reset")
	}
	if diff := cmp.Diff(AssemblerStats{}, a.Stats()); diff != "" {
		t.Errorf("Reset should not count (-want +got):\n%s", diff)
	}
}

func TestParsePESHeader(t *testing.T) {
	t.Parallel()

	pes := tsutil.BuildPES([]byte{0x00, 0x00, 0x01, 0xFC, 0, 0, 0x84, 0x80, 0x05, 0x21, 0x00, 0x05, 0xBF, 0x21}, []byte("x"))
	h, err := parsePESHeader(pes)
	if err != nil {
		t.Fatal(err)
	}
	if h.StreamID != 0xFC || h.HeaderLength != 14 || h.PacketLength != 9 {
		t.Errorf("header = %+v", h)
	}
	if h.PTS == nil || h.PTS.Base != 90000 {
		t.Errorf("PTS = %+v, want 90000", h.PTS)
	}

	private2 := []byte{0x00, 0x00, 0x01, 0xBF, 0x00, 0x01, 0x42}
	h, err = parsePESHeader(private2)
	if err != nil {
		t.Fatal(err)
	}
	if h.HeaderLength != 6 {
		t.Errorf("private_stream_2 HeaderLength = %d, want 6", h.HeaderLength)
	}

	bad := [][]byte{
		{0x00, 0x00},
		{0x00, 0x00, 0x02, 0xFC, 0x00, 0x00},
		{0x00, 0x00, 0x01, 0xFC, 0x00, 0x00, 0x40, 0x00, 0x00},
		{0x00, 0x00, 0x01, 0xFC, 0x00, 0x00, 0x80, 0x00, 0x20},
	}
	for _, b := range bad {
		if _, err := parsePESHeader(b); err == nil {
			t.Errorf("parsePESHeader(%x) succeeded", b)
		}
	}
}
