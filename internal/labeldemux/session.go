// Package labeldemux extracts confidentiality labels from an MPEG-TS byte
// stream. A Session frames the input, follows the program tables to the
// label stream, rebuilds its access units and decodes each one to XML.
package labeldemux

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zsiec/conflabel/internal/exi"
	"github.com/zsiec/conflabel/internal/mpegts"
)

// DefaultQueueDepth is how many decoded labels a Session holds before it
// starts dropping the oldest.
const DefaultQueueDepth = 64

// Label is one decoded confidentiality label.
type Label struct {
	XML string
	// ObservedAt is when the label's access unit completed. It carries a
	// monotonic clock reading.
	ObservedAt time.Time
	PID        uint16
	// PTS is the presentation time stamp of the label's PES packet, nil
	// when the stream did not send one.
	PTS *mpegts.ClockReference
}

// Stats aggregates the counters of a Session and its stages.
type Stats struct {
	Reader    mpegts.ReaderStats
	Tracker   mpegts.TrackerStats
	Assembler mpegts.AssemblerStats

	Labels          int64
	DecodeErrors    int64
	QueueDrops      int64
	LabelPIDChanges int64
}

type config struct {
	log        *slog.Logger
	queueDepth int
	reader     []mpegts.ReaderOption
	tracker    []mpegts.TrackerOption
	assembler  []mpegts.AssemblerOption
}

// Option configures a Session.
type Option func(*config)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithQueueDepth bounds the number of labels waiting for TakeLabel.
func WithQueueDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueDepth = n
		}
	}
}

// WithPacketSize selects 188- or 204-byte transport packets.
func WithPacketSize(n int) Option {
	return func(c *config) {
		c.reader = append(c.reader, mpegts.WithPacketSize(n))
	}
}

// WithProgramNumber follows a specific program instead of the first one.
func WithProgramNumber(n uint16) Option {
	return func(c *config) {
		c.tracker = append(c.tracker, mpegts.WithProgramNumber(n))
	}
}

// WithLabelStreamMatcher changes how the label stream is recognised in the PMT.
func WithLabelStreamMatcher(m mpegts.LabelStreamMatcher) Option {
	return func(c *config) {
		c.tracker = append(c.tracker, mpegts.WithLabelStreamMatcher(m))
	}
}

// WithMaxUnitSize bounds the size of a label access unit.
func WithMaxUnitSize(n int) Option {
	return func(c *config) {
		c.assembler = append(c.assembler, mpegts.WithMaxUnitSize(n))
	}
}

// Session demultiplexes labels from one input. It is not safe for
// concurrent use; the packet callbacks run on the goroutine calling Ingest.
type Session struct {
	id  string
	log *slog.Logger
	now func() time.Time

	reader    *mpegts.Reader
	tracker   *mpegts.ProgramTracker
	assembler *mpegts.Assembler

	labelPID uint16
	hasLabel bool

	queue []Label
	depth int

	labels          int64
	decodeErrors    int64
	queueDrops      int64
	labelPIDChanges int64

	decodeLog rate.Sometimes
	streamLog rate.Sometimes
}

// New creates a Session with no input seen yet.
func New(opts ...Option) *Session {
	cfg := config{
		log:        slog.Default(),
		queueDepth: DefaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		id:        uuid.NewString(),
		now:       time.Now,
		tracker:   mpegts.NewProgramTracker(cfg.tracker...),
		assembler: mpegts.NewAssembler(cfg.assembler...),
		depth:     cfg.queueDepth,
		decodeLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		streamLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	s.log = cfg.log.With("component", "labeldemux", "session", s.id)
	s.reader = mpegts.NewReader(s.onPacket, cfg.reader...)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Ingest feeds the next chunk of the stream. Chunks may split packets
// anywhere; the labels produced do not depend on how the input is split.
func (s *Session) Ingest(buf []byte) {
	before := s.reader.Stats()
	s.reader.Write(buf)
	s.noteStreamFaults(before)
}

// Flush ends the input, completing a final packet or unbounded access unit
// that was waiting for more data.
func (s *Session) Flush() {
	before := s.reader.Stats()
	s.reader.Flush()
	s.noteStreamFaults(before)
	for _, unit := range s.assembler.Flush() {
		s.decode(unit)
	}
}

// HasLabelStream reports whether the current PMT announces a label stream.
func (s *Session) HasLabelStream() bool {
	return s.hasLabel
}

// LabelPID returns the label stream's PID when one has been identified.
func (s *Session) LabelPID() (uint16, bool) {
	return s.labelPID, s.hasLabel
}

// TakeLabel removes and returns the oldest decoded label.
func (s *Session) TakeLabel() (Label, bool) {
	if len(s.queue) == 0 {
		return Label{}, false
	}
	l := s.queue[0]
	s.queue[0] = Label{}
	s.queue = s.queue[1:]
	return l, true
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		Reader:          s.reader.Stats(),
		Tracker:         s.tracker.Stats(),
		Assembler:       s.assembler.Stats(),
		Labels:          s.labels,
		DecodeErrors:    s.decodeErrors,
		QueueDrops:      s.queueDrops,
		LabelPIDChanges: s.labelPIDChanges,
	}
}

func (s *Session) onPacket(p *mpegts.Packet) {
	if s.tracker.Observe(p) {
		s.labelPID, s.hasLabel = s.tracker.LabelPID()
		s.labelPIDChanges++
		s.assembler.Reset()
		if s.hasLabel {
			s.log.Info("label stream found", "pid", s.labelPID)
		} else {
			s.log.Warn("label stream removed from program")
		}
	}

	if !s.hasLabel || p.Header.PID != s.labelPID {
		return
	}
	for _, unit := range s.assembler.Feed(p) {
		s.decode(unit)
	}
}

func (s *Session) decode(unit mpegts.AccessUnit) {
	xml, err := exi.Decode(unit.Data)
	if err != nil {
		s.decodeErrors++
		s.decodeLog.Do(func() {
			s.log.Warn("label decode failed", "pid", s.labelPID, "bytes", len(unit.Data), "error", err)
		})
		return
	}

	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		s.queueDrops++
	}
	s.queue = append(s.queue, Label{XML: xml, ObservedAt: s.now(), PID: s.labelPID, PTS: unit.PTS})
	s.labels++
	if unit.PTS != nil {
		s.log.Debug("label decoded", "pid", s.labelPID, "bytes", len(unit.Data), "pts", unit.PTS.Duration())
	} else {
		s.log.Debug("label decoded", "pid", s.labelPID, "bytes", len(unit.Data))
	}
}

func (s *Session) noteStreamFaults(before mpegts.ReaderStats) {
	after := s.reader.Stats()
	lost := after.SyncLosses - before.SyncLosses
	gaps := after.ContinuityErrors - before.ContinuityErrors
	if lost == 0 && gaps == 0 {
		return
	}
	s.streamLog.Do(func() {
		s.log.Warn("transport stream damaged",
			"sync_losses", lost, "continuity_errors", gaps,
			"resync_bytes", after.ResyncBytes)
	})
}
