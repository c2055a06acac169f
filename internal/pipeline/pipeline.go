// Package pipeline drives one input through a label session: it reads the
// transport stream, writes every decoded label to a sink and refreshes the
// egress watchdog for labels that pass the filter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/internal/mpegts"
)

// ErrNoLabelStream is returned when the input carries no label stream.
var ErrNoLabelStream = errors.New("pipeline: no label stream")

const (
	// ReadSize is the size of each read from the input.
	ReadSize = mpegts.PacketSize * 49
	// DefaultDiscoveryPackets is how many packets may pass before an input
	// without a label stream is given up on.
	DefaultDiscoveryPackets = 1000
)

// Resetter is the part of the watchdog the pipeline drives.
type Resetter interface {
	Reset()
}

// LabelRecorder persists decoded labels.
type LabelRecorder interface {
	RecordLabel(session string, l labeldemux.Label, matched bool) error
}

// Recorders fans a label out to every recorder and joins their errors.
type Recorders []LabelRecorder

// RecordLabel records l with every recorder, even after one fails.
func (rs Recorders) RecordLabel(session string, l labeldemux.Label, matched bool) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordLabel(session, l, matched); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config tunes a Pipeline. Zero values take the package defaults.
type Config struct {
	// Name identifies the input in logs.
	Name string
	// Filter, when set, must match a label for it to refresh the watchdog.
	Filter *regexp.Regexp
	// Limit stops the run after this many labels. Zero reads everything.
	Limit            int
	DiscoveryPackets int
	Recorder         LabelRecorder
	Logger           *slog.Logger
}

// Result summarises a run.
type Result struct {
	LabelsRead    int
	LabelsMatched int
	PacketsRead   int64
	Session       labeldemux.Stats
}

// Pipeline bridges an input and a label session. It is single-use and not
// safe for concurrent use.
type Pipeline struct {
	cfg      Config
	log      *slog.Logger
	session  *labeldemux.Session
	watchdog Resetter
	sink     io.Writer

	labelsRead    int
	labelsMatched int
	streamSeen    bool

	recordLog rate.Sometimes
}

// New creates a Pipeline. watchdog and sink may be nil.
func New(cfg Config, session *labeldemux.Session, watchdog Resetter, sink io.Writer) *Pipeline {
	if cfg.DiscoveryPackets <= 0 {
		cfg.DiscoveryPackets = DefaultDiscoveryPackets
	}
	if sink == nil {
		sink = io.Discard
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		log:       log.With("component", "pipeline", "input", cfg.Name, "session", session.ID()),
		session:   session,
		watchdog:  watchdog,
		sink:      sink,
		recordLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Run reads r until EOF, the label limit, or ctx is cancelled. It returns
// ErrNoLabelStream when no label stream is found within the discovery
// window or by the end of the input. Cancellation is not an error.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Result, error) {
	buf := make([]byte, ReadSize)
	for {
		if ctx.Err() != nil {
			return p.result(), nil
		}

		n, err := r.Read(buf)
		if n > 0 {
			p.session.Ingest(buf[:n])
			done, derr := p.drain()
			if derr != nil || done {
				return p.result(), derr
			}
			if err := p.checkDiscovery(); err != nil {
				return p.result(), err
			}
		}

		switch {
		case errors.Is(err, io.EOF):
			p.session.Flush()
			if _, derr := p.drain(); derr != nil {
				return p.result(), derr
			}
			if !p.streamSeen {
				return p.result(), fmt.Errorf("%w in %s", ErrNoLabelStream, p.cfg.Name)
			}
			return p.result(), nil
		case err != nil:
			if ctx.Err() != nil {
				return p.result(), nil
			}
			return p.result(), fmt.Errorf("pipeline: read %s: %w", p.cfg.Name, err)
		}
	}
}

func (p *Pipeline) checkDiscovery() error {
	if p.session.HasLabelStream() {
		if !p.streamSeen {
			pid, _ := p.session.LabelPID()
			p.log.Info("label stream found", "pid", pid)
		}
		p.streamSeen = true
		return nil
	}
	if p.streamSeen {
		return nil
	}
	if packets := p.session.Stats().Reader.Packets; packets >= int64(p.cfg.DiscoveryPackets) {
		return fmt.Errorf("%w in %s after %d packets", ErrNoLabelStream, p.cfg.Name, packets)
	}
	return nil
}

// drain handles every queued label. It reports whether the limit was hit.
func (p *Pipeline) drain() (bool, error) {
	for {
		l, ok := p.session.TakeLabel()
		if !ok {
			return false, nil
		}
		p.streamSeen = true

		if _, err := io.WriteString(p.sink, l.XML+"\n"); err != nil {
			return true, fmt.Errorf("pipeline: write label: %w", err)
		}

		matched := p.cfg.Filter == nil || p.cfg.Filter.MatchString(l.XML)
		if matched {
			p.labelsMatched++
			if p.watchdog != nil {
				p.watchdog.Reset()
			}
		} else {
			p.log.Info("no match in label", "filter", p.cfg.Filter.String())
		}
		p.labelsRead++

		if p.cfg.Recorder != nil {
			if err := p.cfg.Recorder.RecordLabel(p.session.ID(), l, matched); err != nil {
				p.recordLog.Do(func() { p.log.Warn("audit record failed", "error", err) })
			}
		}

		if p.cfg.Limit > 0 && p.labelsRead >= p.cfg.Limit {
			return true, nil
		}
	}
}

func (p *Pipeline) result() Result {
	st := p.session.Stats()
	return Result{
		LabelsRead:    p.labelsRead,
		LabelsMatched: p.labelsMatched,
		PacketsRead:   st.Reader.Packets,
		Session:       st,
	}
}
