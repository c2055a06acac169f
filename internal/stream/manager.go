// Package stream runs a label pipeline per live feed and keeps the set of
// feeds being labelled, so several publishers can drive one watchdog.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/internal/pipeline"
)

// Stream is a feed being labelled.
type Stream struct {
	Key       string
	SessionID string
	StartedAt time.Time
	done      chan struct{}
}

// Done is closed when the stream's pipeline has finished.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Totals accumulates the results of finished streams.
type Totals struct {
	Streams       int
	LabelsRead    int
	LabelsMatched int
	PacketsRead   int64
	NoLabelStream int
}

// Config is shared by every stream a Manager runs.
type Config struct {
	// Pipeline is the template for each stream; Name is set to the key.
	Pipeline pipeline.Config
	Session  []labeldemux.Option
	Watchdog pipeline.Resetter
	// Sink receives the labels of every stream. Writes are serialised.
	Sink io.Writer
}

// Manager tracks active streams.
type Manager struct {
	log *slog.Logger
	cfg Config

	sinkMu sync.Mutex

	mu      sync.RWMutex
	streams map[string]*Stream
	totals  Totals
}

// NewManager creates a stream manager. If log is nil, slog.Default() is used.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		cfg:     cfg,
		streams: make(map[string]*Stream),
	}
}

// Create registers a stream. It returns false if key is already active.
func (m *Manager) Create(key, sessionID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	s := &Stream{
		Key:       key,
		SessionID: sessionID,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "session", sessionID)
	return s, true
}

// Remove unregisters a stream and folds res into the totals.
func (m *Manager) Remove(key string, res pipeline.Result, noLabelStream bool) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
		m.totals.Streams++
		m.totals.LabelsRead += res.LabelsRead
		m.totals.LabelsMatched += res.LabelsMatched
		m.totals.PacketsRead += res.PacketsRead
		if noLabelStream {
			m.totals.NoLabelStream++
		}
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", key,
			"labels", res.LabelsRead, "packets", res.PacketsRead)
	}
}

// List returns the active streams sorted by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// Totals returns the accumulated results of the streams that have ended.
func (m *Manager) Totals() Totals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totals
}

// Run labels r as the stream key until it ends or ctx is cancelled.
func (m *Manager) Run(ctx context.Context, key string, r io.Reader) (pipeline.Result, error) {
	session := labeldemux.New(m.cfg.Session...)
	if _, ok := m.Create(key, session.ID()); !ok {
		return pipeline.Result{}, fmt.Errorf("stream: %q is already being labelled", key)
	}

	cfg := m.cfg.Pipeline
	cfg.Name = key
	p := pipeline.New(cfg, session, m.cfg.Watchdog, &lockedWriter{mu: &m.sinkMu, w: m.cfg.Sink})
	res, err := p.Run(ctx, r)
	m.Remove(key, res, errors.Is(err, pipeline.ErrNoLabelStream))
	return res, err
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	if l.w == nil {
		return len(b), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}
