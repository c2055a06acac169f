// Package audit keeps a sqlite record of decoded labels and gate
// transitions.
package audit

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/internal/mpegts"
	"github.com/zsiec/conflabel/internal/watchdog"
)

// DB is an audit database. It embeds the sql.DB for Close and ad hoc
// queries.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens or creates the audit database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	// one writer; sqlite serialises anyway and :memory: is per connection
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS labels (
			label_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			pid INTEGER NOT NULL,
			observed_at INTEGER NOT NULL,
			matched INTEGER NOT NULL,
			pts INTEGER,
			xml TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS gate_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			at INTEGER NOT NULL,
			error TEXT
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &DB{DB: db, now: time.Now}, nil
}

// RecordLabel stores a decoded label. matched reports whether it passed the
// filter and refreshed the watchdog.
func (db *DB) RecordLabel(session string, l labeldemux.Label, matched bool) error {
	var pts sql.NullInt64
	if l.PTS != nil {
		pts = sql.NullInt64{Int64: l.PTS.Base, Valid: true}
	}
	_, err := db.Exec(
		"INSERT INTO labels (session, pid, observed_at, matched, pts, xml) VALUES (?, ?, ?, ?, ?, ?)",
		session, int(l.PID), l.ObservedAt.UnixNano(), matched, pts, l.XML)
	if err != nil {
		return fmt.Errorf("audit: record label: %w", err)
	}
	return nil
}

// RecordGate stores a gate action and its outcome.
func (db *DB) RecordGate(action string, gateErr error) error {
	var msg sql.NullString
	if gateErr != nil {
		msg = sql.NullString{String: gateErr.Error(), Valid: true}
	}
	_, err := db.Exec("INSERT INTO gate_events (action, at, error) VALUES (?, ?, ?)",
		action, db.now().UnixNano(), msg)
	if err != nil {
		return fmt.Errorf("audit: record gate: %w", err)
	}
	return nil
}

// LabelRecord is a stored label.
type LabelRecord struct {
	Session    string
	PID        uint16
	ObservedAt time.Time
	Matched    bool
	// PTS is nil when the label's PES packet had none.
	PTS        *mpegts.ClockReference
	XML        string
}

// Labels returns up to limit labels, newest first.
func (db *DB) Labels(limit int) ([]LabelRecord, error) {
	rows, err := db.Query(
		"SELECT session, pid, observed_at, matched, pts, xml FROM labels ORDER BY label_id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query labels: %w", err)
	}
	defer rows.Close()

	var out []LabelRecord
	for rows.Next() {
		var r LabelRecord
		var pid int
		var at int64
		var pts sql.NullInt64
		if err := rows.Scan(&r.Session, &pid, &at, &r.Matched, &pts, &r.XML); err != nil {
			return nil, err
		}
		r.PID = uint16(pid)
		if pts.Valid {
			r.PTS = &mpegts.ClockReference{Base: pts.Int64}
		}
		r.ObservedAt = time.Unix(0, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GateEvent is one recorded gate call. Error is empty when it succeeded.
type GateEvent struct {
	Action string
	At     time.Time
	Error  string
}

// GateEvents returns up to limit gate events, oldest first.
func (db *DB) GateEvents(limit int) ([]GateEvent, error) {
	rows, err := db.Query(
		"SELECT action, at, error FROM gate_events ORDER BY event_id ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query gate events: %w", err)
	}
	defer rows.Close()

	var out []GateEvent
	for rows.Next() {
		var e GateEvent
		var at int64
		var msg sql.NullString
		if err := rows.Scan(&e.Action, &at, &msg); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at)
		e.Error = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Gate wraps g so that every decision is recorded. Recording failures are
// counted and never change the gate's result.
func (db *DB) Gate(g watchdog.Gate) *Gate {
	return &Gate{db: db, next: g}
}

// Gate records every decision of the gate it wraps.
type Gate struct {
	db       *DB
	next     watchdog.Gate
	failures atomic.Int64
}

// Allow allows egress through the wrapped gate and records the outcome.
func (g *Gate) Allow() error { return g.record("allow", g.next.Allow()) }

// Deny denies egress through the wrapped gate and records the outcome.
func (g *Gate) Deny() error { return g.record("deny", g.next.Deny()) }

// RecordFailures returns how many decisions could not be written.
func (g *Gate) RecordFailures() int64 { return g.failures.Load() }

func (g *Gate) record(action string, err error) error {
	if rerr := g.db.RecordGate(action, err); rerr != nil {
		g.failures.Add(1)
	}
	return err
}
