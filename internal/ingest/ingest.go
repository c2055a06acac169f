// Package ingest tracks live transport stream feeds and hands each one to
// the label pipeline through a pipe.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateKey is returned when a feed key is already active.
var ErrDuplicateKey = errors.New("ingest: feed key already active")

// FeedStats captures connection-level metrics for a feed.
type FeedStats struct {
	Key           string
	BytesReceived int64
	ReadCount     int64
	ConnectedAt   time.Time
	Uptime        time.Duration
	RemoteAddr    string
}

// Feed is an active live input. Bytes written by the transport side are
// read by the pipeline from the other end of an in-memory pipe.
type Feed struct {
	Key       string
	StartedAt time.Time

	pr   *io.PipeReader
	pw   *io.PipeWriter
	done chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one transport read of n bytes.
func (f *Feed) RecordRead(n int) {
	f.bytesReceived.Add(int64(n))
	f.readCount.Add(1)
}

// SetRemoteAddr records the peer address reported by Stats.
func (f *Feed) SetRemoteAddr(addr string) {
	f.remoteAddr.Store(addr)
}

// Done is closed when the feed is unregistered.
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Reader returns the pipeline side of the feed.
func (f *Feed) Reader() io.Reader {
	return f.pr
}

// CloseReader stops the pipeline side. Further transport writes fail, which
// ends the connection.
func (f *Feed) CloseReader(err error) {
	f.pr.CloseWithError(err)
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() FeedStats {
	addr, _ := f.remoteAddr.Load().(string)
	return FeedStats{
		Key:           f.Key,
		BytesReceived: f.bytesReceived.Load(),
		ReadCount:     f.readCount.Load(),
		ConnectedAt:   f.StartedAt,
		Uptime:        time.Since(f.StartedAt),
		RemoteAddr:    addr,
	}
}

// Registry tracks active feeds by key and dispatches each new feed to the
// onFeed callback, which runs on its own goroutine and owns the feed's
// reader until it returns.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]*Feed
	wg    sync.WaitGroup

	onFeed func(f *Feed)
}

// NewRegistry creates a Registry. onFeed may be nil.
func NewRegistry(onFeed func(f *Feed)) *Registry {
	return &Registry{
		feeds:  make(map[string]*Feed),
		onFeed: onFeed,
	}
}

// Register creates a feed under key and returns it with the writer the
// transport should copy into.
func (r *Registry) Register(key string) (*Feed, io.Writer, error) {
	pr, pw := io.Pipe()
	f := &Feed{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.feeds[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.feeds[key] = f
	r.mu.Unlock()

	if r.onFeed != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.onFeed(f)
			// unblock a writer still copying into a pipeline that gave up
			f.pr.Close()
		}()
	}
	return f, pw, nil
}

// Unregister removes the feed, ending its input with EOF.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	f, ok := r.feeds[key]
	if ok {
		delete(r.feeds, key)
	}
	r.mu.Unlock()

	if ok {
		f.pw.Close()
		close(f.done)
	}
}

// Get returns the active feed registered under key.
func (r *Registry) Get(key string) (*Feed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.feeds[key]
	return f, ok
}

// List returns the stats of every active feed, sorted by key.
func (r *Registry) List() []FeedStats {
	r.mu.RLock()
	out := make([]FeedStats, 0, len(r.feeds))
	for _, f := range r.feeds {
		out = append(out, f.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wait blocks until every onFeed callback has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
