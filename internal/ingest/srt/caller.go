package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/conflabel/internal/ingest"
)

// DialTimeout bounds the SRT handshake of a pull.
const DialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener to pull a feed from.
type PullRequest struct {
	Address string
	// Key is the feed key. It defaults to the stream ID without its
	// "live/" prefix, or "default".
	Key      string
	StreamID string
}

func (r PullRequest) key() string {
	if r.Key != "" {
		return r.Key
	}
	return extractStreamKey(r.StreamID)
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller dials remote SRT sources and streams them into the registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
	wg    sync.WaitGroup
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote listener, waiting at most DialTimeout for the
// handshake. On success the feed streams in the background until the
// remote ends it, Stop is called or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if req.Address == "" {
		return errors.New("srt: pull address is required")
	}
	key := req.key()

	c.mu.Lock()
	_, exists := c.pulls[key]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("srt: pull already active for feed %q", key)
	}

	c.log.Info("dialing", "address", req.Address, "feed", key)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	if req.StreamID != "" {
		cfg.StreamID = req.StreamID
	} else {
		cfg.StreamID = "live/" + key
	}

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("srt: dial %s: %w", req.Address, res.err)
		}
		return c.startStreaming(ctx, req, key, res.conn)
	case <-timer.C:
		go closeLate(ch)
		return fmt.Errorf("srt: dial %s timed out after %s", req.Address, DialTimeout)
	case <-ctx.Done():
		go closeLate(ch)
		return ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// closeLate closes a connection whose dial completed after we gave up.
func closeLate(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, key string, conn *srtgo.Conn) error {
	feed, w, err := c.registry.Register(key)
	if err != nil {
		conn.Close()
		return err
	}
	feed.SetRemoteAddr(req.Address)

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pulls[key] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "feed", key)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		stop := context.AfterFunc(pullCtx, func() { conn.Close() })
		defer stop()

		pump(pullCtx, c.log, conn, feed, w)

		conn.Close()
		cancel()
		st := feed.Stats()
		c.registry.Unregister(key)
		c.mu.Lock()
		delete(c.pulls, key)
		c.mu.Unlock()
		c.log.Info("pull ended", "feed", key,
			"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime", st.Uptime)
	}()
	return nil
}

// Stop ends the pull for key.
func (c *Caller) Stop(key string) error {
	c.mu.Lock()
	ap, ok := c.pulls[key]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("srt: no active pull for feed %q", key)
	}
	ap.cancel()
	return nil
}

// ActivePulls returns the active pulls sorted by key.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Wait blocks until every pull has ended.
func (c *Caller) Wait() {
	c.wg.Wait()
}
