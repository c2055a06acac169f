package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/conflabel/internal/ingest"
)

// readBufferSize is ten SRT payloads of 7 transport packets each.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receive latency (120ms).
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one as a feed.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("srt: listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			s.log.Warn("rejecting publisher, feed key in use", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "feed", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	feed, w, err := s.registry.Register(key)
	if err != nil {
		s.log.Warn("publisher dropped", "feed", key, "error", err)
		return
	}
	feed.SetRemoteAddr(conn.RemoteAddr().String())

	pump(ctx, s.log, conn, feed, w)

	st := feed.Stats()
	s.registry.Unregister(key)
	s.log.Info("connection closed", "feed", key,
		"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime", st.Uptime)
}

// pump copies transport reads into the feed until either side ends.
func pump(ctx context.Context, log *slog.Logger, src io.Reader, feed *ingest.Feed, w io.Writer) {
	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := src.Read(buf)
		if n > 0 {
			feed.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("feed closed by pipeline", "feed", feed.Key, "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "feed", feed.Key, "error", err)
			}
			return
		}
	}
}

// extractStreamKey maps an SRT stream ID to a feed key.
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
