package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/conflabel/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestPump(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	reg := ingest.NewRegistry(func(f *ingest.Feed) {
		b, _ := io.ReadAll(f.Reader())
		got <- b
	})
	feed, w, err := reg.Register("camera1")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x47, 0x1F, 0xFF, 0x10}, 5000)
	pump(context.Background(), slog.Default(), iotest.HalfReader(bytes.NewReader(payload)), feed, w)
	reg.Unregister("camera1")

	assert.Equal(t, payload, <-got)
	st := feed.Stats()
	assert.EqualValues(t, len(payload), st.BytesReceived)
	assert.Greater(t, st.ReadCount, int64(1))
}

func TestPumpStopsWhenPipelineQuits(t *testing.T) {
	t.Parallel()

	reg := ingest.NewRegistry(func(f *ingest.Feed) {
		f.CloseReader(errors.New("no label stream"))
	})
	feed, w, err := reg.Register("camera1")
	require.NoError(t, err)
	reg.Wait()

	done := make(chan struct{})
	go func() {
		pump(context.Background(), slog.Default(), endless{}, feed, w)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump kept copying after the pipeline quit")
	}
}

func TestPumpStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := ingest.NewRegistry(nil)
	feed, w, err := reg.Register("camera1")
	require.NoError(t, err)

	pump(ctx, slog.Default(), endless{}, feed, w)
	assert.Zero(t, feed.Stats().ReadCount)
}

type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x47
	}
	return len(p), nil
}
