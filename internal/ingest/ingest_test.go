package ingest

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	feed, w, err := r.Register("camera1")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "camera1", feed.Key)

	got, ok := r.Get("camera1")
	require.True(t, ok)
	assert.Same(t, feed, got)

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryDuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	first, _, err := r.Register("camera1")
	require.NoError(t, err)

	_, _, err = r.Register("camera1")
	require.ErrorIs(t, err, ErrDuplicateKey)

	got, _ := r.Get("camera1")
	assert.Same(t, first, got, "duplicate must not replace the active feed")

	r.Unregister("camera1")
	_, _, err = r.Register("camera1")
	assert.NoError(t, err, "key is free again after unregister")
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	feed, _, err := r.Register("s1")
	require.NoError(t, err)

	r.Unregister("s1")
	r.Unregister("s1")
	r.Unregister("nonexistent")

	_, ok := r.Get("s1")
	assert.False(t, ok)

	select {
	case <-feed.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}

	_, err = feed.Reader().Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRegistryOnFeed(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	r := NewRegistry(func(f *Feed) {
		b, _ := io.ReadAll(f.Reader())
		got <- b
	})

	_, w, err := r.Register("cb")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	r.Unregister("cb")

	select {
	case b := <-got:
		assert.Equal(t, "payload", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("onFeed callback not called within timeout")
	}
	r.Wait()
}

// A pipeline that stops reading must not leave the transport blocked.
func TestRegistryOnFeedReturnUnblocksWriter(t *testing.T) {
	t.Parallel()

	r := NewRegistry(func(f *Feed) {})
	_, w, err := r.Register("quitter")
	require.NoError(t, err)
	r.Wait()

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestFeedCloseReader(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	feed, w, err := r.Register("s1")
	require.NoError(t, err)

	stop := errors.New("no label stream")
	feed.CloseReader(stop)
	_, err = w.Write([]byte{0x47})
	assert.ErrorIs(t, err, stop)
}

func TestFeedStats(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	feed, _, err := r.Register("s1")
	require.NoError(t, err)

	feed.RecordRead(100)
	feed.RecordRead(200)
	feed.SetRemoteAddr("192.168.1.1:5000")
	time.Sleep(10 * time.Millisecond)

	st := feed.Stats()
	assert.EqualValues(t, 300, st.BytesReceived)
	assert.EqualValues(t, 2, st.ReadCount)
	assert.Equal(t, "192.168.1.1:5000", st.RemoteAddr)
	assert.GreaterOrEqual(t, st.Uptime, 10*time.Millisecond)
	assert.False(t, st.ConnectedAt.IsZero())
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, k := range []string{"c", "a", "b"} {
		_, _, err := r.Register(k)
		require.NoError(t, err)
	}
	var keys []string
	for _, st := range r.List() {
		keys = append(keys, st.Key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("feed-%d", i)
			_, _, err := r.Register(key)
			assert.NoError(t, err)
			r.Get(key)
			r.List()
			r.Unregister(key)
		}()
	}
	wg.Wait()
	assert.Empty(t, r.List())
}
