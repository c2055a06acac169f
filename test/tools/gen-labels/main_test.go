package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/test/tools/tsutil"
)

func TestSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       options
		wantLabels int
	}{
		{"continuous", options{count: 12, classification: "SECRET", nulls: 3}, 12},
		{"with gap", options{count: 12, classification: "SECRET", gapAfter: 4, gapLabels: 5}, 7},
		{"gap past end", options{count: 5, classification: "SECRET", gapAfter: 3, gapLabels: 10}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			segs, err := segments(tt.opts)
			require.NoError(t, err)
			require.Len(t, segs, tt.opts.count)

			s := labeldemux.New()
			for _, seg := range segs {
				assert.Zero(t, len(seg)%tsutil.TSPacketSize)
				s.Ingest(seg)
			}
			s.Flush()
			assert.True(t, s.HasLabelStream())
			assert.EqualValues(t, tt.wantLabels, s.Stats().Labels)
			assert.Zero(t, s.Stats().DecodeErrors)
		})
	}
}

func TestSegmentsCarryClassification(t *testing.T) {
	t.Parallel()
	segs, err := segments(options{count: 1, classification: "RESTRICTED", releasable: []string{"FRA"}})
	require.NoError(t, err)

	s := labeldemux.New()
	s.Ingest(bytes.Join(segs, nil))
	s.Flush()
	l, ok := s.TakeLabel()
	require.True(t, ok)
	assert.Contains(t, l.XML, "<Classification>RESTRICTED</Classification>")
	assert.Contains(t, l.XML, "<GenericValue>FRA</GenericValue>")
	assert.Contains(t, l.XML, "<CreationDateTime>2024-01-01T00:00:00Z</CreationDateTime>")
}
