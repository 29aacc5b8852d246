package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTelemetry_FlowIngest_Server_SequenceTracker(t *testing.T) {
	t.Parallel()

	v5 := func(seq uint32, count int) exportHeader {
		return exportHeader{Version: versionNetFlowV5, Count: count, Sequence: seq}
	}
	v9 := func(seq, source uint32) exportHeader {
		return exportHeader{Version: versionNetFlowV9, Count: 1, Sequence: seq, SourceID: source}
	}

	t.Run("v5 counts flows", func(t *testing.T) {
		t.Parallel()
		tr := newSequenceTracker(time.Minute)
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v5(100, 30)))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v5(130, 30)))
		require.Equal(t, sequenceResult{Missing: 30}, tr.observe("192.0.2.1", v5(190, 10)))
		require.Equal(t, sequenceResult{Reset: true}, tr.observe("192.0.2.1", v5(0, 10)))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v5(10, 10)))
	})

	t.Run("v9 counts packets per source id", func(t *testing.T) {
		t.Parallel()
		tr := newSequenceTracker(time.Minute)
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v9(7, 1)))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v9(500, 2)))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v9(8, 1)))
		require.Equal(t, sequenceResult{Missing: 2}, tr.observe("192.0.2.1", v9(503, 2)))
		require.Equal(t, 2, tr.len())
	})

	t.Run("exporters are independent", func(t *testing.T) {
		t.Parallel()
		tr := newSequenceTracker(time.Minute)
		tr.observe("192.0.2.1", v5(100, 1))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.2", v5(5000, 1)))
	})

	t.Run("sequence wraps", func(t *testing.T) {
		t.Parallel()
		tr := newSequenceTracker(time.Minute)
		tr.observe("192.0.2.1", v9(^uint32(0), 0))
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", v9(0, 0)))
	})

	t.Run("ipfix is not tracked", func(t *testing.T) {
		t.Parallel()
		tr := newSequenceTracker(time.Minute)
		h := exportHeader{Version: versionIPFIX, Count: -1, Sequence: 10}
		tr.observe("192.0.2.1", h)
		h.Sequence = 3
		require.Equal(t, sequenceResult{}, tr.observe("192.0.2.1", h))
		require.Zero(t, tr.len())
	})
}
