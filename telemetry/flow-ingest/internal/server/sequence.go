package server

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultSequenceTTL      = 10 * time.Minute
	maxTrackedExportStreams = 100_000
)

// streamKey identifies one export stream. Sequence numbers are only
// comparable within a stream.
type streamKey struct {
	exporter string
	version  uint16
	sourceID uint32
}

// sequenceResult reports how a packet's sequence number compares to the one
// expected from the previous packet of its stream.
type sequenceResult struct {
	// Missing is how many sequence units (v5 flows, v9 packets) were skipped.
	Missing uint32
	// Reset is set when the sequence went backwards, typically after an
	// exporter restart or a reordered datagram.
	Reset bool
}

// sequenceTracker remembers the next expected sequence number of every export
// stream. Streams idle for longer than the TTL are forgotten, so a restarted
// exporter coming back after that is not reported as a reset.
type sequenceTracker struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[streamKey, uint32]
}

func newSequenceTracker(ttl time.Duration) *sequenceTracker {
	return &sequenceTracker{
		cache: ttlcache.New(
			ttlcache.WithTTL[streamKey, uint32](ttl),
			ttlcache.WithCapacity[streamKey, uint32](maxTrackedExportStreams),
		),
	}
}

// observe records h and compares it against the stream's expected sequence.
// IPFIX sequences count data records, which are unknown before template
// decoding, so IPFIX streams are not tracked.
func (t *sequenceTracker) observe(exporter string, h exportHeader) sequenceResult {
	var next uint32
	switch h.Version {
	case versionNetFlowV5:
		next = h.Sequence + uint32(h.Count)
	case versionNetFlowV9:
		next = h.Sequence + 1
	default:
		return sequenceResult{}
	}
	key := streamKey{exporter: exporter, version: h.Version, sourceID: h.SourceID}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Get returns the live item, which Set updates in place.
	item := t.cache.Get(key)
	if item == nil {
		t.cache.Set(key, next, ttlcache.DefaultTTL)
		return sequenceResult{}
	}
	expected := item.Value()
	t.cache.Set(key, next, ttlcache.DefaultTTL)

	delta := h.Sequence - expected
	switch {
	case delta == 0:
		return sequenceResult{}
	case delta < 1<<31:
		return sequenceResult{Missing: delta}
	default:
		return sequenceResult{Reset: true}
	}
}

func (t *sequenceTracker) len() int {
	return t.cache.Len()
}

func (t *sequenceTracker) start() { t.cache.Start() }
func (t *sequenceTracker) stop()  { t.cache.Stop() }
