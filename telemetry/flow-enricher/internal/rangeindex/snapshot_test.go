package rangeindex

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestTables(t *testing.T, country string, as AS) (*Table[string], *Table[AS]) {
	t.Helper()
	c, _ := NewTable([]Entry[string]{
		{Start: mustIP(t, "8.8.8.0"), End: mustIP(t, "8.8.8.255"), Value: country},
	})
	a, _ := NewTable([]Entry[AS]{
		{Start: mustIP(t, "8.8.8.0"), End: mustIP(t, "8.8.8.255"), Value: as},
	})
	return c, a
}

func TestTelemetry_FlowEnricher_RangeIndex_Snapshot_UnknownSentinels(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	snap := idx.Load()
	require.Equal(t, Unknown, snap.Country("8.8.8.8"))
	require.Equal(t, UnknownAS, snap.AS("8.8.8.8"))

	c, a := newTestTables(t, "US", AS{Number: "15169", Name: "Google"})
	snap = idx.Publish(c, a)

	require.Equal(t, "US", snap.Country("8.8.8.8"))
	require.Equal(t, AS{Number: "15169", Name: "Google"}, snap.AS("8.8.8.8"))

	require.Equal(t, Unknown, snap.Country("1.1.1.1"))
	require.Equal(t, AS{Number: "Unknown", Name: "Unknown"}, snap.AS("1.1.1.1"))

	for _, bad := range []string{"", "not-an-ip", "256.1.1.1", "8.8.8", "2001:db8::1"} {
		require.Equal(t, Unknown, snap.Country(bad), bad)
		require.Equal(t, UnknownAS, snap.AS(bad), bad)
	}
}

func TestTelemetry_FlowEnricher_RangeIndex_Index_PublishCarriesOtherTable(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	idx := NewIndex(WithIndexClock(clock))
	c, a := newTestTables(t, "US", AS{Number: "15169", Name: "Google"})
	first := idx.Publish(c, a)
	require.Equal(t, uint64(1), first.Generation())
	require.Equal(t, clock.Now(), first.LoadedAt())

	c2, _ := newTestTables(t, "CA", AS{})
	second := idx.PublishCountry(c2)
	require.Equal(t, uint64(2), second.Generation())
	require.Equal(t, "CA", second.Country("8.8.8.8"))
	require.Equal(t, "Google", second.AS("8.8.8.8").Name)

	_, a3 := newTestTables(t, "", AS{Number: "1", Name: "Other"})
	third := idx.PublishAS(a3)
	require.Equal(t, "CA", third.Country("8.8.8.8"))
	require.Equal(t, "Other", third.AS("8.8.8.8").Name)

	// Earlier snapshots are unaffected by later publishes.
	require.Equal(t, "US", first.Country("8.8.8.8"))
	require.Equal(t, "Google", second.AS("8.8.8.8").Name)
}

func TestTelemetry_FlowEnricher_RangeIndex_Index_ConcurrentReadersDuringRebuild(t *testing.T) {
	t.Parallel()

	idx := NewIndex()
	c, a := newTestTables(t, "gen-0", AS{Number: "0", Name: "gen-0"})
	idx.Publish(c, a)

	var (
		stop    atomic.Bool
		wg      sync.WaitGroup
		ready   sync.WaitGroup
		reads   atomic.Int64
		torn    atomic.Int64
		seen    sync.Map
		readers = 10
	)
	ready.Add(readers)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first := true
			for !stop.Load() {
				snap := idx.Load()
				country := snap.Country("8.8.8.8")
				as := snap.AS("8.8.8.8")
				// Both tables of one snapshot always come from the same build.
				if country != as.Name {
					torn.Add(1)
				}
				seen.Store(snap.Generation(), struct{}{})
				reads.Add(1)
				if first {
					ready.Done()
					first = false
				}
			}
		}()
	}
	// Every reader is running before the first publish.
	ready.Wait()

	for gen := 1; gen <= 200; gen++ {
		name := fmt.Sprintf("gen-%d", gen)
		c, a := newTestTables(t, name, AS{Number: fmt.Sprint(gen), Name: name})
		before := reads.Load()
		idx.Publish(c, a)
		// Let readers load the new snapshot before the next publish.
		require.Eventually(t, func() bool { return reads.Load() > before+int64(readers) }, 5*time.Second, 100*time.Microsecond)
	}
	stop.Store(true)
	wg.Wait()

	generations := 0
	seen.Range(func(any, any) bool { generations++; return true })
	require.Greater(t, generations, 2)
	require.Zero(t, torn.Load())
	require.Equal(t, "gen-200", idx.Load().Country("8.8.8.8"))
	require.Equal(t, uint64(201), idx.Load().Generation())
}

func TestTelemetry_FlowEnricher_RangeIndex_ParseFormatIPv4(t *testing.T) {
	t.Parallel()

	ip, ok := ParseIPv4("10.0.0.5")
	require.True(t, ok)
	require.Equal(t, uint32(0x0a000005), ip)
	require.Equal(t, "10.0.0.5", FormatIPv4(ip))

	_, ok = ParseIPv4("::ffff:10.0.0.5")
	require.False(t, ok)
}
