package rangeindex

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustIP(t *testing.T, s string) uint32 {
	t.Helper()
	ip, ok := ParseIPv4(s)
	require.True(t, ok, "invalid test address %q", s)
	return ip
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_Containment(t *testing.T) {
	t.Parallel()

	table, dropped := NewTable([]Entry[string]{
		{Start: mustIP(t, "8.8.8.0"), End: mustIP(t, "8.8.8.255"), Value: "US"},
		{Start: mustIP(t, "1.0.0.0"), End: mustIP(t, "1.0.0.255"), Value: "AU"},
		{Start: mustIP(t, "5.0.0.0"), End: mustIP(t, "5.255.255.255"), Value: "DE"},
	})
	require.Zero(t, dropped)
	require.Equal(t, 3, table.Len())

	tests := []struct {
		addr  string
		want  string
		found bool
	}{
		{"8.8.8.8", "US", true},
		{"8.8.8.0", "US", true},
		{"8.8.8.255", "US", true},
		{"8.8.9.0", "", false},
		{"8.8.7.255", "", false},
		{"1.0.0.1", "AU", true},
		{"5.128.0.1", "DE", true},
		{"0.0.0.0", "", false},
		{"255.255.255.255", "", false},
	}
	for _, tt := range tests {
		got, ok := table.Lookup(mustIP(t, tt.addr))
		require.Equal(t, tt.found, ok, tt.addr)
		require.Equal(t, tt.want, got, tt.addr)
	}
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_SingleAddressRange(t *testing.T) {
	t.Parallel()

	ip := mustIP(t, "9.9.9.9")
	table, _ := NewTable([]Entry[string]{{Start: ip, End: ip, Value: "CH"}})

	got, ok := table.Lookup(ip)
	require.True(t, ok)
	require.Equal(t, "CH", got)

	_, ok = table.Lookup(ip + 1)
	require.False(t, ok)
	_, ok = table.Lookup(ip - 1)
	require.False(t, ok)
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_OverlapTieBreak(t *testing.T) {
	t.Parallel()

	entries := []Entry[string]{
		{Start: 100, End: 500, Value: "wide"},
		{Start: 100, End: 200, Value: "narrow"},
		{Start: 100, End: 200, Value: "narrow-dup"},
		{Start: 50, End: 120, Value: "early"},
		{Start: 300, End: 310, Value: "inner"},
	}

	// Rebuilding from the same input must give the same answers.
	for range 3 {
		table, _ := NewTable(entries)

		got, _ := table.Lookup(60)
		require.Equal(t, "early", got)
		got, _ = table.Lookup(110)
		require.Equal(t, "early", got, "smaller start wins")
		got, _ = table.Lookup(150)
		require.Equal(t, "narrow", got, "equal start: smaller end then input order")
		got, _ = table.Lookup(305)
		require.Equal(t, "wide", got, "an earlier containing entry hides a later one")
		got, _ = table.Lookup(450)
		require.Equal(t, "wide", got)
		_, ok := table.Lookup(501)
		require.False(t, ok)
	}
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_DropsInvertedRanges(t *testing.T) {
	t.Parallel()

	table, dropped := NewTable([]Entry[string]{
		{Start: 10, End: 5, Value: "bad"},
		{Start: 1, End: 20, Value: "good"},
	})
	require.Equal(t, 1, dropped)
	require.Equal(t, 1, table.Len())

	got, ok := table.Lookup(7)
	require.True(t, ok)
	require.Equal(t, "good", got)
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_EmptyAndNil(t *testing.T) {
	t.Parallel()

	table, _ := NewTable[string](nil)
	_, ok := table.Lookup(1)
	require.False(t, ok)

	var nilTable *Table[string]
	_, ok = nilTable.Lookup(1)
	require.False(t, ok)
	require.Zero(t, nilTable.Len())
}

func TestTelemetry_FlowEnricher_RangeIndex_Table_MatchesLinearScan(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	entries := make([]Entry[int], 0, 500)
	for i := range 500 {
		start := rng.Uint32N(100_000)
		length := rng.Uint32N(5_000)
		entries = append(entries, Entry[int]{Start: start, End: start + length, Value: i})
	}
	table, _ := NewTable(entries)

	// Reference: first containing entry under (start, end, input order).
	ordered := append([]Entry[int](nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].End < ordered[j].End
	})
	linear := func(addr uint32) (int, bool) {
		for _, e := range ordered {
			if e.Start <= addr && addr <= e.End {
				return e.Value, true
			}
		}
		return 0, false
	}

	for range 5_000 {
		addr := rng.Uint32N(110_000)
		want, wantOK := linear(addr)
		got, ok := table.Lookup(addr)
		require.Equal(t, wantOK, ok, "addr %d", addr)
		require.Equal(t, want, got, "addr %d", addr)
	}
}
