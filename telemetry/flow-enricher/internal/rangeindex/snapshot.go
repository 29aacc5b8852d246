package rangeindex

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Unknown is returned for any attribute that could not be resolved.
const Unknown = "Unknown"

// AS identifies an autonomous system. Number is kept in its textual form so
// the unresolved sentinel can share the type.
type AS struct {
	Number string
	Name   string
}

// UnknownAS is the AS returned when no range contains an address.
var UnknownAS = AS{Number: Unknown, Name: Unknown}

// Snapshot is an immutable pair of country and AS tables. All lookups for a
// single flow record should be made against one Snapshot.
type Snapshot struct {
	country    *Table[string]
	as         *Table[AS]
	generation uint64
	loadedAt   time.Time
}

func (s *Snapshot) Generation() uint64 { return s.generation }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

func (s *Snapshot) CountryEntries() int { return s.country.Len() }
func (s *Snapshot) ASEntries() int      { return s.as.Len() }

// Country returns the country code owning addr, or Unknown.
func (s *Snapshot) Country(addr string) string {
	ip, ok := ParseIPv4(addr)
	if !ok {
		return Unknown
	}
	return s.CountryOf(ip)
}

func (s *Snapshot) CountryOf(ip uint32) string {
	if c, ok := s.country.Lookup(ip); ok {
		return c
	}
	return Unknown
}

// AS returns the autonomous system owning addr, or UnknownAS.
func (s *Snapshot) AS(addr string) AS {
	ip, ok := ParseIPv4(addr)
	if !ok {
		return UnknownAS
	}
	return s.ASOf(ip)
}

func (s *Snapshot) ASOf(ip uint32) AS {
	if as, ok := s.as.Lookup(ip); ok {
		return as
	}
	return UnknownAS
}

// Index publishes the current Snapshot. Readers call Load without locking;
// writers build a complete replacement and publish it with a single store.
type Index struct {
	current atomic.Pointer[Snapshot]
	// mu serializes publishers so a country reload and an AS reload running
	// at the same time cannot drop each other's table.
	mu    sync.Mutex
	clock clockwork.Clock
}

type IndexOption func(*Index)

func WithIndexClock(clock clockwork.Clock) IndexOption {
	return func(i *Index) {
		i.clock = clock
	}
}

// NewIndex returns an Index holding an empty snapshot, for which every lookup
// resolves to Unknown.
func NewIndex(opts ...IndexOption) *Index {
	idx := &Index{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(idx)
	}
	idx.current.Store(&Snapshot{})
	return idx
}

// Load returns the current snapshot.
func (i *Index) Load() *Snapshot {
	return i.current.Load()
}

// Publish replaces both tables.
func (i *Index) Publish(country *Table[string], as *Table[AS]) *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.publishLocked(country, as)
}

// PublishCountry replaces the country table and carries the AS table over.
func (i *Index) PublishCountry(country *Table[string]) *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.publishLocked(country, i.current.Load().as)
}

// PublishAS replaces the AS table and carries the country table over.
func (i *Index) PublishAS(as *Table[AS]) *Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.publishLocked(i.current.Load().country, as)
}

func (i *Index) publishLocked(country *Table[string], as *Table[AS]) *Snapshot {
	prev := i.current.Load()
	next := &Snapshot{
		country:    country,
		as:         as,
		generation: prev.generation + 1,
		loadedAt:   i.clock.Now(),
	}
	i.current.Store(next)
	return next
}

// ParseIPv4 parses a dotted quad into its numeric value.
func ParseIPv4(s string) (uint32, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// FormatIPv4 renders a numeric IPv4 address as a dotted quad.
func FormatIPv4(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b).String()
}
