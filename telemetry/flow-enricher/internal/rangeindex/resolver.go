package rangeindex

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheCapacity = 100_000
)

// Location is the resolved ownership of one address.
type Location struct {
	Country string
	AS      AS
}

var unknownLocation = Location{Country: Unknown, AS: UnknownAS}

type cacheKey struct {
	generation uint64
	addr       uint32
}

// Resolver answers both lookups for an address against a given snapshot.
// Results are cached per snapshot generation, so a cached answer is never
// served once a newer snapshot is being queried.
type Resolver struct {
	ttl      time.Duration
	capacity uint64
	disabled bool
	cache    *ttlcache.Cache[cacheKey, Location]
	metrics  *Metrics
}

type ResolverOption func(*Resolver)

func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

func WithCacheCapacity(capacity uint64) ResolverOption {
	return func(r *Resolver) {
		r.capacity = capacity
	}
}

// WithCacheDisabled makes every Resolve search the snapshot tables.
func WithCacheDisabled(disabled bool) ResolverOption {
	return func(r *Resolver) {
		r.disabled = disabled
	}
}

func WithResolverMetrics(metrics *Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		ttl:      defaultCacheTTL,
		capacity: defaultCacheCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if !r.disabled {
		r.cache = ttlcache.New(
			ttlcache.WithTTL[cacheKey, Location](r.ttl),
			ttlcache.WithCapacity[cacheKey, Location](r.capacity),
		)
	}
	return r
}

// Resolve returns the country and AS owning addr in snap. Malformed or
// unmatched addresses resolve to Unknown.
func (r *Resolver) Resolve(snap *Snapshot, addr string) Location {
	ip, ok := ParseIPv4(addr)
	loc := unknownLocation
	if ok {
		loc = r.resolve(snap, ip)
	}
	if loc.Country == Unknown {
		r.metrics.LookupMisses.WithLabelValues(TableCountry).Inc()
	}
	if loc.AS == UnknownAS {
		r.metrics.LookupMisses.WithLabelValues(TableAS).Inc()
	}
	return loc
}

func (r *Resolver) resolve(snap *Snapshot, ip uint32) Location {
	if r.cache == nil {
		return Location{Country: snap.CountryOf(ip), AS: snap.ASOf(ip)}
	}
	key := cacheKey{generation: snap.Generation(), addr: ip}
	if item := r.cache.Get(key); item != nil {
		r.metrics.CacheHits.Inc()
		return item.Value()
	}
	r.metrics.CacheMisses.Inc()
	loc := Location{Country: snap.CountryOf(ip), AS: snap.ASOf(ip)}
	r.cache.Set(key, loc, ttlcache.DefaultTTL)
	return loc
}

// Len reports the number of cached addresses.
func (r *Resolver) Len() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.Len()
}
