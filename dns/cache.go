package dns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinylib/msgp/msgp"
	"golang.org/x/sync/singleflight"
)

// CacheConfig controls how long CachingResolver keeps answers.
type CacheConfig struct {
	// MinTTL and MaxTTL clamp the TTL reported by the upstream resolver.
	// Defaults are 1 minute and 1 hour.
	MinTTL time.Duration
	MaxTTL time.Duration

	// DefaultTTL is used when the upstream does not report a TTL.
	// Default is 5 minutes.
	DefaultTTL time.Duration

	// NegativeTTL is how long a "no such record" answer is cached.
	// Default is 1 minute. Temporary failures are never cached.
	NegativeTTL time.Duration

	// MaxEntries bounds the cache size. Default is 4096.
	MaxEntries int

	// UpstreamTimeout bounds a shared upstream query. The query does not
	// follow the cancellation of any single caller. Default is 30 seconds.
	UpstreamTimeout time.Duration
}

type cacheEntry struct {
	records   []string
	authentic bool
	notFound  bool
	expires   time.Time
}

// CachingResolver wraps a Resolver and caches TXT answers by TTL.
// Concurrent lookups of the same name share one upstream query.
type CachingResolver struct {
	upstream Resolver
	config   CacheConfig

	mu      sync.Mutex
	entries map[string]cacheEntry
	group   singleflight.Group

	now func() time.Time
}

var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver wraps upstream with a TTL cache.
func NewCachingResolver(upstream Resolver, config CacheConfig) *CachingResolver {
	if config.MinTTL == 0 {
		config.MinTTL = time.Minute
	}
	if config.MaxTTL == 0 {
		config.MaxTTL = time.Hour
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.NegativeTTL == 0 {
		config.NegativeTTL = time.Minute
	}
	if config.MaxEntries == 0 {
		config.MaxEntries = 4096
	}
	if config.UpstreamTimeout == 0 {
		config.UpstreamTimeout = 30 * time.Second
	}
	return &CachingResolver{
		upstream: upstream,
		config:   config,
		entries:  make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// LookupTXT returns a cached answer when one is fresh, and queries the
// upstream resolver otherwise. A caller whose ctx ends stops waiting; the
// shared query keeps running for the other callers.
func (c *CachingResolver) LookupTXT(ctx context.Context, name string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	fqdn := ensureAbsolute(name)

	if res, err, ok := c.get(fqdn); ok {
		return res, err
	}

	ch := c.group.DoChan(fqdn, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.UpstreamTimeout)
		defer cancel()
		res, err := c.upstream.LookupTXT(qctx, fqdn)
		c.store(fqdn, res, err)
		return res, err
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result)
		if r.Err != nil {
			return res, r.Err
		}
		res.Records = append([]string(nil), res.Records...)
		return res, nil
	}
}

func (c *CachingResolver) get(fqdn string) (Result, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fqdn]
	if !ok {
		return Result{}, nil, false
	}
	now := c.now()
	if !now.Before(e.expires) {
		delete(c.entries, fqdn)
		return Result{}, nil, false
	}
	if e.notFound {
		return Result{}, ErrDNSNotFound, true
	}
	return Result{
		Records:   append([]string(nil), e.records...),
		Authentic: e.authentic,
		TTL:       e.expires.Sub(now).Truncate(time.Second),
	}, nil, true
}

func (c *CachingResolver) store(fqdn string, res Result, err error) {
	var e cacheEntry
	now := c.now()
	switch {
	case err == nil:
		ttl := res.TTL
		if ttl == 0 {
			ttl = c.config.DefaultTTL
		}
		ttl = min(max(ttl, c.config.MinTTL), c.config.MaxTTL)
		e = cacheEntry{
			records:   append([]string(nil), res.Records...),
			authentic: res.Authentic,
			expires:   now.Add(ttl),
		}
	case IsNotFound(err):
		e = cacheEntry{notFound: true, expires: now.Add(c.config.NegativeTTL)}
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fqdn]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[fqdn] = e
}

// evictLocked drops expired entries, then the entry closest to expiry if the
// cache is still full.
func (c *CachingResolver) evictLocked(now time.Time) {
	var (
		oldest    string
		oldestExp time.Time
	)
	for name, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, name)
			continue
		}
		if oldest == "" || e.expires.Before(oldestExp) {
			oldest, oldestExp = name, e.expires
		}
	}
	if len(c.entries) >= c.config.MaxEntries && oldest != "" {
		delete(c.entries, oldest)
	}
}

// Len returns the number of cached names, including expired ones not yet
// evicted.
func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush removes every cached answer.
func (c *CachingResolver) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Snapshot encodes the unexpired cache contents as MessagePack.
func (c *CachingResolver) Snapshot() ([]byte, error) {
	c.mu.Lock()
	snap := cacheSnapshot{Entries: make([]snapshotEntry, 0, len(c.entries))}
	now := c.now()
	for name, e := range c.entries {
		if !now.Before(e.expires) {
			continue
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			Name:      name,
			Records:   e.records,
			Authentic: e.authentic,
			NotFound:  e.notFound,
			Expires:   e.expires,
		})
	}
	c.mu.Unlock()

	return snap.MarshalMsg(nil)
}

// Restore loads a snapshot produced by Snapshot. Entries that expired in the
// meantime are skipped. Existing entries with the same name are replaced.
func (c *CachingResolver) Restore(data []byte) error {
	var snap cacheSnapshot
	if _, err := snap.UnmarshalMsg(data); err != nil {
		return fmt.Errorf("dns: decoding cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, se := range snap.Entries {
		if !now.Before(se.Expires) {
			continue
		}
		if _, exists := c.entries[se.Name]; !exists && len(c.entries) >= c.config.MaxEntries {
			c.evictLocked(now)
		}
		c.entries[se.Name] = cacheEntry{
			records:   se.Records,
			authentic: se.Authentic,
			notFound:  se.NotFound,
			expires:   se.Expires,
		}
	}
	return nil
}

// cacheSnapshot is the serialized form of the cache: an array of entries,
// each encoded as a fixed-size array.
type cacheSnapshot struct {
	Entries []snapshotEntry
}

type snapshotEntry struct {
	Name      string
	Records   []string
	Authentic bool
	NotFound  bool
	Expires   time.Time
}

const snapshotEntryFields = 5

var (
	_ msgp.Marshaler   = cacheSnapshot{}
	_ msgp.Unmarshaler = (*cacheSnapshot)(nil)
)

// MarshalMsg implements msgp.Marshaler.
func (s cacheSnapshot) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendArrayHeader(b, uint32(len(s.Entries)))
	for _, e := range s.Entries {
		b = msgp.AppendArrayHeader(b, snapshotEntryFields)
		b = msgp.AppendString(b, e.Name)
		b = msgp.AppendArrayHeader(b, uint32(len(e.Records)))
		for _, r := range e.Records {
			b = msgp.AppendString(b, r)
		}
		b = msgp.AppendBool(b, e.Authentic)
		b = msgp.AppendBool(b, e.NotFound)
		b = msgp.AppendTime(b, e.Expires)
	}
	return b, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (s *cacheSnapshot) UnmarshalMsg(b []byte) ([]byte, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return b, msgp.WrapError(err, "Entries")
	}
	// Every element takes at least one byte, so larger counts are corrupt.
	if uint64(n) > uint64(len(b)) {
		return b, msgp.WrapError(msgp.ErrShortBytes, "Entries")
	}
	s.Entries = make([]snapshotEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e snapshotEntry
		var fields uint32
		fields, b, err = msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return b, msgp.WrapError(err, "Entries", i)
		}
		if fields != snapshotEntryFields {
			return b, msgp.ArrayError{Wanted: snapshotEntryFields, Got: fields}
		}
		if e.Name, b, err = msgp.ReadStringBytes(b); err != nil {
			return b, msgp.WrapError(err, "Entries", i, "Name")
		}
		var nrec uint32
		if nrec, b, err = msgp.ReadArrayHeaderBytes(b); err != nil {
			return b, msgp.WrapError(err, "Entries", i, "Records")
		}
		if uint64(nrec) > uint64(len(b)) {
			return b, msgp.WrapError(msgp.ErrShortBytes, "Entries", i, "Records")
		}
		e.Records = make([]string, nrec)
		for j := range e.Records {
			if e.Records[j], b, err = msgp.ReadStringBytes(b); err != nil {
				return b, msgp.WrapError(err, "Entries", i, "Records", j)
			}
		}
		if e.Authentic, b, err = msgp.ReadBoolBytes(b); err != nil {
			return b, msgp.WrapError(err, "Entries", i, "Authentic")
		}
		if e.NotFound, b, err = msgp.ReadBoolBytes(b); err != nil {
			return b, msgp.WrapError(err, "Entries", i, "NotFound")
		}
		if e.Expires, b, err = msgp.ReadTimeBytes(b); err != nil {
			return b, msgp.WrapError(err, "Entries", i, "Expires")
		}
		s.Entries = append(s.Entries, e)
	}
	return b, nil
}
