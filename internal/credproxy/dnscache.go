package credproxy

import (
	"context"
	"net"
	"sync"
	"time"
)

type dnsEntry struct {
	addrs   []string
	expires time.Time
	negative bool
}

// dnsCache sits in front of the resolver with a default positive TTL of 5
// minutes and negative TTL of 30 seconds, evicted on upstream connect
// failure so a transient bad entry does not wedge a host for its full TTL.
type dnsCache struct {
	mu          sync.Mutex
	entries     map[string]dnsEntry
	ttl         time.Duration
	negativeTTL time.Duration
	resolver    *net.Resolver
}

func newDNSCache(ttl, negativeTTL time.Duration) *dnsCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = 30 * time.Second
	}
	return &dnsCache{
		entries:     make(map[string]dnsEntry),
		ttl:         ttl,
		negativeTTL: negativeTTL,
		resolver:    net.DefaultResolver,
	}
}

// lookup resolves host, serving from cache when the entry has not expired.
func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[host]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		if entry.negative {
			return nil, &net.DNSError{Err: "cached negative lookup", Name: host, IsNotFound: true}
		}
		return entry.addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.entries[host] = dnsEntry{expires: time.Now().Add(c.negativeTTL), negative: true}
		return nil, err
	}
	c.entries[host] = dnsEntry{addrs: addrs, expires: time.Now().Add(c.ttl)}
	return addrs, nil
}

// evict drops a host's cached entry, called after an upstream connect
// failure so a stale address is not served again within its TTL.
func (c *dnsCache) evict(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}
