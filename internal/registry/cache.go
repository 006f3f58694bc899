package registry

import (
	"sort"
	"sync"

	"github.com/xaenox/helpdesk-bot/internal/models"
)

// Cache is the in-process view of every loaded tenant's channels. Writes go
// through Invalidate, full rebuilds through Reconcile. Every write bumps the
// tenant's generation so a rebuild read before the write cannot undo it.
type Cache struct {
	mu      sync.RWMutex
	tenants map[string]map[string]models.ChannelRegistration
	gens    map[string]uint64
}

func NewCache() *Cache {
	return &Cache{
		tenants: make(map[string]map[string]models.ChannelRegistration),
		gens:    make(map[string]uint64),
	}
}

// Lookup returns the cached registration. loaded is false when the tenant
// has never been loaded, in which case found is meaningless.
func (c *Cache) Lookup(tenant, channel string) (reg models.ChannelRegistration, loaded, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels, loaded := c.tenants[tenant]
	if !loaded {
		return models.ChannelRegistration{}, false, false
	}
	reg, found = channels[channel]
	return reg, true, found
}

// Generation returns the tenant's write generation. Take it before reading
// the store and hand it to Reconcile.
func (c *Cache) Generation(tenant string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[tenant]
}

// Invalidate pushes one write through. A nil registration removes the
// channel.
func (c *Cache) Invalidate(tenant, channel string, reg *models.ChannelRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[tenant]++
	channels, loaded := c.tenants[tenant]
	if !loaded {
		// the first read loads the whole tenant, this write included
		return
	}
	if reg == nil {
		delete(channels, channel)
		return
	}
	channels[channel] = *reg
}

// Reconcile replaces the tenant's cached channels with all, read from the
// store at generation gen. It reports false and changes nothing when a write
// was pushed through since.
func (c *Cache) Reconcile(tenant string, all map[string]models.ChannelRegistration, gen uint64) bool {
	channels := make(map[string]models.ChannelRegistration, len(all))
	for id, reg := range all {
		channels[id] = reg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[tenant] != gen {
		return false
	}
	c.tenants[tenant] = channels
	return true
}

// Tenants returns every loaded tenant, sorted
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.tenants))
	for t := range c.tenants {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
