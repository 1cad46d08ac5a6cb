package broker

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// instrumentTTL is the cache lifetime before a lookup re-fetches via RPC
// (spec.md §4.3); cleared in full on environment switch (see
// Adapter.ClearInstrumentCache).
const instrumentTTL = time.Hour

// instrumentCache is a sharded, TTL-expiring cache of Instrument metadata,
// adapted from the teacher's pkg/cache/sharded_cache.go (ShardedPriceCache):
// same fnv32a shard-selection and per-shard RWMutex, generalized from a bare
// float64 price to the full Instrument record with explicit TTL.
type instrumentCache struct {
	shards [numShards]*instrumentShard
}

type instrumentShard struct {
	mu    sync.RWMutex
	items map[string]Instrument
}

func newInstrumentCache() *instrumentCache {
	c := &instrumentCache{}
	for i := range c.shards {
		c.shards[i] = &instrumentShard{items: make(map[string]Instrument)}
	}
	return c
}

func (c *instrumentCache) shardFor(key string) *instrumentShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func (c *instrumentCache) get(name string) (Instrument, bool) {
	shard := c.shardFor(name)
	shard.mu.RLock()
	inst, ok := shard.items[name]
	shard.mu.RUnlock()
	if !ok {
		return Instrument{}, false
	}
	if time.Since(inst.CachedAt) > instrumentTTL {
		return Instrument{}, false
	}
	return inst, true
}

func (c *instrumentCache) set(inst Instrument) {
	inst.CachedAt = time.Now()
	shard := c.shardFor(inst.Name)
	shard.mu.Lock()
	shard.items[inst.Name] = inst
	shard.mu.Unlock()
}

// clear drops every cached instrument; used on environment switch.
func (c *instrumentCache) clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.items = make(map[string]Instrument)
		shard.mu.Unlock()
	}
}
