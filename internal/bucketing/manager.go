package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// Sharder maps identifiers onto a fixed number of shards with murmur3.
// The session store uses it to split its maps across independently locked
// shards so foreground operations and the sweeper contend less.
type Sharder struct {
	shards     int
	hasherPool sync.Pool
}

func NewSharder(shards int) *Sharder {
	if shards <= 0 {
		shards = 16
	}
	s := &Sharder{shards: shards}

	// Pool of hash functions to avoid allocation overhead
	s.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return s
}

// ShardFor returns a consistent shard index (0 to shards-1) for the key.
func (s *Sharder) ShardFor(key string) int {
	return int(s.getHash(key) % uint64(s.shards))
}

// Shards returns the configured shard count.
func (s *Sharder) Shards() int {
	return s.shards
}

func (s *Sharder) getHash(key string) uint64 {
	hasher := s.hasherPool.Get().(hash.Hash64)
	defer s.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
