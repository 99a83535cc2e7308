// Package bucketing assigns audit events to partitions. A murmur3 hash of the
// user id keeps a given user's events on the same partition.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const DefaultEventBuckets = 16

type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(eventBuckets int) *Manager {
	if eventBuckets <= 0 {
		eventBuckets = DefaultEventBuckets
	}
	m := &Manager{eventBuckets: eventBuckets}
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return m
}

// EventBucket returns a consistent bucket for key in [0, eventBuckets).
func (m *Manager) EventBucket(key string) int {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(m.eventBuckets))
}

// DateBucket returns the date partition for an event timestamp.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
