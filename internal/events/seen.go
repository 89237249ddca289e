package events

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSeenCacheSize bounds the number of remembered event ids.
const DefaultSeenCacheSize = 100000

// seenCache remembers recently handled ids so repeats skip the database. It is
// an accelerator only: an evicted id falls through to the table's primary key.
type seenCache struct {
	ids *lru.Cache[string, struct{}]
}

func newSeenCache(size int) (*seenCache, error) {
	if size <= 0 {
		size = DefaultSeenCacheSize
	}
	ids, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &seenCache{ids: ids}, nil
}

func (c *seenCache) Contains(id string) bool {
	return c.ids.Contains(id)
}

func (c *seenCache) Mark(ids ...string) {
	for _, id := range ids {
		c.ids.Add(id, struct{}{})
	}
}

func (c *seenCache) Len() int {
	return c.ids.Len()
}
