package cache

import (
	"context"
	"sync"
	"time"

	"quotewatch/internal/quote"
	"quotewatch/internal/source"
)

type entry struct {
	expiresAt time.Time
	record    *quote.Record
}

// Source caches records per instrument code for a TTL. With several
// consumers polling the same instrument it collapses their fetches into
// one upstream call per TTL window. On upstream failure the last cached
// record is served, even past its TTL, instead of surfacing the error.
type Source struct {
	S        source.Source
	TTL      time.Duration
	MaxItems int

	mu    sync.RWMutex
	items map[string]entry // key: instrument code
}

func (c *Source) Name() string { return c.S.Name() }

func (c *Source) Fetch(ctx context.Context, inst source.Instrument) (*quote.Record, error) {
	if c.TTL <= 0 {
		return c.S.Fetch(ctx, inst)
	}
	key := inst.Code()
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.record, nil
	}

	rec, err := c.S.Fetch(ctx, inst)
	if err != nil {
		// The entry is expired by now, otherwise it would have been
		// served above; stale beats nothing.
		if ok {
			return e.record, nil
		}
		return nil, err
	}

	c.mu.Lock()
	if c.items == nil {
		c.items = make(map[string]entry)
	}
	c.items[key] = entry{expiresAt: now.Add(c.TTL), record: rec}
	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		// drop expired first, then arbitrary keys until under the cap
		for k, v := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if now.After(v.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
	return rec, nil
}
