package memshard

import "go.uber.org/atomic"

// Clock hands out cluster time. Shards of one cluster share a clock so
// timestamps are comparable across them.
type Clock struct {
	ts atomic.Uint64
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Next() uint64 {
	return c.ts.Inc()
}

func (c *Clock) Now() uint64 {
	return c.ts.Load()
}

// Advance moves the clock to at least ts.
func (c *Clock) Advance(ts uint64) {
	for {
		cur := c.ts.Load()
		if ts <= cur || c.ts.CompareAndSwap(cur, ts) {
			return
		}
	}
}
