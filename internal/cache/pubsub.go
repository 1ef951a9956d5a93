package cache

// Subscribe registers sub to channel; a connection that has subscribed
// to at least one channel is in spec §4.7's "subscribe-mode".
func (c *Cache) Subscribe(sub Subscriber, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.channels[channel]
	if !ok {
		set = make(map[Subscriber]struct{})
		c.channels[channel] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe removes sub from channel (or every channel, if channel is
// empty — used when a subscribed connection closes).
func (c *Cache) Unsubscribe(sub Subscriber, channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if channel != "" {
		delete(c.channels[channel], sub)
		return
	}
	for _, set := range c.channels {
		delete(set, sub)
	}
}

// Publish delivers payload to every subscriber of channel, returning the
// count delivered (spec §4.7: "PUBLISH ch msg ... returns the count
// delivered").
func (c *Cache) Publish(channel string, payload []byte) int {
	c.mu.Lock()
	subs := make([]Subscriber, 0, len(c.channels[channel]))
	for s := range c.channels[channel] {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Deliver(channel, payload)
	}
	return len(subs)
}
