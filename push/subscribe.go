package push

import "context"

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// stop closes the stream and releases the goroutine watching ctx. Callers
// hold subMu and remove the subscriber first, so it runs once.
func (s *subscriber) stop() {
	close(s.done)
	close(s.ch)
}

// Subscribe returns a stream of decoded events. The stream is buffered;
// when a subscriber falls behind, events for it are dropped and counted.
// It is closed when ctx ends or the channel is closed.
func (c *Channel) Subscribe(ctx context.Context) <-chan Event {
	sub := &subscriber{
		ch:   make(chan Event, c.cfg.Buffer),
		done: make(chan struct{}),
	}

	c.subMu.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.subMu.Unlock()
		sub.stop()
		return sub.ch
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = sub
	c.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			c.unsubscribe(id)
		case <-sub.done:
		}
	}()
	return sub.ch
}

func (c *Channel) unsubscribe(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		sub.stop()
	}
}

func (c *Channel) publish(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if len(c.subs) == 0 {
		c.log.Debug("push: no subscriber, event discarded", "kind", string(ev.Kind))
		c.dropped.Add(1)
		return
	}
	for id, sub := range c.subs {
		select {
		case sub.ch <- ev:
		default:
			c.dropped.Add(1)
			c.log.Warn("push: subscriber full, event dropped", "subscriber", id, "kind", string(ev.Kind))
		}
	}
}
