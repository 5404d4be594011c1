package orchestrator

// Subscribe returns a channel that receives the current snapshot and then
// every change. Publishing never blocks: a subscriber that falls behind only
// sees the latest snapshot. The channel is closed by cancel or Close.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextSubID
	o.nextSubID++
	o.subs[id] = ch
	ch <- o.snapshotLocked()
	o.mu.Unlock()

	cancel := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (o *Orchestrator) publishLocked() {
	if len(o.subs) == 0 {
		return
	}
	snap := o.snapshotLocked()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Replace the stale snapshot.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
