package gateway

import (
	"context"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a running gateway is polled.
const DefaultWatchInterval = 30 * time.Second

// StatusSource is anything that can report gateway status; *Monitor does.
type StatusSource interface {
	Status(ctx context.Context) (Status, error)
}

// Watcher polls a gateway's status on an interval until stopped.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch polls src immediately and then every interval, handing each result
// to fn. fn must not call Stop on the same Watcher.
func Watch(parent context.Context, src StatusSource, interval time.Duration, fn func(Status, error)) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ctx, cancel := context.WithCancel(parent)
	w := &Watcher{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		poll := func() {
			st, err := src.Status(ctx)
			if ctx.Err() != nil {
				return
			}
			fn(st, err)
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				poll()
			}
		}
	}()
	return w
}

// Stop cancels polling and waits for the loop to exit. After Stop returns no
// further callbacks run. It is safe to call more than once.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(w.cancel)
	<-w.done
}

// Done is closed once the polling loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
