// Package relay implements the bidirectional message relay (spec
// §4.5): source→target and target→source message/edit/delete sync,
// attachment re-hosting, reply resolution, and the per-channel
// ordering guarantee from spec §5 ("relay tasks per message MUST NOT
// run in parallel for the same channel").
package relay

import (
	"sync"
)

// Dispatcher serializes tasks keyed by channel id while letting tasks
// for different channels run concurrently — the simplest conforming
// design named in spec §5 ("a per-channel relay worker"). Each key
// gets one worker goroutine, created lazily on first use and kept for
// the process lifetime; the number of distinct channel ids is bounded
// by the number of bridged channels, so this never grows unbounded.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]chan func()
}

// NewDispatcher returns a ready Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{queues: make(map[string]chan func())}
}

// Submit enqueues fn to run after every previously submitted task for
// the same key, in submission order.
func (d *Dispatcher) Submit(key string, fn func()) {
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = make(chan func(), 256)
		d.queues[key] = q
		go worker(q)
	}
	d.mu.Unlock()

	q <- fn
}

func worker(q chan func()) {
	for fn := range q {
		fn()
	}
}
