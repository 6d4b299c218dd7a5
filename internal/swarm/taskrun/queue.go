package taskrun

import (
	"context"
	"sync"
	"time"

	"github.com/codeforge/swarmengine/internal/swarm/workflow"
)

// eventQueue is a single-producer/single-consumer, unbounded, in-memory
// event queue for one task. It is created at admission and closed exactly
// once when the workflow finishes; the SSE handler drains it with a bounded
// poll so client disconnects are noticed promptly without busy-waiting.
type eventQueue struct {
	mu     sync.Mutex
	items  []workflow.Event
	closed bool
	// notify is a buffered-by-one wakeup channel: a push or close sends on
	// it (non-blocking, since only the latest wakeup matters) and pull
	// selects on it alongside a timeout.
	notify       chan struct{}
	lastActivity time.Time
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify:       make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// push appends an event. Safe to call as the onEvent callback passed to
// Graph.Run.
func (q *eventQueue) push(e workflow.Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.lastActivity = time.Now()
	q.mu.Unlock()
	q.wake()
}

// close marks the stream finished; no further pushes are expected. Already
// buffered events still drain via pull.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// pull returns the next buffered event, or waits up to timeout for one to
// arrive, or reports the stream has ended once closed and drained.
func (q *eventQueue) pull(ctx context.Context, timeout time.Duration) (workflow.Event, PullResult) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, PullGotEvent
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return workflow.Event{}, PullEnded
		}

		select {
		case <-ctx.Done():
			return workflow.Event{}, PullTimeout
		case <-q.notify:
			continue
		case <-deadline.C:
			return workflow.Event{}, PullTimeout
		}
	}
}

func (q *eventQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) idleFor() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return time.Since(q.lastActivity)
}
