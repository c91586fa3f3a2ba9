// Package eventbus implements the per-job event stream for the indexing
// daemon.
//
// Design:
//   - One bounded queue per (job, subscriber); capacity 5000 events.
//   - Publish is non-blocking and never blocks the producer: when a
//     subscriber's queue is full the OLDEST pending event is evicted first
//     (drop-oldest), so a slow consumer misses middle events but always
//     receives the most recent ones, in publish order.
//   - Sequence numbers are job-local, assigned at publish time under the job
//     lock, strictly increasing and never reused. Gaps are visible to
//     consumers only through drops, never through reordering.
//   - FormatSSE renders an event as a server-sent-events text frame.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultQueueSize is the per-subscriber pending-event bound.
const DefaultQueueSize = 5000

// Event is a single published event on a job's stream.
type Event struct {
	TS      int64          `json:"ts"`
	Seq     uint64         `json:"seq"`
	JobID   string         `json:"job_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Subscription is a live consumer of one job's events. Receive from C until
// it is closed; call Close when done to detach from the bus.
type Subscription struct {
	C <-chan Event

	bus   *Bus
	jobID string
	ch    chan Event
	once  sync.Once
}

// Close detaches the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.jobID, s.ch)
		close(s.ch)
	})
}

// Bus is the in-memory event bus. Safe for concurrent use.
type Bus struct {
	mu    sync.Mutex
	jobs  map[string]*jobStream
	size  int
	clock func() int64
}

type jobStream struct {
	seq  uint64
	subs []chan Event
}

// New returns a Bus with the default per-subscriber queue size.
func New() *Bus {
	return NewWithSize(DefaultQueueSize)
}

// NewWithSize returns a Bus with a custom queue size; used by tests to force
// overflow with few events.
func NewWithSize(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		jobs:  make(map[string]*jobStream),
		size:  size,
		clock: func() int64 { return time.Now().Unix() },
	}
}

// Publish assigns the next sequence number for jobID and delivers the event to
// every subscriber without ever blocking. Returns the published event so the
// caller can persist it. Delivery happens under the bus lock: sends never
// block (full queues evict their oldest entry), and releasing the lock
// between seq assignment and delivery would let concurrent publishers
// interleave out of order on a subscriber channel.
func (b *Bus) Publish(jobID, eventType string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	js := b.stream(jobID)
	js.seq++
	ev := Event{
		TS:      b.clock(),
		Seq:     js.seq,
		JobID:   jobID,
		Type:    eventType,
		Payload: payload,
	}

	for _, ch := range js.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Queue full: evict the oldest pending event and retry. The
				// loop terminates because eviction frees a slot and no other
				// sender can fill it while this publisher holds the lock.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
	return ev
}

// Subscribe registers a consumer for jobID's events. Events published before
// the subscription are not replayed; callers needing history read the events
// table instead.
func (b *Bus) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, b.size)
	b.mu.Lock()
	js := b.stream(jobID)
	js.subs = append(js.subs, ch)
	b.mu.Unlock()
	return &Subscription{C: ch, bus: b, jobID: jobID, ch: ch}
}

// LastSeq returns the most recently assigned sequence number for jobID
// (0 if nothing was published yet).
func (b *Bus) LastSeq(jobID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if js, ok := b.jobs[jobID]; ok {
		return js.seq
	}
	return 0
}

// Drop forgets a job's stream. Existing subscriptions stop receiving events
// but remain valid until closed.
func (b *Bus) Drop(jobID string) {
	b.mu.Lock()
	delete(b.jobs, jobID)
	b.mu.Unlock()
}

func (b *Bus) stream(jobID string) *jobStream {
	js, ok := b.jobs[jobID]
	if !ok {
		js = &jobStream{}
		b.jobs[jobID] = js
	}
	return js
}

func (b *Bus) unsubscribe(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for i, sub := range js.subs {
		if sub == ch {
			js.subs = append(js.subs[:i], js.subs[i+1:]...)
			return
		}
	}
}

// FormatSSE renders an event as a text/event-stream frame: "data: <json>\n\n".
func FormatSSE(ev Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		// Payloads are maps of JSON-safe values; marshal failure means a
		// programming error upstream. Emit a minimal frame rather than tearing
		// down the stream.
		return fmt.Sprintf("data: {\"ts\":%d,\"seq\":%d,\"job_id\":%q,\"type\":%q}\n\n",
			ev.TS, ev.Seq, ev.JobID, ev.Type)
	}
	return "data: " + string(data) + "\n\n"
}
