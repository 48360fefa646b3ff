package async

import (
	"sync"
	"time"
)

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// Event reports a job lifecycle transition
type Event struct {
	JobID  int64     `json:"job_id"`
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// EventFor builds the event describing job's current status
func EventFor(job *Job, at time.Time) Event {
	return Event{
		JobID:  job.ID,
		Name:   job.Name,
		Status: job.Status,
		Error:  job.Error,
		At:     at.UTC(),
	}
}

// Emitter fans job events out to subscribers.
// Sends never block: a subscriber whose buffer is full misses events.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// Subscribe returns a buffered channel that receives job events.
// The caller is responsible for calling Unsubscribe when done.
func (e *Emitter) Subscribe() chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	e.subscribers = append(e.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel.
// The channel is NOT closed; the caller owns its lifecycle.
func (e *Emitter) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, sub := range e.subscribers {
		if sub == ch {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Emit sends ev to every subscriber
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
