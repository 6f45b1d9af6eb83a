// Package events is the in-process pub/sub bus connecting the submission
// pipeline and the training worker to their observers: the WebSocket event
// stream and the event-driven training trigger.
package events

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Type identifies an event on the bus.
type Type string

const (
	TypeScoreAccepted     Type = "score_accepted"
	TypeCheatDetected     Type = "cheat_detected"
	TypeEdgeCase          Type = "edge_case"
	TypeTrainingStarted   Type = "training_started"
	TypeTrainingCompleted Type = "training_completed"
	TypeModelActivated    Type = "model_activated"
)

// Event is one bus message. Only the fields relevant to the type are set;
// the struct is flat so it serializes directly onto the WebSocket stream.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	Player      string  `json:"player,omitempty"`
	Score       int     `json:"score,omitempty"`
	Kind        string  `json:"kind,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Probability float64 `json:"probability,omitempty"`
	EdgeType    string  `json:"edge_type,omitempty"`
	Version     string  `json:"version,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// Bus fans events out to channel subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event, which is acceptable for
// an observability stream and keeps the submission path latency-bounded.
type Bus struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		logger: logger.WithPrefix("events"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function unregisters and closes it; calling cancel more than once is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish stamps the event if needed and delivers it to every subscriber
// that has buffer space.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("subscriber buffer full, event dropped", "subscriber", id, "type", ev.Type)
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
