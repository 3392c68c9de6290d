package session

import (
	"sync"
	"time"
)

// Event payloads published by sessions and the registry. The hub and the
// notifier subscribe; everything crosses these channels by value so no
// subscriber can reach back into a Session.

type OutputEvent struct {
	SessionID string
	Content   []byte // post-processed screen with trailing cursor escape
}

type InputRequiredEvent struct {
	SessionID string
	InputType string // confirmation | selection | open_question
	Question  string
	Options   []string
	Timestamp time.Time
}

type ContextLimitEvent struct {
	SessionID string
	Message   string
}

type ExitEvent struct {
	SessionID string
}

// topic is a minimal observer registry: subscribers get a buffered channel
// and slow consumers drop events rather than block the publisher.
type topic[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func (t *topic[T]) Subscribe() chan T {
	ch := make(chan T, 64)
	t.mu.Lock()
	if t.subs == nil {
		t.subs = make(map[chan T]struct{})
	}
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *topic[T]) Unsubscribe(ch chan T) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

func (t *topic[T]) publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- v:
		default:
			// slow consumer, drop
		}
	}
}

// Topics is the registry-wide event surface. Sessions publish into the
// registry's Topics; the hub and notifier hold only this, never Sessions.
type Topics struct {
	Created       topic[Info]
	Updated       topic[Info]
	Killed        topic[string] // session id
	Output        topic[OutputEvent]
	InputRequired topic[InputRequiredEvent]
	ContextLimit  topic[ContextLimitEvent]
	Exit          topic[ExitEvent]
}
