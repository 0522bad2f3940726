package service

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names what happened to an experiment.
type EventType string

const (
	EventCreated   EventType = "created"
	EventProposed  EventType = "proposed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventLoaded    EventType = "loaded"
	EventSaved     EventType = "saved"
	EventDeleted   EventType = "deleted"
)

// TrialEvent is published on every experiment mutation.
type TrialEvent struct {
	ExperimentID string    `json:"experiment_id"`
	Type         EventType `json:"type"`
	TrialIndex   *int      `json:"trial_index,omitempty"`
	Score        *float64  `json:"score,omitempty"`
	BestScore    *float64  `json:"best_score,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventBroadcaster fans trial events out to subscribers per experiment.
// Slow subscribers miss events rather than block publishers.
type EventBroadcaster struct {
	mu        sync.RWMutex
	clients   map[string]map[chan TrialEvent]bool // experiment ID -> subscriber channels
	lastEvent map[string]TrialEvent               // replayed to new subscribers
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan TrialEvent]bool),
		lastEvent: make(map[string]TrialEvent),
	}
}

// Subscribe adds a client to receive events for an experiment. The last
// event, if any, is delivered immediately.
func (eb *EventBroadcaster) Subscribe(id string) chan TrialEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan TrialEvent, 16)

	if eb.clients[id] == nil {
		eb.clients[id] = make(map[chan TrialEvent]bool)
	}
	eb.clients[id][ch] = true

	if last, ok := eb.lastEvent[id]; ok {
		select {
		case ch <- last:
		default:
		}
	}

	slog.Debug("Event subscriber added", "experiment_id", id, "total_clients", len(eb.clients[id]))
	return ch
}

// Unsubscribe removes a client and closes its channel. It is a no-op when
// the channel was already closed by Close.
func (eb *EventBroadcaster) Unsubscribe(id string, ch chan TrialEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[id]
	if !ok || !clients[ch] {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, id)
	}

	slog.Debug("Event subscriber removed", "experiment_id", id)
}

// Broadcast sends an event to all subscribers of its experiment.
func (eb *EventBroadcaster) Broadcast(event TrialEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.lastEvent[event.ExperimentID] = event

	for ch := range eb.clients[event.ExperimentID] {
		select {
		case ch <- event:
		default:
			slog.Warn("Event channel full, skipping event", "experiment_id", event.ExperimentID, "type", event.Type)
		}
	}
}

// Close drops every subscriber of an experiment, closing their channels,
// and forgets its last event.
func (eb *EventBroadcaster) Close(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[id] {
		close(ch)
	}
	delete(eb.clients, id)
	delete(eb.lastEvent, id)
}

// Subscribers returns the number of subscribers for an experiment.
func (eb *EventBroadcaster) Subscribers(id string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.clients[id])
}
