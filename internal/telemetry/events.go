package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names the structured events the core emits.
type EventType string

const (
	EventOptimizationApplied EventType = "optimizationApplied"
	EventPerformanceAlert    EventType = "performanceAlert"
)

// Event is a structured observability event for the external dashboard.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Observer receives events. Implementations must not block; slow
// consumers should buffer internally.
type Observer interface {
	Notify(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(event Event) { f(event) }

// Notifier fans events out to subscribed observers. It replaces the
// ambient event bus of earlier designs with an explicit subscription
// surface owned by the component lifecycle.
type Notifier struct {
	mu        sync.RWMutex
	observers []Observer
	logger    *slog.Logger
}

// NewNotifier creates a notifier. A nil logger falls back to
// slog.Default().
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

// Subscribe registers an observer for all subsequent events.
func (n *Notifier) Subscribe(obs Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, obs)
}

// Emit delivers an event to every observer. A panicking observer is
// logged and skipped; emission never fails the caller.
func (n *Notifier) Emit(eventType EventType, fields map[string]any) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	n.mu.RLock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("observer_panic",
						slog.String("event", string(eventType)),
						slog.Any("panic", r))
				}
			}()
			obs.Notify(event)
		}()
	}

	n.logger.Info(string(eventType), slog.Any("fields", fields))
}
