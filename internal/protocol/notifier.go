package protocol

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
)

// ProgressParams is the payload of a notifications/progress message.
type ProgressParams struct {
	Event string `json:"event"`
	dragonpilot.ProgressUpdate
}

// Notifier turns plan and step events into progress notifications and fans them
// out to every attached sink.
type Notifier struct {
	bus    eventbus.EventBus
	subID  string
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[string]func(Notification)
}

// NewNotifier subscribes to bus.
func NewNotifier(bus eventbus.EventBus, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		bus:    bus,
		logger: logger.With("component", "notifier"),
		sinks:  make(map[string]func(Notification)),
	}
	id, err := bus.SubscribeAll(n.onEvent)
	if err != nil {
		return nil, err
	}
	n.subID = id
	return n, nil
}

func (n *Notifier) onEvent(_ context.Context, evt eventbus.Event) error {
	update, ok := evt.Payload().(dragonpilot.ProgressUpdate)
	if !ok {
		return nil
	}
	msg := Notification{
		JSONRPC: "2.0",
		Method:  NotificationProgress,
		Params:  ProgressParams{Event: string(evt.Type()), ProgressUpdate: update},
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, sink := range n.sinks {
		sink(msg)
	}
	return nil
}

// Attach registers sink and returns a function that detaches it. Sinks are
// called from the event bus worker and must not block.
func (n *Notifier) Attach(sink func(Notification)) (detach func()) {
	id := uuid.New().String()
	n.mu.Lock()
	n.sinks[id] = sink
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.sinks, id)
		n.mu.Unlock()
	}
}

// Sinks returns the number of attached sinks.
func (n *Notifier) Sinks() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.sinks)
}

// Close unsubscribes from the bus.
func (n *Notifier) Close() error {
	return n.bus.Unsubscribe(n.subID)
}
