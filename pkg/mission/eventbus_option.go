package mission

import "github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"

// WithEventBus sets the event bus the engine reads progress from and publishes
// acceptance and cancellation events on.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}
