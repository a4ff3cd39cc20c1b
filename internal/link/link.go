package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// TelemetryCell holds the freshest snapshot. Reads never block.
type TelemetryCell struct {
	latest   atomic.Pointer[dragonpilot.TelemetrySnapshot]
	received atomic.Uint64
	dropped  atomic.Uint64
}

// Latest returns the current snapshot or a NoTelemetry error if none was ever stored.
func (c *TelemetryCell) Latest() (dragonpilot.TelemetrySnapshot, error) {
	snap := c.latest.Load()
	if snap == nil {
		return dragonpilot.TelemetrySnapshot{}, dragonpilot.NewNoTelemetryError()
	}
	return *snap, nil
}

// Publish stores snap unless its Seq is not newer than the current one.
func (c *TelemetryCell) Publish(snap dragonpilot.TelemetrySnapshot) bool {
	next := &snap
	for {
		cur := c.latest.Load()
		if cur != nil && snap.Seq <= cur.Seq {
			c.dropped.Add(1)
			return false
		}
		if c.latest.CompareAndSwap(cur, next) {
			c.received.Add(1)
			return true
		}
	}
}

// Stats returns how many snapshots were stored and dropped as stale.
func (c *TelemetryCell) Stats() (received, dropped uint64) {
	return c.received.Load(), c.dropped.Load()
}

// Link connects a transport to a telemetry cell and hands out one command handle.
type Link struct {
	transport Transport
	cell      *TelemetryCell
	claimed   atomic.Bool
	reconnect time.Duration
	logger    *slog.Logger
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) {
		l.logger = logger
	}
}

// WithReconnectInterval sets the delay between telemetry stream attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(l *Link) {
		if d > 0 {
			l.reconnect = d
		}
	}
}

// New creates a link over transport.
func New(transport Transport, options ...Option) *Link {
	l := &Link{
		transport: transport,
		cell:      &TelemetryCell{},
		reconnect: time.Second,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(l)
	}
	l.logger = l.logger.With("component", "link", "vendor", transport.Vendor())
	return l
}

// Telemetry returns the shared read-only cell.
func (l *Link) Telemetry() *TelemetryCell {
	return l.cell
}

// Commander claims the write handle. Only the first call succeeds.
func (l *Link) Commander() (*CommandHandle, error) {
	if !l.claimed.CompareAndSwap(false, true) {
		return nil, dragonpilot.NewInternalError(dragonpilot.StageSetup, "vehicle command handle already claimed", nil)
	}
	return &CommandHandle{transport: l.transport, logger: l.logger}, nil
}

// Run keeps the telemetry subscription alive until ctx is done, reconnecting after failures.
func (l *Link) Run(ctx context.Context) error {
	l.logger.Info("telemetry subscription starting")
	for {
		err := l.transport.Stream(ctx, func(snap dragonpilot.TelemetrySnapshot) {
			l.cell.Publish(snap)
		})
		if ctx.Err() != nil {
			l.logger.Info("telemetry subscription stopped")
			return nil
		}
		l.logger.Warn("telemetry stream ended, reconnecting", "error", err, "retry_in", l.reconnect)

		timer := time.NewTimer(l.reconnect)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// CommandHandle is the single writer to the vehicle.
type CommandHandle struct {
	mu        sync.Mutex
	transport Transport
	logger    *slog.Logger
}

// SendCommand encodes args for def and sends each resulting command in order.
// The first failure stops the sequence.
func (h *CommandHandle) SendCommand(ctx context.Context, def *dragonpilot.ToolDefinition, args dragonpilot.ValidatedArgs) (dragonpilot.CommandAck, error) {
	cmds, err := def.Encode(args)
	if err != nil {
		return dragonpilot.CommandAck{}, dragonpilot.NewError(dragonpilot.ErrCodeSchema, dragonpilot.StageDispatch,
			fmt.Sprintf("invalid arguments for '%s'", def.Name), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ack := dragonpilot.CommandAck{Tool: def.Name, Actions: make([]string, 0, len(cmds))}
	for _, cmd := range cmds {
		if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
			return ack, dragonpilot.NewLinkError("command interrupted", err)
		}
		if err := h.transport.Send(ctx, cmd); err != nil {
			h.logger.Warn("vehicle command failed", "tool", def.Name, "action", cmd.Action, "error", err)
			return ack, Normalize(def.Name, h.transport.Vendor(), err)
		}
		h.logger.Debug("vehicle command accepted", "tool", def.Name, "action", cmd.Action)
		ack.Actions = append(ack.Actions, cmd.Action)
	}
	ack.AcceptedAt = time.Now()
	return ack, nil
}

// Stop sends a safe stop action.
func (h *CommandHandle) Stop(ctx context.Context, action dragonpilot.VehicleCommand) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.transport.Send(ctx, action); err != nil {
		return Normalize(action.Action, h.transport.Vendor(), err)
	}
	h.logger.Info("stop action sent", "action", action.Action)
	return nil
}
