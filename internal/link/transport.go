// Package link owns the connection to the vehicle: a single write handle for
// commands and a shared cell holding the freshest telemetry snapshot.
package link

import (
	"context"
	"fmt"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// Transport is the southbound connection to an autopilot or simulator.
type Transport interface {
	// Send delivers one command and returns once the vehicle acknowledged it.
	Send(ctx context.Context, cmd dragonpilot.VehicleCommand) error

	// Stream pushes telemetry snapshots to sink until ctx is done or the stream fails.
	Stream(ctx context.Context, sink func(dragonpilot.TelemetrySnapshot)) error

	// Vendor names the error table used to normalise refusals.
	Vendor() string
}

// Refusal is returned by transports when the vehicle explicitly declined a command.
type Refusal struct {
	Action string
	Token  string
	Detail string
}

func (r *Refusal) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s refused: %s", r.Action, r.Token)
	}
	return fmt.Sprintf("%s refused: %s (%s)", r.Action, r.Token, r.Detail)
}
