// Package verifier decides, from telemetry alone, when a dispatched action has finished.
package verifier

import (
	"context"
	"log/slog"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// Terminal is the final outcome of a verification.
type Terminal int

const (
	Satisfied Terminal = iota
	TimedOut
	Impossible
)

func (t Terminal) String() string {
	switch t {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	case Impossible:
		return "impossible"
	}
	return "unknown"
}

// Request describes one in-flight action.
type Request struct {
	Def          *dragonpilot.ToolDefinition
	Args         dragonpilot.ValidatedArgs
	DispatchedAt time.Time
}

// Outcome is the terminal result of Verify.
type Outcome struct {
	Terminal    Terminal
	Reason      string
	Snapshot    *dragonpilot.TelemetrySnapshot
	Evaluations int
	Elapsed     time.Duration
}

// Verifier polls a telemetry source and evaluates completion predicates.
type Verifier struct {
	telemetry dragonpilot.TelemetrySource
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPollInterval sets how often telemetry is sampled.
func WithPollInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithClock replaces the wall clock used for timeouts.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// New creates a verifier reading from source.
func New(source dragonpilot.TelemetrySource, options ...Option) *Verifier {
	v := &Verifier{
		telemetry: source,
		interval:  100 * time.Millisecond,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, option := range options {
		option(v)
	}
	v.logger = v.logger.With("component", "verifier")
	return v
}

// Evaluate runs the predicate of def against one snapshot. It has no side effects.
func Evaluate(def *dragonpilot.ToolDefinition, args dragonpilot.ValidatedArgs, dispatchedAt time.Time, snap dragonpilot.TelemetrySnapshot) dragonpilot.Evaluation {
	return def.Predicate(dragonpilot.PredicateInput{
		Snapshot:     snap,
		Args:         args,
		Tolerance:    def.Tolerance,
		DispatchedAt: dispatchedAt,
	})
}

// Verify blocks until the predicate is satisfied or impossible, MaxWait elapses since
// dispatch, or ctx is done. On cancellation it returns ctx.Err().
// Snapshots are evaluated at most once per sequence number and never out of order.
func (v *Verifier) Verify(ctx context.Context, req Request) (Outcome, error) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	var (
		out      Outcome
		last     dragonpilot.Evaluation
		lastSeq  uint64
		seen     bool
		lastSnap dragonpilot.TelemetrySnapshot
	)
	last.Reason = "no telemetry received"

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		snap, err := v.telemetry.Latest()
		if err == nil && (!seen || snap.Seq > lastSeq) {
			last = Evaluate(req.Def, req.Args, req.DispatchedAt, snap)
			lastSeq, seen, lastSnap = snap.Seq, true, snap
			out.Evaluations++
			out.Snapshot = &lastSnap
		}

		out.Elapsed = v.now().Sub(req.DispatchedAt)
		out.Reason = last.Reason
		switch last.Verdict {
		case dragonpilot.VerdictSatisfied:
			out.Terminal = Satisfied
			return out, nil
		case dragonpilot.VerdictImpossible:
			out.Terminal = Impossible
			return out, nil
		}
		if out.Elapsed > req.Def.MaxWait {
			out.Terminal = TimedOut
			v.logger.Debug("verification timed out", "tool", req.Def.Name, "reason", last.Reason, "evaluations", out.Evaluations)
			return out, nil
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}
	}
}
