package executor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

const meterName = "github.com/ZanzyTHEbar/dragonpilot/executor"

// ExecutorMetrics tracks statistics about plan execution.
type ExecutorMetrics struct {
	PlansExecuted    int
	PlansCompleted   int
	PlansAborted     int
	PlansFailed      int
	StepsDispatched  int
	StepsCompleted   int
	StepsFailed      int
	StepsTimedOut    int
	StepsImpossible  int
	StepsAborted     int
	StopActions      int
	TotalDuration    time.Duration
	LongestStepTime  time.Duration
	ShortestStepTime time.Duration

	mu sync.Mutex // Protects metrics updates

	instruments *instruments
}

// instruments mirror the counters to the global OpenTelemetry meter.
type instruments struct {
	plans        metric.Int64Counter
	dispatches   metric.Int64Counter
	steps        metric.Int64Counter
	stepDuration metric.Float64Histogram
	planDuration metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter(meterName)
	in := &instruments{}
	// Instrument creation only fails on invalid names; a nil instrument is skipped.
	in.plans, _ = meter.Int64Counter("dragonpilot.plans",
		metric.WithDescription("Plans that reached a terminal status"))
	in.dispatches, _ = meter.Int64Counter("dragonpilot.step.dispatches",
		metric.WithDescription("Commands accepted by the vehicle"))
	in.steps, _ = meter.Int64Counter("dragonpilot.steps",
		metric.WithDescription("Steps that reached a terminal status"))
	in.stepDuration, _ = meter.Float64Histogram("dragonpilot.step.duration",
		metric.WithUnit("s"), metric.WithDescription("Time from dispatch to verdict"))
	in.planDuration, _ = meter.Float64Histogram("dragonpilot.plan.duration",
		metric.WithUnit("s"), metric.WithDescription("Time from acceptance to terminal status"))
	return in
}

// NewExecutorMetrics creates metrics bound to the global meter provider.
func NewExecutorMetrics() *ExecutorMetrics {
	return &ExecutorMetrics{instruments: newInstruments()}
}

// RecordDispatch counts a dispatch accepted by the vehicle.
func (m *ExecutorMetrics) RecordDispatch(ctx context.Context, tool string) {
	m.mu.Lock()
	m.StepsDispatched++
	m.mu.Unlock()

	if m.instruments != nil && m.instruments.dispatches != nil {
		m.instruments.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// RecordStep counts a step reaching status after elapsed.
func (m *ExecutorMetrics) RecordStep(ctx context.Context, tool string, status dragonpilot.StepStatus, elapsed time.Duration) {
	m.mu.Lock()
	switch status {
	case dragonpilot.StepCompleted:
		m.StepsCompleted++
	case dragonpilot.StepFailed:
		m.StepsFailed++
	case dragonpilot.StepTimedOut:
		m.StepsTimedOut++
	case dragonpilot.StepImpossible:
		m.StepsImpossible++
	case dragonpilot.StepAborted:
		m.StepsAborted++
	}
	if elapsed > 0 {
		if elapsed > m.LongestStepTime {
			m.LongestStepTime = elapsed
		}
		if m.ShortestStepTime == 0 || elapsed < m.ShortestStepTime {
			m.ShortestStepTime = elapsed
		}
	}
	m.mu.Unlock()

	if m.instruments == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("status", string(status)))
	if m.instruments.steps != nil {
		m.instruments.steps.Add(ctx, 1, attrs)
	}
	if m.instruments.stepDuration != nil && elapsed > 0 {
		m.instruments.stepDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordStopAction counts a stop action issued on cancellation.
func (m *ExecutorMetrics) RecordStopAction() {
	m.mu.Lock()
	m.StopActions++
	m.mu.Unlock()
}

// RecordPlan counts a plan reaching a terminal status.
func (m *ExecutorMetrics) RecordPlan(ctx context.Context, status dragonpilot.PlanStatus, elapsed time.Duration) {
	m.mu.Lock()
	m.PlansExecuted++
	switch status {
	case dragonpilot.PlanCompleted:
		m.PlansCompleted++
	case dragonpilot.PlanAborted:
		m.PlansAborted++
	case dragonpilot.PlanFailed:
		m.PlansFailed++
	}
	m.TotalDuration += elapsed
	m.mu.Unlock()

	if m.instruments == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.instruments.plans != nil {
		m.instruments.plans.Add(ctx, 1, attrs)
	}
	if m.instruments.planDuration != nil {
		m.instruments.planDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// Copy returns a snapshot of the counters without the mutex.
func (m *ExecutorMetrics) Copy() ExecutorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ExecutorMetrics{
		PlansExecuted:    m.PlansExecuted,
		PlansCompleted:   m.PlansCompleted,
		PlansAborted:     m.PlansAborted,
		PlansFailed:      m.PlansFailed,
		StepsDispatched:  m.StepsDispatched,
		StepsCompleted:   m.StepsCompleted,
		StepsFailed:      m.StepsFailed,
		StepsTimedOut:    m.StepsTimedOut,
		StepsImpossible:  m.StepsImpossible,
		StepsAborted:     m.StepsAborted,
		StopActions:      m.StopActions,
		TotalDuration:    m.TotalDuration,
		LongestStepTime:  m.LongestStepTime,
		ShortestStepTime: m.ShortestStepTime,
	}
}
