package orchestrator

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type loopMetrics struct {
	turns       metric.Int64Counter
	transitions metric.Int64Counter
	cost        metric.Float64Counter
	runs        metric.Int64Counter
	gateRuns    metric.Int64Counter
}

func newLoopMetrics(m metric.Meter) *loopMetrics {
	lm, err := buildLoopMetrics(m)
	if err != nil {
		lm, _ = buildLoopMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return lm
}

func buildLoopMetrics(m metric.Meter) (*loopMetrics, error) {
	var (
		lm  loopMetrics
		err error
	)
	if lm.turns, err = m.Int64Counter("conductor.loop.turns",
		metric.WithDescription("Agent turns driven by the loop")); err != nil {
		return nil, err
	}
	if lm.transitions, err = m.Int64Counter("conductor.loop.phase_transitions",
		metric.WithDescription("Observed phase changes")); err != nil {
		return nil, err
	}
	if lm.cost, err = m.Float64Counter("conductor.loop.cost",
		metric.WithDescription("Spend reported by the runtime"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if lm.runs, err = m.Int64Counter("conductor.loop.runs",
		metric.WithDescription("Finished loop runs by stop reason")); err != nil {
		return nil, err
	}
	if lm.gateRuns, err = m.Int64Counter("conductor.loop.verifications",
		metric.WithDescription("Verify-phase gate batches by outcome")); err != nil {
		return nil, err
	}
	return &lm, nil
}
