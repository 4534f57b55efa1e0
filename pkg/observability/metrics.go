package observability

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the payment core instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	decisions     metric.Int64Counter
	releases      metric.Int64Counter
	releasedAmt   metric.Float64Counter
	transitions   metric.Int64Counter
	ledgerLatency metric.Float64Histogram
}

// NewMetrics registers instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.decisions, err = meter.Int64Counter("helmpay.decisions.total",
		metric.WithDescription("Authorization decisions by outcome and reason"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return nil, err
	}
	if m.releases, err = meter.Int64Counter("helmpay.releases.total",
		metric.WithDescription("Release attempts by outcome and reason"),
		metric.WithUnit("{release}"),
	); err != nil {
		return nil, err
	}
	if m.releasedAmt, err = meter.Float64Counter("helmpay.released.amount",
		metric.WithDescription("Total amount released to agents"),
		metric.WithUnit("{unit}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("helmpay.transitions.total",
		metric.WithDescription("Process transition attempts by edge and outcome"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.ledgerLatency, err = meter.Float64Histogram("helmpay.ledger.duration",
		metric.WithDescription("Ledger call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func outcome(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("outcome", "allowed")
	}
	return attribute.String("outcome", "denied")
}

// RecordDecision counts one CanExecute evaluation.
func (m *Metrics) RecordDecision(ctx context.Context, allowed bool, reason contracts.Reason) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(outcome(allowed), attribute.String("reason", string(reason))))
}

// RecordRelease counts one release attempt and, on success, the amount.
func (m *Metrics) RecordRelease(ctx context.Context, ok bool, reason contracts.Reason, amount finance.Amount) {
	if m == nil {
		return
	}
	m.releases.Add(ctx, 1, metric.WithAttributes(outcome(ok), attribute.String("reason", string(reason))))
	if ok {
		m.releasedAmt.Add(ctx, float64(amount)/float64(finance.Unit))
	}
}

// RecordTransition counts one transition attempt.
func (m *Metrics) RecordTransition(ctx context.Context, from, to contracts.State, ok bool, reason contracts.Reason) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		outcome(ok),
		attribute.String("reason", string(reason)),
	))
}

// RecordLedgerCall records the latency of one ledger round trip.
func (m *Metrics) RecordLedgerCall(ctx context.Context, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ledgerLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
