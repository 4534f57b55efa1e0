package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, r.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumInt(agg metricdata.Aggregation) int64 {
	var total int64
	if s, ok := agg.(metricdata.Sum[int64]); ok {
		for _, dp := range s.DataPoints {
			total += dp.Value
		}
	}
	return total
}

func TestMetrics_RecordsInstruments(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecision(ctx, true, contracts.ReasonNone)
	m.RecordDecision(ctx, false, contracts.ReasonPaused)
	m.RecordRelease(ctx, true, contracts.ReasonNone, finance.MustParse("2.5"))
	m.RecordRelease(ctx, false, contracts.ReasonLedgerError, finance.MustParse("1"))
	m.RecordTransition(ctx, contracts.StateCreated, contracts.StateVerified, true, contracts.ReasonNone)
	m.RecordLedgerCall(ctx, "release", 20*time.Millisecond, errors.New("boom"))

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumInt(data["helmpay.decisions.total"]))
	assert.Equal(t, int64(2), sumInt(data["helmpay.releases.total"]))
	assert.Equal(t, int64(1), sumInt(data["helmpay.transitions.total"]))

	amt, ok := data["helmpay.released.amount"].(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, amt.DataPoints, 1)
	assert.InDelta(t, 2.5, amt.DataPoints[0].Value, 1e-9)

	hist, ok := data["helmpay.ledger.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision(context.Background(), true, contracts.ReasonNone)
		m.RecordLedgerCall(context.Background(), "release", time.Second, nil)
	})
}

func TestNew_WithoutEndpointIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Meter())
	ctx, span := StartSpan(context.Background(), "test")
	span.End()
	assert.NotNil(t, ctx)
	assert.NoError(t, p.Shutdown(context.Background()))
}
