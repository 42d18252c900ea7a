package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments are the domain counters and histograms. A nil *Instruments is
// valid and records nothing.
type Instruments struct {
	entries              metric.Int64Counter
	verificationFailures metric.Int64Counter
	penalties            metric.Int64Counter
	rewards              metric.Int64Counter
	maintenance          metric.Float64Histogram
}

// NewInstruments creates the domain instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	in.entries, err = meter.Int64Counter("sentinel.ledger.entries",
		metric.WithDescription("Forensic entries appended"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}
	in.verificationFailures, err = meter.Int64Counter("sentinel.ledger.verification_failures",
		metric.WithDescription("Chain verifications that failed"),
		metric.WithUnit("{chain}"),
	)
	if err != nil {
		return nil, err
	}
	in.penalties, err = meter.Int64Counter("sentinel.reputation.penalties",
		metric.WithDescription("Penalties applied to nodes"),
		metric.WithUnit("{penalty}"),
	)
	if err != nil {
		return nil, err
	}
	in.rewards, err = meter.Int64Counter("sentinel.reputation.rewards",
		metric.WithDescription("Rewards granted to nodes"),
		metric.WithUnit("{reward}"),
	)
	if err != nil {
		return nil, err
	}
	in.maintenance, err = meter.Float64Histogram("sentinel.maintenance.duration",
		metric.WithDescription("Duration of scheduled maintenance tasks in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// DefaultInstruments creates instruments on the global meter. It never fails:
// if the global provider rejects an instrument, no-op instruments are used.
func DefaultInstruments() *Instruments {
	in, err := NewInstruments(otel.Meter(InstrumentationName))
	if err != nil {
		in, _ = NewInstruments(noop.NewMeterProvider().Meter(InstrumentationName))
	}
	return in
}

func (in *Instruments) EntryAppended(ctx context.Context, entryType, severity string) {
	if in == nil {
		return
	}
	in.entries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", entryType),
		attribute.String("severity", severity),
	))
}

func (in *Instruments) VerificationFailed(ctx context.Context, chainID string) {
	if in == nil {
		return
	}
	in.verificationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("chain_id", chainID)))
}

func (in *Instruments) PenaltyApplied(ctx context.Context, severity string) {
	if in == nil {
		return
	}
	in.penalties.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

func (in *Instruments) RewardGranted(ctx context.Context) {
	if in == nil {
		return
	}
	in.rewards.Add(ctx, 1)
}

func (in *Instruments) MaintenanceRan(ctx context.Context, task string, d time.Duration, err error) {
	if in == nil {
		return
	}
	in.maintenance.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("task", task),
		attribute.Bool("error", err != nil),
	))
}
