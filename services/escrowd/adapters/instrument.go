package adapters

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"p2pescrow/native/escrow"
	"p2pescrow/observability"
	telemetry "p2pescrow/observability/otel"
)

// instrumented wraps an adapter with a span and provider metrics per call.
type instrumented struct {
	next    escrow.Adapter
	metrics *observability.ProviderMetrics
	tracer  trace.Tracer
}

// Instrument decorates adapter with tracing and provider metrics.
func Instrument(adapter escrow.Adapter) escrow.Adapter {
	if adapter == nil {
		return nil
	}
	if _, ok := adapter.(*instrumented); ok {
		return adapter
	}
	return &instrumented{next: adapter, metrics: observability.Providers(), tracer: telemetry.Tracer()}
}

// Unwrap returns the decorated adapter.
func (i *instrumented) Unwrap() escrow.Adapter { return i.next }

func (i *instrumented) Coin() escrow.Coin { return i.next.Coin() }

func (i *instrumented) observe(ctx context.Context, op string, esc *escrow.Escrow) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String("escrow.coin", i.next.Coin().String())}
	if esc != nil {
		attrs = append(attrs, attribute.String("escrow.id", esc.ID))
	}
	ctx, span := i.tracer.Start(ctx, "adapter."+op, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(err error) {
		i.metrics.Observe(i.next.Coin().String(), op, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, observability.ErrorReason(err))
		}
		span.End()
	}
}

func (i *instrumented) NewCredential(ctx context.Context) (escrow.Credential, error) {
	ctx, done := i.observe(ctx, "new_credential", nil)
	cred, err := i.next.NewCredential(ctx)
	done(err)
	return cred, err
}

func (i *instrumented) DepositTarget(ctx context.Context, esc *escrow.Escrow) (escrow.DepositTarget, error) {
	ctx, done := i.observe(ctx, "deposit_target", esc)
	target, err := i.next.DepositTarget(ctx, esc)
	done(err)
	return target, err
}

func (i *instrumented) EstimateFee(ctx context.Context) (escrow.FeeRate, error) {
	ctx, done := i.observe(ctx, "estimate_fee", nil)
	rate, err := i.next.EstimateFee(ctx)
	done(err)
	return rate, err
}

func (i *instrumented) IsFunded(ctx context.Context, esc *escrow.Escrow) (bool, error) {
	ctx, done := i.observe(ctx, "is_funded", esc)
	funded, err := i.next.IsFunded(ctx, esc)
	done(err)
	return funded, err
}

func (i *instrumented) Payout(ctx context.Context, esc *escrow.Escrow, destination string, override *escrow.FeeRate) (string, error) {
	ctx, done := i.observe(ctx, "payout", esc)
	txid, err := i.next.Payout(ctx, esc, destination, override)
	done(err)
	return txid, err
}
