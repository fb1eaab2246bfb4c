// Package simple runs the EOD pipeline in-process. Steps execute
// sequentially on the caller's goroutine; recovery after a crash relies on
// the status table and re-triggering rather than durable workflow state.
package simple

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"fx_platform/internal/core"
	"fx_platform/internal/engine"
	"fx_platform/pkg/telemetry"
)

type SimpleEngine struct {
	runner engine.Runner
	logger core.ILogger

	tracer      trace.Tracer
	stepCounter metric.Int64Counter
	runHist     metric.Float64Histogram
}

func NewSimpleEngine(runner engine.Runner, logger core.ILogger) engine.Engine {
	tracer := telemetry.GetTracer("eod-engine")
	meter := telemetry.GetMeter("eod-engine")

	stepCounter, _ := meter.Int64Counter("fx_platform_eod_steps_total",
		metric.WithDescription("EOD pipeline steps executed"))
	runHist, _ := meter.Float64Histogram("fx_platform_eod_pipeline_ms",
		metric.WithDescription("EOD pipeline duration"), metric.WithUnit("ms"))

	return &SimpleEngine{
		runner:      runner,
		logger:      logger.WithField("component", "simple_engine"),
		tracer:      tracer,
		stepCounter: stepCounter,
		runHist:     runHist,
	}
}

func (e *SimpleEngine) Start(ctx context.Context) error {
	e.logger.Info("Simple engine started")
	return nil
}

func (e *SimpleEngine) Stop() error {
	e.logger.Info("Simple engine stopped")
	return nil
}

// RunEOD executes fetch, build, no-op check, load and activate in order,
// stopping at the first failing step.
func (e *SimpleEngine) RunEOD(ctx context.Context, req engine.EODRequest) (engine.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "eod.run", trace.WithAttributes(
		attribute.Int64("account.id", req.AccountID),
		attribute.String("business.date", string(req.BusinessDate)),
	))
	defer span.End()
	defer func() {
		if e.runHist != nil {
			e.runHist.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}()

	snap, err := step(e, ctx, "fetch_snapshot", func() (*core.AccountSnapshot, error) {
		return e.runner.FetchSnapshot(ctx, req.AccountID, req.BusinessDate)
	})
	if err != nil {
		return engine.Result{}, err
	}

	rows, err := step(e, ctx, "build_positions", func() ([]core.Position, error) {
		return e.runner.BuildPositions(ctx, snap)
	})
	if err != nil {
		return engine.Result{}, err
	}

	unchanged, err := step(e, ctx, "compare_active", func() (bool, error) {
		return e.runner.UnchangedFromActive(ctx, req.AccountID, rows)
	})
	if err != nil {
		return engine.Result{}, err
	}
	if unchanged {
		e.logger.Info("Snapshot identical to active batch, skipping load",
			"account_id", req.AccountID, "business_date", string(req.BusinessDate))
		return engine.Result{PositionCount: len(rows), NoOp: true}, nil
	}

	batchID, err := step(e, ctx, "load_batch", func() (int64, error) {
		return e.runner.LoadBatch(ctx, snap, rows)
	})
	if err != nil {
		return engine.Result{}, err
	}

	if _, err := step(e, ctx, "activate_batch", func() (struct{}, error) {
		return struct{}{}, e.runner.ActivateBatch(ctx, req.AccountID, batchID)
	}); err != nil {
		return engine.Result{BatchID: batchID, PositionCount: len(rows)}, err
	}

	return engine.Result{BatchID: batchID, PositionCount: len(rows)}, nil
}

func step[T any](e *SimpleEngine, ctx context.Context, name string, fn func() (T, error)) (T, error) {
	ctx, span := e.tracer.Start(ctx, "eod."+name)
	defer span.End()

	out, err := fn()
	status := "ok"
	if err != nil {
		span.RecordError(err)
		status = "error"
	}
	if e.stepCounter != nil {
		e.stepCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", name),
			attribute.String("status", status),
		))
	}
	return out, err
}
