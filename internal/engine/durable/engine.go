// Package durable implements the EOD engine on DBOS workflows. The DBOS
// runtime checkpoints every step, so an interrupted load resumes from its
// last completed step after restart.
package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"fx_platform/internal/core"
	"fx_platform/internal/engine"
)

type DBOSEngine struct {
	dbosCtx   dbos.DBOSContext
	workflows *EODWorkflows
	logger    core.ILogger
}

// NewDBOSEngine wraps a launched-or-launchable DBOS context. The context is
// constructed by the caller; the engine only drives it.
func NewDBOSEngine(dbosCtx dbos.DBOSContext, runner engine.Runner, logger core.ILogger) engine.Engine {
	return &DBOSEngine{
		dbosCtx:   dbosCtx,
		workflows: NewEODWorkflows(runner),
		logger:    logger.WithField("component", "dbos_engine"),
	}
}

// Start launches the DBOS runtime.
func (e *DBOSEngine) Start(ctx context.Context) error {
	e.logger.Info("Starting durable EOD engine")
	return e.dbosCtx.Launch()
}

// Stop shuts the runtime down, allowing in-flight workflows to checkpoint.
func (e *DBOSEngine) Stop() error {
	e.logger.Info("Stopping durable EOD engine")
	e.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// RunEOD starts the durable workflow and waits for its result.
func (e *DBOSEngine) RunEOD(ctx context.Context, req engine.EODRequest) (engine.Result, error) {
	handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.workflows.RunEOD, req)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to start EOD workflow: %w", err)
	}

	out, err := handle.GetResult()
	if err != nil {
		if res, ok := out.(engine.Result); ok {
			return res, err
		}
		return engine.Result{}, err
	}
	res, ok := out.(engine.Result)
	if !ok {
		return engine.Result{}, fmt.Errorf("unexpected EOD workflow result type %T", out)
	}
	return res, nil
}
