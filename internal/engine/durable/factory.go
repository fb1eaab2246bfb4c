package durable

import (
	"context"
	"fmt"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"fx_platform/internal/core"
	"fx_platform/internal/engine"
)

// NewFromConfig builds the DBOS runtime context, registers the EOD workflow
// and returns the engine wrapping both. The runtime is not launched here;
// Engine.Start does that so the service controls the lifecycle.
func NewFromConfig(appName, databaseURL string, runner engine.Runner, logger core.ILogger) (engine.Engine, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("durable engine requires eod.database_url")
	}

	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     appName,
		DatabaseURL: databaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DBOS context: %w", err)
	}

	workflows := NewEODWorkflows(runner)
	dbos.RegisterWorkflow(dbosCtx, workflows.RunEOD)

	return NewDBOSEngine(dbosCtx, runner, logger), nil
}
