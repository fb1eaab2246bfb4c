package bootstrap

import (
	"fx_platform/internal/core"
	"fx_platform/pkg/logging"
)

// InitLogger builds the platform logger from the service config block and
// tags it with the service identity.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if err != nil {
		return nil, err
	}
	return logger.WithFields(map[string]interface{}{
		"service":     cfg.Service.Name,
		"environment": cfg.Service.Environment,
	}), nil
}
