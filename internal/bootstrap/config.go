package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"fx_platform/internal/config"
)

// Config is an alias for the platform configuration struct.
type Config = config.Config

// LoadConfig loads .env, then the YAML config, then runs environment
// pre-flight checks that schema validation cannot cover.
func LoadConfig(path string) (*Config, error) {
	// .env values back the ${VAR} expansions inside the YAML.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight verifies the process environment: paths that must exist
// before any component opens them.
func checkPreFlight(cfg *Config) error {
	dir := filepath.Dir(cfg.Database.Path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("database directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("database path parent is not a directory: %s", dir)
	}

	if cfg.Alerts.Enabled &&
		cfg.Alerts.SlackWebhookURL == "" && cfg.Alerts.TelegramBotToken == "" {
		return fmt.Errorf("alerts are enabled but no channel is configured")
	}
	return nil
}
