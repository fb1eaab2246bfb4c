// Package alert fans operational alerts out to notification channels.
// The loader raises alerts for deadline breaches and failed batches, the
// trade aggregator for orphaned orders. Delivery is asynchronous so the
// processing paths never block on webhook latency.
package alert

import (
	"context"
	"sync"
	"time"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

func severity(l AlertLevel) int {
	switch l {
	case Warning:
		return 1
	case Error:
		return 2
	case Critical:
		return 3
	default:
		return 0
	}
}

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels []AlertChannel
	minLevel AlertLevel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		minLevel: Info,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// FromConfig builds a manager carrying the channels enabled in configuration.
// A disabled config still yields a usable manager that only logs.
func FromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if cfg.MinSeverity != "" {
		am.SetMinLevel(AlertLevel(cfg.MinSeverity))
	}
	if !cfg.Enabled {
		return am
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(string(cfg.SlackWebhookURL)))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(string(cfg.TelegramBotToken), cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// SetMinLevel drops alerts below the given severity before dispatch.
func (am *AlertManager) SetMinLevel(level AlertLevel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.minLevel = level
}

func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if severity(level) < severity(am.minLevel) {
		return
	}

	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	// Fire and forget. Delivery is detached from the caller's context so a
	// finished request cannot cancel an in-flight webhook call.
	for _, ch := range am.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
