package common

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// formatDuration formats a duration with 2 decimal places.
// Returns a string like "1.23 ms" (no padding).
func formatDuration(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)

	// Handle durations >= 1 second
	if ms >= 1000 {
		sec := ms / 1000
		return fmt.Sprintf("%.2f s", sec)
	} else if ms < 0.01 {
		// Sub-0.01 ms: show in microseconds
		us := ms * 1000
		return fmt.Sprintf("%.2f us", us)
	}
	return fmt.Sprintf("%.2f ms", ms)
}

// Took returns a zap field holding the elapsed time since start.
func Took(start time.Time) zap.Field {
	return zap.String("took", formatDuration(time.Since(start)))
}

// LogDuration logs msg at info level with the elapsed time since start.
func LogDuration(logger *zap.Logger, start time.Time, msg string, fields ...zap.Field) {
	logger.Info(msg, append(fields, Took(start))...)
}

// NewLogger returns a console logger for command-line tools.
func NewLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
