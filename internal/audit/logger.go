// Package audit writes the audit and alert trail for consumed rate limit events.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/auth-platform/rate-limiter-service/internal/ratelimit"
)

// Logger emits audit lines on its own slog handler, separate from the service log.
type Logger struct {
	logger *slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Output io.Writer // defaults to os.Stdout
	Format string    // "json" (default) or "text"
	Level  slog.Level
}

// NewLogger creates a new audit logger.
func NewLogger(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{logger: slog.New(handler)}
}

// Blocked records a BLOCKED event.
func (l *Logger) Blocked(ctx context.Context, msgID string, event ratelimit.Event) {
	msg := fmt.Sprintf("[AUDIT] BLOCKED - apiKey=%s, currentCount=%s, limitCount=%s, windowTtl=%s, message=%s",
		event.APIKey,
		formatOptional(event.CurrentCount),
		formatOptional(event.LimitCount),
		formatOptional(event.WindowTTL),
		event.Message,
	)
	l.logger.InfoContext(ctx, msg,
		slog.String("audit_type", string(ratelimit.EventBlocked)),
		slog.String("message_id", msgID),
		slog.String("api_key", event.APIKey),
		slog.Time("event_time", event.Timestamp),
	)
}

// ConfigChange records a CONFIG_CHANGE event.
func (l *Logger) ConfigChange(ctx context.Context, msgID string, event ratelimit.Event) {
	msg := fmt.Sprintf("[AUDIT] CONFIG_CHANGE - apiKey=%s, message=%s, timestamp=%s",
		event.APIKey, event.Message, event.Timestamp.Format(time.RFC3339))
	l.logger.InfoContext(ctx, msg,
		slog.String("audit_type", string(ratelimit.EventConfigChange)),
		slog.String("message_id", msgID),
		slog.String("api_key", event.APIKey),
	)
}

// Alert records a threshold crossing for apiKey.
func (l *Logger) Alert(ctx context.Context, apiKey string, blocked int, window time.Duration) {
	msg := fmt.Sprintf("[ALERT] High rate limit blocked detected! apiKey=%s, blockedCount=%d in last %d seconds",
		apiKey, blocked, int(window.Seconds()))
	l.logger.WarnContext(ctx, msg,
		slog.String("audit_type", "ALERT"),
		slog.String("api_key", apiKey),
		slog.Int("blocked_count", blocked),
	)
}

// Warn logs a warning with structured output.
func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	l.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

// Error logs an error with structured output.
func (l *Logger) Error(msg string, err error, attrs ...slog.Attr) {
	attrs = append([]slog.Attr{slog.String("error", err.Error())}, attrs...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func formatOptional[T int | int64](v *T) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprint(*v)
}
