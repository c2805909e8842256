package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hostwatch/hostwatch/internal/types"
	"github.com/rs/zerolog"
)

// ErrRejected marks a delivery failure that retrying cannot fix, such as a
// bad token or an unknown chat
var ErrRejected = errors.New("notification rejected")

// Sink delivers a notification to one channel
type Sink interface {
	Send(ctx context.Context, n types.Notification) error
}

// RetryAfterError asks the caller to wait before the next attempt
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// Text renders a notification as a single plain-text message
func Text(n types.Notification) string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + "\n\n" + n.Body
}

// Multi fans a notification out to every sink. It fails if any sink fails.
type Multi []Sink

// Send delivers n to every sink and joins the failures
func (m Multi) Send(ctx context.Context, n types.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the log. It is the fallback when no
// delivery channel is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-only sink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notifier").Str("sink", "log").Logger()}
}

// Send logs n at a level matching its severity
func (s *LogSink) Send(_ context.Context, n types.Notification) error {
	var ev *zerolog.Event
	switch n.Severity {
	case "critical":
		ev = s.logger.Error()
	case "warning":
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev.Str("kind", string(n.Kind)).
		Str("key", string(n.Key)).
		Str("title", n.Title).
		Str("body", n.Body).
		Msg("Notification")
	return nil
}
