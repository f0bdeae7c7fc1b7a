// Package notify delivers short user-facing messages about capture progress
// and upload outcomes.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notification is one user-facing message. URL, when set, is the action the
// user can take next (the upload trigger once a batch is ready).
type Notification struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body"`
	URL      string `json:"url,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Post(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{log: logger.Named("notify")}
}

func (l *LogNotifier) Post(_ context.Context, n Notification) error {
	fields := []zap.Field{zap.String("title", n.Title)}
	if n.Subtitle != "" {
		fields = append(fields, zap.String("subtitle", n.Subtitle))
	}
	if n.URL != "" {
		fields = append(fields, zap.String("url", n.URL))
	}
	l.log.Info(n.Body, fields...)
	return nil
}

// Multi fans a notification out to every sink. Each sink is attempted even
// when an earlier one fails.
type Multi []Notifier

func (m Multi) Post(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Post(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
