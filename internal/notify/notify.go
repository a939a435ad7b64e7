// Package notify delivers per-subject text messages.
package notify

import (
	"context"
	"log/slog"
)

// Notifier sends a message to one subject. Callers log failures and never propagate them.
type Notifier interface {
	Notify(ctx context.Context, subjectID, text string) error
}

// LogNotifier writes messages to the logger instead of delivering them.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, subjectID, text string) error {
	n.Logger.Info("Notification", "subject", subjectID, "text", text)
	return nil
}
