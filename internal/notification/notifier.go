package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
)

// Notifier observes every record accepted into the inbox.
type Notifier interface {
	Notify(ctx context.Context, subjectID string, notification models.Notification) error
}

// LogNotifier echoes incoming notifications to the daemon log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, subjectID string, notif models.Notification) error {
	event := n.logger.Info().
		Str("notification_id", notif.ID).
		Str("subject_id", subjectID).
		Str("channel", notif.Channel)
	if title, ok := notif.Payload["title"].(string); ok {
		event = event.Str("title", title)
	} else if msg, ok := notif.Payload["message"].(string); ok {
		event = event.Str("message", msg)
	}
	event.Msg("notification received")
	return nil
}

func (n *LogNotifier) String() string {
	return "LogNotifier"
}

func logNotifyError(logger zerolog.Logger, err error, notifier string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("notifier", notifier).
		Msg("notifier failed")
}

func notifierName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
