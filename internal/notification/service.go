package notification

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/admin-inbox/internal/models"
	"github.com/stanstork/admin-inbox/internal/repository"
)

const restoreLimit = 100

// Service is the delivery path from a channel frame to the inbox: normalize,
// store, archive, then fan out to notifiers.
type Service interface {
	Receive(ctx context.Context, subjectID, channel string, msg Message) models.Notification
	MarkAllRead(ctx context.Context, subjectID string) Snapshot
	Snapshot() Snapshot
	UnreadCount() int
	Restore(ctx context.Context, subjectID string) error
	Reset()
}

type service struct {
	store      *Store
	normalizer *Normalizer
	repo       repository.NotificationRepository
	logger     zerolog.Logger
	notifiers  []Notifier
}

// NewService wires the inbox. repo may be nil to run without an archive.
func NewService(store *Store, normalizer *Normalizer, repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		store:      store,
		normalizer: normalizer,
		repo:       repo,
		logger:     logger.With().Str("component", "notification_service").Logger(),
		notifiers:  active,
	}
}

func (s *service) Receive(ctx context.Context, subjectID, channel string, msg Message) models.Notification {
	rec := s.normalizer.Normalize(msg)
	rec.Channel = channel
	s.store.Append(rec)

	if s.repo != nil {
		if err := s.repo.Create(ctx, subjectID, rec); err != nil {
			s.logger.Error().Err(err).Str("notification_id", rec.ID).Msg("failed to archive notification")
		}
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, subjectID, rec); err != nil {
			logNotifyError(s.logger, err, notifierName(notifier), rec)
		}
	}
	return rec
}

func (s *service) MarkAllRead(ctx context.Context, subjectID string) Snapshot {
	marked := s.store.MarkAllRead()
	if s.repo != nil && subjectID != "" {
		if _, err := s.repo.MarkAllRead(ctx, subjectID); err != nil {
			s.logger.Error().Err(err).Str("subject_id", subjectID).Msg("failed to mark archived notifications as read")
		}
	}
	s.logger.Debug().Int("marked", marked).Msg("marked all notifications as read")
	return s.store.Snapshot()
}

func (s *service) Snapshot() Snapshot {
	return s.store.Snapshot()
}

func (s *service) UnreadCount() int {
	return s.store.UnreadCount()
}

// Restore hydrates the inbox from the archive. Without an archive it is a no-op.
func (s *service) Restore(ctx context.Context, subjectID string) error {
	if s.repo == nil {
		return nil
	}
	records, err := s.repo.ListRecent(ctx, subjectID, restoreLimit)
	if err != nil {
		return err
	}
	s.store.Restore(records)
	s.logger.Debug().Int("restored", len(records)).Str("subject_id", subjectID).Msg("inbox restored from archive")
	return nil
}

func (s *service) Reset() {
	s.store.Reset()
}
