package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stanstork/admin-inbox/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, subjectID string, notif models.Notification) error
	ListRecent(ctx context.Context, subjectID string, limit int) ([]models.Notification, error)
	MarkAllRead(ctx context.Context, subjectID string) (int64, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, subjectID string, notif models.Notification) error {
	const query = `
		INSERT INTO inbox.notifications (id, subject_id, channel, payload, received_at, read_at)
		VALUES ($1, $2, $3, $4, $5, CASE WHEN $6 THEN NOW() END)
		ON CONFLICT (id) DO NOTHING
	`

	payload, err := json.Marshal(notif.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		notif.ID,
		strings.TrimSpace(subjectID),
		notif.Channel,
		payload,
		notif.ReceivedAt,
		notif.IsRead,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) ListRecent(ctx context.Context, subjectID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
		SELECT id, channel, payload, received_at, read_at
		FROM inbox.notifications
		WHERE subject_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(subjectID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, subjectID string) (int64, error) {
	const query = `
		UPDATE inbox.notifications
		SET read_at = NOW()
		WHERE subject_id = $1 AND read_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, strings.TrimSpace(subjectID))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif      models.Notification
		channel    sql.NullString
		payloadRaw []byte
		readAt     sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&channel,
		&payloadRaw,
		&notif.ReceivedAt,
		&readAt,
	); err != nil {
		return models.Notification{}, err
	}

	if channel.Valid {
		notif.Channel = channel.String
	}
	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &notif.Payload); err != nil {
			return models.Notification{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	notif.IsRead = readAt.Valid

	return notif, nil
}
