package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"notifyhub/internal/model"
)

// DeliveryLog is the append-only audit trail of dispatch outcomes.
type DeliveryLog interface {
	Append(ctx context.Context, res *model.DeliveryResult) error
	ListByNotification(ctx context.Context, notificationID string) ([]*model.DeliveryResult, error)
}

type DeliveryLogRepository struct {
	db *pgxpool.Pool
}

func NewDeliveryLogRepository(db *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

func (r *DeliveryLogRepository) Append(ctx context.Context, res *model.DeliveryResult) error {
	query := `
        INSERT INTO delivery_log (id, notification_id, campaign_id, recipient_id, channel, success, error_class, error, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.db.Exec(ctx, query,
		res.ID,
		res.NotificationID,
		res.CampaignID,
		res.RecipientID,
		string(res.Channel),
		res.Success,
		string(res.ErrorClass),
		res.Error,
		res.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery result: %w", err)
	}
	return nil
}

func (r *DeliveryLogRepository) ListByNotification(ctx context.Context, notificationID string) ([]*model.DeliveryResult, error) {
	query := `
        SELECT id, notification_id, campaign_id, recipient_id, channel, success, error_class, error, created_at
        FROM delivery_log
        WHERE notification_id = $1
        ORDER BY created_at ASC
    `
	rows, err := r.db.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery log: %w", err)
	}
	defer rows.Close()

	var out []*model.DeliveryResult
	for rows.Next() {
		var res model.DeliveryResult
		var channel, errorClass string
		err := rows.Scan(
			&res.ID,
			&res.NotificationID,
			&res.CampaignID,
			&res.RecipientID,
			&channel,
			&res.Success,
			&errorClass,
			&res.Error,
			&res.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery result: %w", err)
		}
		res.Channel = model.Channel(channel)
		res.ErrorClass = model.ErrorClass(errorClass)
		out = append(out, &res)
	}
	return out, rows.Err()
}
