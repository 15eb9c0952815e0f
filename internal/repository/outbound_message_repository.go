package repository

import (
	"context"
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
)

// OutboundMessageRepositoryInterface defines the message record operations
type OutboundMessageRepositoryInterface interface {
	Create(ctx context.Context, msg *model.OutboundMessage) error
	Update(ctx context.Context, msg *model.OutboundMessage) error
	GetByID(ctx context.Context, id int) (*model.OutboundMessage, error)
	UpdateDeliveryStatus(ctx context.Context, externalID string, status model.DeliveryStatus, lastError string) (bool, error)
	CountByStatus(ctx context.Context, conversationID int) (map[string]int, error)
}

type OutboundMessageRepository struct {
	DB *sql.DB
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Create inserts a new outbound message into the database and sets its ID
func (r *OutboundMessageRepository) Create(ctx context.Context, msg *model.OutboundMessage) error {
	now := time.Now()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	query := `
        INSERT INTO outbound_messages
        (conversation_id, content, message_type, rich_content, media_url, external_id, delivery_status, last_error, attempts, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		msg.ConversationID,
		msg.Content,
		msg.MessageType,
		nullIfEmpty(string(msg.RichContent)),
		msg.MediaURL,
		nullIfEmpty(msg.ExternalID),
		msg.DeliveryStatus,
		msg.LastError,
		msg.Attempts,
		msg.CreatedAt,
		msg.UpdatedAt,
	).Scan(&msg.ID)
}

// Update writes the outcome of a send attempt
func (r *OutboundMessageRepository) Update(ctx context.Context, msg *model.OutboundMessage) error {
	msg.UpdatedAt = time.Now()
	query := `
        UPDATE outbound_messages
        SET content=$1, message_type=$2, rich_content=$3, media_url=$4, external_id=$5,
            delivery_status=$6, last_error=$7, attempts=$8, updated_at=$9
        WHERE id=$10
    `
	_, err := r.DB.ExecContext(ctx, query,
		msg.Content, msg.MessageType, nullIfEmpty(string(msg.RichContent)), msg.MediaURL, nullIfEmpty(msg.ExternalID),
		msg.DeliveryStatus, msg.LastError, msg.Attempts, msg.UpdatedAt, msg.ID,
	)
	return err
}

// GetByID returns nil, nil when the message does not exist
func (r *OutboundMessageRepository) GetByID(ctx context.Context, id int) (*model.OutboundMessage, error) {
	query := `
        SELECT id, conversation_id, content, message_type, rich_content, media_url, external_id,
               delivery_status, last_error, attempts, created_at, updated_at
        FROM outbound_messages
        WHERE id=$1
    `
	var msg model.OutboundMessage
	var rich []byte
	var externalID sql.NullString
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Content,
		&msg.MessageType,
		&rich,
		&msg.MediaURL,
		&externalID,
		&msg.DeliveryStatus,
		&msg.LastError,
		&msg.Attempts,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	msg.RichContent = rich
	msg.ExternalID = externalID.String
	return &msg, nil
}

// UpdateDeliveryStatus applies a provider receipt by external id. Receipts
// arrive out of order, so a status only replaces one of lower rank
// (pending < sent < delivered < read); failed only replaces pending or sent
// and is never replaced.
// It reports whether the row changed.
func (r *OutboundMessageRepository) UpdateDeliveryStatus(ctx context.Context, externalID string, status model.DeliveryStatus, lastError string) (bool, error) {
	query := `
        UPDATE outbound_messages
        SET delivery_status=$1,
            last_error=CASE WHEN $2 <> '' THEN $2 ELSE last_error END,
            updated_at=NOW()
        WHERE external_id=$3 AND (
            CASE delivery_status
                WHEN 'pending' THEN 0 WHEN 'sent' THEN 1
                WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 WHEN 'failed' THEN 4 END
            <
            CASE $1::text
                WHEN 'failed' THEN 2 WHEN 'sent' THEN 1
                WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END
        )
    `
	res, err := r.DB.ExecContext(ctx, query, string(status), lastError, externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = r.DB.QueryRowContext(ctx, `SELECT 1 FROM outbound_messages WHERE external_id=$1 LIMIT 1`, externalID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, appErrors.NewMessageNotFound(externalID)
	}
	return false, err
}

// CountByStatus returns message counts per delivery status for a conversation
func (r *OutboundMessageRepository) CountByStatus(ctx context.Context, conversationID int) (map[string]int, error) {
	query := `SELECT delivery_status, COUNT(*) FROM outbound_messages WHERE conversation_id=$1 GROUP BY delivery_status`
	rows, err := r.DB.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "failed": 0, "delivered": 0, "read": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

var _ OutboundMessageRepositoryInterface = (*OutboundMessageRepository)(nil)
