package repository

import (
	"context"
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
)

// ConversationRepositoryInterface defines methods used by the dispatcher
type ConversationRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Conversation, error)
	RecordInbound(ctx context.Context, businessID int, customerPhone string, at time.Time) (*model.Conversation, error)
}

// ConversationRepository is the concrete implementation
type ConversationRepository struct {
	DB *sql.DB
}

// GetByID fetches a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id int) (*model.Conversation, error) {
	query := `
        SELECT id, business_id, customer_phone, last_customer_message_at, created_at
        FROM conversations
        WHERE id = $1
    `
	var c model.Conversation
	var last sql.NullTime
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.BusinessID, &c.CustomerPhone, &last, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewConversationNotFound(id)
		}
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.LastCustomerMessageAt = &t
	}
	return &c, nil
}

// RecordInbound opens (or reuses) the conversation for a customer and moves
// its window start forward. Older timestamps never move it back.
func (r *ConversationRepository) RecordInbound(ctx context.Context, businessID int, customerPhone string, at time.Time) (*model.Conversation, error) {
	query := `
        INSERT INTO conversations (business_id, customer_phone, last_customer_message_at, created_at)
        VALUES ($1, $2, $3, NOW())
        ON CONFLICT (business_id, customer_phone) DO UPDATE
        SET last_customer_message_at = GREATEST(conversations.last_customer_message_at, EXCLUDED.last_customer_message_at)
        RETURNING id, business_id, customer_phone, last_customer_message_at, created_at
    `
	var c model.Conversation
	var last sql.NullTime
	err := r.DB.QueryRowContext(ctx, query, businessID, customerPhone, at).Scan(
		&c.ID, &c.BusinessID, &c.CustomerPhone, &last, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.LastCustomerMessageAt = &t
	}
	return &c, nil
}

var _ ConversationRepositoryInterface = (*ConversationRepository)(nil)
