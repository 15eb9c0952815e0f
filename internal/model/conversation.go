// internal/model/conversation.go
package model

import "time"

type Business struct {
	ID   int    `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Conversation is a customer channel session owned by a business.
// LastCustomerMessageAt is nil until the customer writes in for the first time.
type Conversation struct {
	ID                    int        `db:"id" json:"id"`
	BusinessID            int        `db:"business_id" json:"business_id"`
	CustomerPhone         string     `db:"customer_phone" json:"customer_phone"`
	LastCustomerMessageAt *time.Time `db:"last_customer_message_at" json:"last_customer_message_at,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
}
