// internal/model/outbound_message.go
package model

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeButtons  MessageType = "buttons"
	MessageTypeList     MessageType = "list"
	MessageTypeImage    MessageType = "image"
	MessageTypeTemplate MessageType = "template"
)

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusFailed    DeliveryStatus = "failed"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

type OutboundMessage struct {
	ID             int             `db:"id" json:"id"`
	ConversationID int             `db:"conversation_id" json:"conversation_id"`
	Content        string          `db:"content" json:"content"`
	MessageType    MessageType     `db:"message_type" json:"message_type"`
	RichContent    json.RawMessage `db:"rich_content" json:"rich_content,omitempty"`
	MediaURL       string          `db:"media_url" json:"media_url,omitempty"`
	ExternalID     string          `db:"external_id" json:"external_id,omitempty"`
	DeliveryStatus DeliveryStatus  `db:"delivery_status" json:"delivery_status"` // pending, sent, failed, delivered, read
	LastError      string          `db:"last_error,omitempty" json:"last_error,omitempty"`
	Attempts       int             `db:"attempts" json:"attempts"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}
