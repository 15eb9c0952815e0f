package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/provider"
	"github.com/unclebandit/wa-gateway/internal/repository"
	"github.com/unclebandit/wa-gateway/internal/template"
	"github.com/unclebandit/wa-gateway/internal/window"
)

// DefaultMaxRetries is how many times a rate-limited send is retried after the
// first attempt. Backoff doubles from one second: 1s, 2s, 4s.
const DefaultMaxRetries = 3

// AdapterFactory builds the provider adapter for a business connection.
type AdapterFactory func(conn model.Connection) (provider.Adapter, error)

// Dispatcher sends one message per call: resolve the conversation and its
// connection, check the customer window, send (degrading rich content to text
// once on failure), retry on rate limiting, and persist the outcome.
//
// A Dispatcher holds no per-send state and is safe for concurrent use.
type Dispatcher struct {
	Conversations repository.ConversationRepositoryInterface
	Connections   repository.ConnectionRepositoryInterface
	Messages      repository.OutboundMessageRepositoryInterface
	Templates     *template.Registry
	Window        *window.Policy
	Providers     AdapterFactory
	MaxRetries    int
	// Sleep blocks for the backoff delay. It returns early with ctx.Err() when
	// ctx is cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	conversations repository.ConversationRepositoryInterface,
	connections repository.ConnectionRepositoryInterface,
	messages repository.OutboundMessageRepositoryInterface,
	templates *template.Registry,
	providers AdapterFactory,
) *Dispatcher {
	return &Dispatcher{
		Conversations: conversations,
		Connections:   connections,
		Messages:      messages,
		Templates:     templates,
		Window:        window.NewPolicy(),
		Providers:     providers,
		MaxRetries:    DefaultMaxRetries,
		Sleep:         SleepContext,
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SendRequest asks for Content to be delivered on a conversation. When
// MessageID is set the existing record is updated instead of creating a new
// one, which is how callers re-attempt the same logical message.
type SendRequest struct {
	ConversationID int
	Content        model.Content
	MessageID      *int
}

// Send delivers req and returns the persisted record. Window, validation and
// configuration failures return before any provider call; provider failures
// are persisted with deliveryStatus "failed" and returned as *ProviderError.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*model.OutboundMessage, error) {
	conv, conn, err := d.resolve(ctx, req.ConversationID)
	if err != nil {
		return nil, d.failExisting(ctx, req, err)
	}

	if req.Content == nil {
		return nil, d.failExisting(ctx, req, appErrors.NewPolicyError("message content is required", nil))
	}
	msgType := req.Content.Type()

	if msgType != model.MessageTypeTemplate && !d.Window.Allows(conv) {
		log.Printf("⛔ Window closed for conversation %d, refusing %s message", conv.ID, msgType)
		return nil, d.failExisting(ctx, req, appErrors.NewPolicyError(
			fmt.Sprintf("conversation %d: %s message not allowed", conv.ID, msgType), appErrors.ErrWindowExpired))
	}

	outgoing, err := d.prepare(req.Content)
	if err != nil {
		return nil, d.failExisting(ctx, req, err)
	}

	adapter, err := d.Providers(*conn)
	if err != nil {
		return nil, d.failExisting(ctx, req, err)
	}

	res, sent, attempts, err := d.deliver(ctx, adapter, conv.CustomerPhone, outgoing)

	rich, rerr := model.RichPayload(req.Content)
	if rerr != nil {
		log.Println("⚠️ failed to serialize rich content:", rerr)
	}
	record := &model.OutboundMessage{
		ConversationID: conv.ID,
		Content:        bodyOf(sent),
		MessageType:    msgType,
		RichContent:    rich,
		Attempts:       attempts,
	}
	if img, ok := req.Content.(model.Image); ok {
		record.MediaURL = img.URL
	}

	if err == nil && !res.Success {
		err = &appErrors.ProviderError{
			Provider:    adapter.Name(),
			Message:     res.Error,
			StatusCode:  res.StatusCode,
			RateLimited: res.RateLimited(),
			Attempts:    attempts,
		}
	}
	if err != nil {
		record.DeliveryStatus = model.StatusFailed
		record.LastError = err.Error()
		log.Printf("❌ Send failed for conversation %d after %d attempts: %v", conv.ID, attempts, err)
		if perr := d.persist(ctx, req.MessageID, record); perr != nil {
			log.Println("⚠️ failed to persist failed message:", perr)
		}
		return record, err
	}

	record.DeliveryStatus = model.StatusSent
	record.ExternalID = res.MessageID
	if perr := d.persist(ctx, req.MessageID, record); perr != nil {
		return record, fmt.Errorf("message %s sent but not persisted: %w", res.MessageID, perr)
	}
	log.Printf("✅ Sent %s message %s on conversation %d", msgType, res.MessageID, conv.ID)
	return record, nil
}

func (d *Dispatcher) resolve(ctx context.Context, conversationID int) (*model.Conversation, *model.Connection, error) {
	conv, err := d.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, appErrors.NewConversationNotFound(conversationID)
	}

	business, err := d.Connections.GetBusiness(ctx, conv.BusinessID)
	if err != nil {
		return nil, nil, err
	}
	if business == nil {
		return nil, nil, appErrors.NewConfigError(fmt.Sprintf("business %d not found", conv.BusinessID), nil)
	}

	conn, err := d.Connections.GetByBusinessID(ctx, business.ID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil {
		return nil, nil, appErrors.NewConfigError(fmt.Sprintf("business %d has no WhatsApp connection", business.ID), nil)
	}
	return conv, conn, nil
}

// prepare validates content and returns what will be handed to the adapter.
// Templates are rendered to plain text here.
func (d *Dispatcher) prepare(c model.Content) (model.Content, error) {
	switch v := c.(type) {
	case model.Text:
		return model.NewText(v.Body)
	case model.Buttons:
		return model.NewButtons(v.Body, v.Buttons)
	case model.List:
		return model.NewList(v.Body, v.ButtonText, v.Sections)
	case model.Image:
		return model.NewImage(v.URL, v.Caption)
	case model.TemplateRef:
		tpl, ok := d.Templates.Get(v.Name)
		if !ok {
			return nil, appErrors.NewConfigError(fmt.Sprintf("unknown template %q", v.Name), nil)
		}
		if missing := template.Missing(tpl, v.Values); len(missing) > 0 {
			return nil, appErrors.NewConfigError(
				fmt.Sprintf("template %q is missing values for positions %v", v.Name, missing), nil)
		}
		return model.Text{Body: template.Render(tpl, v.Values)}, nil
	}
	return nil, appErrors.NewPolicyError(fmt.Sprintf("unsupported content %T", c), nil)
}

// deliver runs the attempt/fallback/retry loop. It returns the last provider
// result, the content that result belongs to, and the number of provider calls.
func (d *Dispatcher) deliver(ctx context.Context, adapter provider.Adapter, to string, content model.Content) (provider.Result, model.Content, int, error) {
	maxRetries := d.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	calls := 0
	fellBack := false

	for retry := 0; ; retry++ {
		res := attempt(ctx, adapter, to, content)
		calls++

		if !res.Success && !fellBack {
			if text, ok := degrade(content); ok {
				log.Printf("↩️ %s rejected rich content (%s), falling back to text", adapter.Name(), res.Error)
				fellBack = true
				content = text
				res = attempt(ctx, adapter, to, content)
				calls++
			}
		}

		if res.Success || !res.RateLimited() || retry >= maxRetries {
			return res, content, calls, nil
		}

		delay := time.Duration(1<<retry) * time.Second
		log.Printf("⏳ %s rate limited, retry %d/%d in %s", adapter.Name(), retry+1, maxRetries, delay)
		if err := d.Sleep(ctx, delay); err != nil {
			return res, content, calls, fmt.Errorf("send cancelled during backoff: %w", err)
		}
	}
}

func attempt(ctx context.Context, adapter provider.Adapter, to string, c model.Content) provider.Result {
	switch v := c.(type) {
	case model.Text:
		return adapter.SendText(ctx, to, v.Body)
	case model.Buttons:
		return adapter.SendButtons(ctx, to, v.Body, v.Buttons)
	case model.List:
		return adapter.SendList(ctx, to, v.Body, v.Sections, v.ButtonText)
	case model.Image:
		return adapter.SendImage(ctx, to, v.URL, v.Caption)
	}
	return provider.Result{Error: fmt.Sprintf("unsupported content %T", c)}
}

func bodyOf(c model.Content) string {
	switch v := c.(type) {
	case model.Text:
		return v.Body
	case model.Buttons:
		return v.Body
	case model.List:
		return v.Body
	case model.Image:
		return v.Caption
	}
	return ""
}

func (d *Dispatcher) persist(ctx context.Context, messageID *int, record *model.OutboundMessage) error {
	if messageID == nil {
		return d.Messages.Create(ctx, record)
	}
	existing, err := d.Messages.GetByID(ctx, *messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return d.Messages.Create(ctx, record)
	}
	record.ID = existing.ID
	record.CreatedAt = existing.CreatedAt
	record.Attempts += existing.Attempts
	return d.Messages.Update(ctx, record)
}

// failExisting marks a caller-supplied record failed when a send stops before
// reaching the provider, then returns err unchanged. Without a record nothing
// is written.
func (d *Dispatcher) failExisting(ctx context.Context, req SendRequest, err error) error {
	if req.MessageID == nil {
		return err
	}
	existing, gerr := d.Messages.GetByID(ctx, *req.MessageID)
	if gerr != nil || existing == nil {
		return err
	}
	existing.DeliveryStatus = model.StatusFailed
	existing.LastError = err.Error()
	if uerr := d.Messages.Update(ctx, existing); uerr != nil {
		log.Println("⚠️ failed to mark message failed:", uerr)
	}
	return err
}

// RecordInbound moves the customer window forward for an inbound message.
func (d *Dispatcher) RecordInbound(ctx context.Context, conn model.Connection, msg provider.ParsedMessage) (*model.Conversation, error) {
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	from := strings.TrimSpace(msg.From)
	if from == "" {
		return nil, appErrors.NewPolicyError("inbound message has no sender", nil)
	}
	conv, err := d.Conversations.RecordInbound(ctx, conn.BusinessID, from, at)
	if err != nil {
		return nil, fmt.Errorf("record inbound %s: %w", msg.ExternalID, err)
	}
	log.Printf("📩 Inbound %s message %s on conversation %d", msg.MessageType, msg.ExternalID, conv.ID)
	return conv, nil
}

// ApplyStatus records a delivery receipt. It reports whether the stored status
// changed; stale or repeated receipts are ignored.
func (d *Dispatcher) ApplyStatus(ctx context.Context, u provider.StatusUpdate) (bool, error) {
	lastErr := ""
	if u.Status == model.StatusFailed && u.ErrorCode != "" {
		lastErr = "provider error code " + u.ErrorCode
	}
	return d.Messages.UpdateDeliveryStatus(ctx, u.ExternalID, u.Status, lastErr)
}

type WindowStatus struct {
	ConversationID        int            `json:"conversation_id"`
	Open                  bool           `json:"open"`
	RemainingSeconds      int64          `json:"remaining_seconds"`
	LastCustomerMessageAt *time.Time     `json:"last_customer_message_at,omitempty"`
	Stats                 map[string]int `json:"stats,omitempty"`
}

// WindowStatus reports whether free-form messages can currently be sent on a
// conversation, with its message counts by delivery status.
func (d *Dispatcher) WindowStatus(ctx context.Context, conversationID int) (*WindowStatus, error) {
	conv, err := d.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, appErrors.NewConversationNotFound(conversationID)
	}
	stats, err := d.Messages.CountByStatus(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &WindowStatus{
		ConversationID:        conv.ID,
		Open:                  d.Window.Allows(conv),
		RemainingSeconds:      int64(d.Window.Remaining(conv) / time.Second),
		LastCustomerMessageAt: conv.LastCustomerMessageAt,
		Stats:                 stats,
	}, nil
}

// ProviderFactory returns an AdapterFactory that builds adapters with opts.
func ProviderFactory(opts provider.Options) AdapterFactory {
	return func(conn model.Connection) (provider.Adapter, error) {
		return provider.New(conn, opts)
	}
}
