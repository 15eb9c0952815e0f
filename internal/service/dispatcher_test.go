package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/provider"
)

var (
	accepted    = provider.Result{Success: true, MessageID: "wamid.ok", StatusCode: 200}
	rateLimited = provider.Result{Error: "too many requests", StatusCode: 429}
	rejected    = provider.Result{Error: "interactive messages not supported", StatusCode: 400}
	serverError = provider.Result{Error: "internal error", StatusCode: 500}
)

func twoButtons() model.Buttons {
	return model.Buttons{Body: "Confirm your booking?", Buttons: []model.Button{
		{ID: "yes", Title: "Yes"},
		{ID: "no", Title: "No"},
	}}
}

func TestSend_ButtonsWithinWindow(t *testing.T) {
	f := newFixture(10*time.Hour, accepted)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: twoButtons()})
	require.NoError(t, err)

	require.Equal(t, model.MessageTypeButtons, msg.MessageType)
	require.Equal(t, model.StatusSent, msg.DeliveryStatus)
	require.Equal(t, "wamid.ok", msg.ExternalID)
	require.Equal(t, 1, msg.Attempts)
	require.Contains(t, string(msg.RichContent), `"Yes"`)
	require.Contains(t, string(msg.RichContent), `"No"`)

	require.Len(t, f.adapter.calls, 1)
	require.Equal(t, "buttons", f.adapter.calls[0].Kind)
	require.Equal(t, "+15551234567", f.adapter.calls[0].To)

	stored := f.messages.all()
	require.Len(t, stored, 1)
	require.Equal(t, model.StatusSent, stored[0].DeliveryStatus)
}

func TestSend_WindowExpired(t *testing.T) {
	f := newFixture(30 * time.Hour)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hello"}})
	require.ErrorIs(t, err, appErrors.ErrWindowExpired)

	var policyErr *appErrors.PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.Empty(t, f.adapter.calls)
	require.Empty(t, f.messages.all())
}

func TestSend_NoInboundMessageMeansClosedWindow(t *testing.T) {
	f := newFixture(-1)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: twoButtons()})
	require.ErrorIs(t, err, appErrors.ErrWindowExpired)
	require.Empty(t, f.adapter.calls)
}

func TestSend_WindowBoundaryIsInclusive(t *testing.T) {
	f := newFixture(24*time.Hour, accepted)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "still open"}})
	require.NoError(t, err)
	require.Len(t, f.adapter.calls, 1)
}

func TestSend_FallsBackToTextWhenRichRejected(t *testing.T) {
	buttons := model.Buttons{Body: "Pick a slot", Buttons: []model.Button{
		{ID: "a", Title: "Morning"},
		{ID: "b", Title: "Afternoon"},
		{ID: "c", Title: "Evening"},
	}}
	f := newFixture(time.Hour, rejected, accepted)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: buttons})
	require.NoError(t, err)

	require.Len(t, f.adapter.calls, 2)
	require.Equal(t, "buttons", f.adapter.calls[0].Kind)
	require.Equal(t, "text", f.adapter.calls[1].Kind)

	want := "Pick a slot\n\n1. Morning\n2. Afternoon\n3. Evening\n\nReply with the number of your choice."
	require.Equal(t, want, f.adapter.calls[1].Body)
	require.Equal(t, want, msg.Content)

	require.Equal(t, model.MessageTypeButtons, msg.MessageType)
	require.Equal(t, model.StatusSent, msg.DeliveryStatus)
	require.Equal(t, 2, msg.Attempts)
	require.Contains(t, string(msg.RichContent), "Evening")
}

func TestSend_ImageFallback(t *testing.T) {
	f := newFixture(time.Hour, rejected, accepted)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{
		ConversationID: 1,
		Content:        model.Image{URL: "https://cdn.example.com/menu.png", Caption: "Today's menu"},
	})
	require.NoError(t, err)
	require.Equal(t, "image", f.adapter.calls[0].Kind)
	require.Equal(t, "Today's menu\n[Image: https://cdn.example.com/menu.png]", f.adapter.calls[1].Body)
	require.Equal(t, "https://cdn.example.com/menu.png", msg.MediaURL)
}

func TestSend_TextFailureDoesNotFallBack(t *testing.T) {
	f := newFixture(time.Hour, serverError)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})

	var provErr *appErrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.False(t, provErr.RateLimited)
	require.Equal(t, 1, provErr.Attempts)

	require.Len(t, f.adapter.calls, 1)
	require.Empty(t, f.sleeps)
	require.Equal(t, model.StatusFailed, msg.DeliveryStatus)
	require.Contains(t, msg.LastError, "internal error")

	stored := f.messages.all()
	require.Len(t, stored, 1)
	require.Equal(t, model.StatusFailed, stored[0].DeliveryStatus)
}

func TestSend_BadRequestMentioning429IsNotRetried(t *testing.T) {
	invalid := provider.Result{
		StatusCode: 400,
		Error:      "twilio: 400 The 'To' number +14295550100 is not a valid phone number. (code 21211)",
	}
	f := newFixture(time.Hour, invalid)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})

	var provErr *appErrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.False(t, provErr.RateLimited)
	require.Equal(t, 1, provErr.Attempts)
	require.Len(t, f.adapter.calls, 1)
	require.Empty(t, f.sleeps)
}

func TestSend_RateLimitExhaustsRetries(t *testing.T) {
	f := newFixture(time.Hour, rateLimited)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})

	var provErr *appErrors.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.True(t, provErr.RateLimited)
	require.Equal(t, 4, provErr.Attempts)

	require.Len(t, f.adapter.calls, 4)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps)
	require.Equal(t, model.StatusFailed, msg.DeliveryStatus)
	require.Equal(t, 4, msg.Attempts)
}

func TestSend_RateLimitThenSuccess(t *testing.T) {
	f := newFixture(time.Hour, rateLimited, accepted)

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	require.NoError(t, err)
	require.Equal(t, model.StatusSent, msg.DeliveryStatus)
	require.Equal(t, 2, msg.Attempts)
	require.Equal(t, []time.Duration{time.Second}, f.sleeps)
}

func TestSend_RateLimitedRichFallsBackOnce(t *testing.T) {
	f := newFixture(time.Hour, rateLimited)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: twoButtons()})
	require.Error(t, err)

	kinds := make([]string, 0, len(f.adapter.calls))
	for _, c := range f.adapter.calls {
		kinds = append(kinds, c.Kind)
	}
	require.Equal(t, []string{"buttons", "text", "text", "text", "text"}, kinds)
	require.Len(t, f.sleeps, 3)
}

func TestSend_CancelledDuringBackoff(t *testing.T) {
	f := newFixture(time.Hour, rateLimited)
	f.dispatcher.Sleep = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, model.StatusFailed, msg.DeliveryStatus)
	require.Len(t, f.adapter.calls, 1)
}

func TestSend_TemplateOutsideWindow(t *testing.T) {
	f := newFixture(72*time.Hour, accepted)

	ref := model.TemplateRef{Name: "order_confirmation", Values: map[int]string{2: "#1042", 3: "Acme"}}
	msg, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: ref})
	require.NoError(t, err)

	require.Len(t, f.adapter.calls, 1)
	require.Equal(t, "text", f.adapter.calls[0].Kind)
	require.Equal(t, "Hi there, thanks for your order #1042 with Acme. We'll let you know when it ships.", f.adapter.calls[0].Body)
	require.Equal(t, model.MessageTypeTemplate, msg.MessageType)
	require.Contains(t, string(msg.RichContent), "order_confirmation")
}

func TestSend_TemplateValueWithPlaceholderSentVerbatim(t *testing.T) {
	f := newFixture(72*time.Hour, accepted)

	ref := model.TemplateRef{Name: "follow_up", Values: map[int]string{1: "{{2}}", 2: "Acme"}}
	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: ref})
	require.NoError(t, err)

	require.Equal(t, "Hi {{2}}, Acme here. We wanted to follow up on your recent request. Reply to continue the conversation.",
		f.adapter.calls[0].Body)
}

func TestSend_TemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		ref  model.TemplateRef
	}{
		{"unknown template", model.TemplateRef{Name: "nope"}},
		{"missing value", model.TemplateRef{Name: "order_confirmation", Values: map[int]string{3: "Acme"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(-1, accepted)
			_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: tt.ref})

			var cfgErr *appErrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Empty(t, f.adapter.calls)
			require.Empty(t, f.messages.all())
		})
	}
}

func TestSend_InvalidContent(t *testing.T) {
	f := newFixture(time.Hour, accepted)
	tooMany := model.Buttons{Body: "?", Buttons: []model.Button{{Title: "1"}, {Title: "2"}, {Title: "3"}, {Title: "4"}}}

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: tooMany})
	var policyErr *appErrors.PolicyError
	require.ErrorAs(t, err, &policyErr)
	require.False(t, errors.Is(err, appErrors.ErrWindowExpired))
	require.Empty(t, f.adapter.calls)

	_, err = f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1})
	require.ErrorAs(t, err, &policyErr)
}

func TestSend_MissingConnection(t *testing.T) {
	f := newFixture(time.Hour, accepted)
	f.dispatcher.Connections = &fakeConnections{
		businesses:  map[int]*model.Business{10: {ID: 10, Name: "Acme"}},
		connections: map[int]*model.Connection{},
	}

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	var cfgErr *appErrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.True(t, strings.Contains(err.Error(), "no WhatsApp connection"))
	require.Empty(t, f.adapter.calls)
}

func TestSend_UnknownConversation(t *testing.T) {
	f := newFixture(time.Hour, accepted)

	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 99, Content: model.Text{Body: "hi"}})
	var notFound *appErrors.ErrConversationNotFound
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, 404, appErrors.HTTPStatus(err))
}

func TestSend_UpdatesExistingRecord(t *testing.T) {
	f := newFixture(time.Hour, accepted)
	existing := &model.OutboundMessage{ConversationID: 1, Content: "hi", MessageType: model.MessageTypeText,
		DeliveryStatus: model.StatusFailed, LastError: "timeout", Attempts: 2}
	require.NoError(t, f.messages.Create(context.Background(), existing))

	msg, err := f.dispatcher.Send(context.Background(), SendRequest{
		ConversationID: 1, Content: model.Text{Body: "hi"}, MessageID: &existing.ID,
	})
	require.NoError(t, err)
	require.Equal(t, existing.ID, msg.ID)
	require.Equal(t, 3, msg.Attempts)

	stored := f.messages.all()
	require.Len(t, stored, 1)
	require.Equal(t, model.StatusSent, stored[0].DeliveryStatus)
	require.Equal(t, "wamid.ok", stored[0].ExternalID)
}

func TestSend_ExistingRecordFailedBeforeProvider(t *testing.T) {
	f := newFixture(30*time.Hour, accepted)
	existing := &model.OutboundMessage{ConversationID: 1, Content: "hi", MessageType: model.MessageTypeText,
		DeliveryStatus: model.StatusPending}
	require.NoError(t, f.messages.Create(context.Background(), existing))

	_, err := f.dispatcher.Send(context.Background(), SendRequest{
		ConversationID: 1, Content: model.Text{Body: "hi"}, MessageID: &existing.ID,
	})
	require.ErrorIs(t, err, appErrors.ErrWindowExpired)

	stored, _ := f.messages.GetByID(context.Background(), existing.ID)
	require.Equal(t, model.StatusFailed, stored.DeliveryStatus)
	require.NotEmpty(t, stored.LastError)
	require.Empty(t, f.adapter.calls)
}

func TestRecordInbound_OpensWindow(t *testing.T) {
	f := newFixture(-1, accepted)
	conn := model.Connection{ID: 100, BusinessID: 10}

	conv, err := f.dispatcher.RecordInbound(context.Background(), conn, provider.ParsedMessage{
		From: "+15551234567", Content: "hi", Timestamp: testNow.Add(-time.Minute), ExternalID: "in-1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, conv.ID)

	_, err = f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "thanks"}})
	require.NoError(t, err)

	_, err = f.dispatcher.RecordInbound(context.Background(), conn, provider.ParsedMessage{From: "  "})
	require.Error(t, err)
}

func TestApplyStatus_NeverRegresses(t *testing.T) {
	f := newFixture(time.Hour, accepted)
	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	require.NoError(t, err)

	steps := []struct {
		status  model.DeliveryStatus
		changed bool
	}{
		{model.StatusDelivered, true},
		{model.StatusSent, false},
		{model.StatusRead, true},
		{model.StatusDelivered, false},
		{model.StatusFailed, false},
	}
	for _, s := range steps {
		changed, err := f.dispatcher.ApplyStatus(context.Background(), provider.StatusUpdate{ExternalID: "wamid.ok", Status: s.status})
		require.NoError(t, err)
		require.Equal(t, s.changed, changed, "status %s", s.status)
	}
	require.Equal(t, model.StatusRead, f.messages.all()[0].DeliveryStatus)

	_, err = f.dispatcher.ApplyStatus(context.Background(), provider.StatusUpdate{ExternalID: "missing", Status: model.StatusRead})
	var notFound *appErrors.ErrMessageNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestApplyStatus_FailedRecordsErrorCode(t *testing.T) {
	f := newFixture(time.Hour, accepted)
	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	require.NoError(t, err)

	changed, err := f.dispatcher.ApplyStatus(context.Background(), provider.StatusUpdate{
		ExternalID: "wamid.ok", Status: model.StatusFailed, ErrorCode: "131026",
	})
	require.NoError(t, err)
	require.True(t, changed)

	stored := f.messages.all()[0]
	require.Equal(t, model.StatusFailed, stored.DeliveryStatus)
	require.Equal(t, "provider error code 131026", stored.LastError)
}

func TestWindowStatus(t *testing.T) {
	f := newFixture(20*time.Hour, accepted)
	_, err := f.dispatcher.Send(context.Background(), SendRequest{ConversationID: 1, Content: model.Text{Body: "hi"}})
	require.NoError(t, err)

	ws, err := f.dispatcher.WindowStatus(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ws.Open)
	require.Equal(t, int64(4*60*60), ws.RemainingSeconds)
	require.Equal(t, 1, ws.Stats["sent"])
	require.Equal(t, 1, ws.Stats["total"])

	_, err = f.dispatcher.WindowStatus(context.Background(), 42)
	require.Error(t, err)
}
