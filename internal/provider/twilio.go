package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/signature"
)

const (
	twilioBaseURL = "https://api.twilio.com"
	twilioPrefix  = "whatsapp:"
)

// Twilio sends through the Twilio Messages API using Basic auth.
type Twilio struct {
	accountSID string
	authToken  string
	from       string
	appSecret  string
	baseURL    string
	client     *http.Client
	now        func() time.Time
}

func NewTwilio(conn model.Connection, opts Options) (*Twilio, error) {
	creds := conn.Credentials
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, appErrors.NewConfigError("twilio connection is missing account SID or auth token", nil)
	}
	if conn.PhoneNumber == "" {
		return nil, appErrors.NewConfigError("twilio connection is missing a sender phone number", nil)
	}
	base := opts.TwilioBaseURL
	if base == "" {
		base = twilioBaseURL
	}
	return &Twilio{
		accountSID: creds.AccountSID,
		authToken:  creds.AuthToken,
		from:       conn.PhoneNumber,
		appSecret:  creds.AppSecret,
		baseURL:    strings.TrimRight(base, "/"),
		client:     opts.client(),
		now:        time.Now,
	}, nil
}

func (t *Twilio) Name() string { return model.ProviderTwilio }

func whatsappAddr(phone string) string {
	if strings.HasPrefix(phone, twilioPrefix) {
		return phone
	}
	return twilioPrefix + phone
}

func (t *Twilio) SendText(ctx context.Context, to, body string) Result {
	form := url.Values{}
	form.Set("Body", body)
	return t.post(ctx, to, form)
}

func (t *Twilio) SendImage(ctx context.Context, to, imageURL, caption string) Result {
	form := url.Values{}
	form.Set("MediaUrl", imageURL)
	if caption != "" {
		form.Set("Body", caption)
	}
	return t.post(ctx, to, form)
}

// Twilio only delivers interactive WhatsApp messages through pre-registered
// Content templates, so ad-hoc buttons and lists are reported as unsupported.
func (t *Twilio) SendButtons(_ context.Context, _, _ string, _ []model.Button) Result {
	return failure(0, "twilio: interactive buttons require an approved content template")
}

func (t *Twilio) SendList(_ context.Context, _, _ string, _ []model.ListSection, _ string) Result {
	return failure(0, "twilio: interactive lists require an approved content template")
}

type twilioMessage struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (t *Twilio) post(ctx context.Context, to string, form url.Values) Result {
	form.Set("To", whatsappAddr(to))
	form.Set("From", whatsappAddr(t.from))

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return failure(0, "twilio: build request: %v", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := do(t.client, req)
	if err != nil {
		return failure(status, "twilio: %v", err)
	}

	if status < 200 || status >= 300 {
		var apiErr twilioError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			// 20429 is Twilio's "Too Many Requests" error code.
			if apiErr.Code == 20429 {
				status = http.StatusTooManyRequests
			}
			return failure(status, "twilio: %d %s (code %d)", status, apiErr.Message, apiErr.Code)
		}
		return failure(status, "twilio: HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}

	var msg twilioMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return failure(status, "twilio: decode response: %v", err)
	}
	if msg.ErrorCode != nil && msg.Status == "failed" {
		return failure(status, "twilio: message failed: %s (code %d)", msg.ErrorMessage, *msg.ErrorCode)
	}
	return Result{Success: true, MessageID: msg.SID, StatusCode: status}
}

// ParseWebhook reads a form-encoded inbound message callback.
func (t *Twilio) ParseWebhook(raw []byte) *ParsedMessage {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil
	}
	sid := form.Get("MessageSid")
	if sid == "" || form.Get("MessageStatus") != "" {
		return nil
	}

	msg := &ParsedMessage{
		From:        strings.TrimPrefix(form.Get("From"), twilioPrefix),
		Content:     form.Get("Body"),
		Timestamp:   t.now().UTC(),
		MessageType: "text",
		ExternalID:  sid,
	}
	if text := form.Get("ButtonText"); text != "" {
		msg.Content = text
		msg.MessageType = "button"
	}
	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		msg.MediaURL = form.Get("MediaUrl0")
		msg.MediaType = form.Get("MediaContentType0")
		msg.MessageType = mediaKind(msg.MediaType)
	}
	return msg
}

// ParseMessages returns the single message a Twilio callback carries.
func (t *Twilio) ParseMessages(raw []byte) []ParsedMessage {
	if msg := t.ParseWebhook(raw); msg != nil {
		return []ParsedMessage{*msg}
	}
	return nil
}

func mediaKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// ParseStatus reads a form-encoded status callback.
func (t *Twilio) ParseStatus(raw []byte) []StatusUpdate {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil
	}
	sid, status := form.Get("MessageSid"), form.Get("MessageStatus")
	if sid == "" || status == "" {
		return nil
	}
	mapped, ok := twilioStatus(status)
	if !ok {
		return nil
	}
	return []StatusUpdate{{
		ExternalID: sid,
		Status:     mapped,
		ErrorCode:  form.Get("ErrorCode"),
		Timestamp:  t.now().UTC(),
	}}
}

func twilioStatus(s string) (model.DeliveryStatus, bool) {
	switch s {
	case "queued", "accepted", "sending", "sent":
		return model.StatusSent, true
	case "delivered":
		return model.StatusDelivered, true
	case "read":
		return model.StatusRead, true
	case "failed", "undelivered":
		return model.StatusFailed, true
	}
	return "", false
}

// VerifyWebhook checks the X-Hub-Signature-256 header against the raw body,
// keyed with the connection's app secret. Twilio's own X-Twilio-Signature
// (HMAC-SHA1 over the callback URL and sorted form params) is not checked, so
// callbacks straight from Twilio are rejected: route them through a relay that
// signs the body with X-Hub-Signature-256. Twilio has no subscription
// handshake, so GET requests are never valid.
func (t *Twilio) VerifyWebhook(req WebhookRequest) VerifyResult {
	if req.Method != http.MethodPost {
		return VerifyResult{}
	}
	ok := signature.Verify(req.Body, req.Headers.Get(SignatureHeader), []byte(t.appSecret))
	return VerifyResult{Valid: ok}
}
