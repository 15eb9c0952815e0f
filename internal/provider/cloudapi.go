package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
	"github.com/unclebandit/wa-gateway/internal/signature"
)

const (
	cloudAPIBaseURL = "https://graph.facebook.com"
	cloudAPIVersion = "v21.0"

	maxButtonTitle   = 20
	maxListButton    = 20
	maxSectionTitle  = 24
	maxRowTitle      = 24
	maxRowDesc       = 72
	maxListRows      = 10
	maxInteractiveTx = 1024
)

// Cloud API error codes that mean throttling rather than a bad request.
var cloudAPIRateLimitCodes = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}

// CloudAPI sends through the WhatsApp Cloud API using a bearer token.
type CloudAPI struct {
	token         string
	phoneNumberID string
	appSecret     string
	verifyToken   string
	endpoint      string
	client        *http.Client
}

func NewCloudAPI(conn model.Connection, opts Options) (*CloudAPI, error) {
	creds := conn.Credentials
	if creds.APIKey == "" {
		return nil, appErrors.NewConfigError("cloud API connection is missing an access token", nil)
	}
	if conn.PhoneNumberID == "" {
		return nil, appErrors.NewConfigError("cloud API connection is missing a phone number ID", nil)
	}
	base := opts.CloudAPIBaseURL
	if base == "" {
		base = cloudAPIBaseURL
	}
	version := opts.CloudAPIVersion
	if version == "" {
		version = cloudAPIVersion
	}
	return &CloudAPI{
		token:         creds.APIKey,
		phoneNumberID: conn.PhoneNumberID,
		appSecret:     creds.AppSecret,
		verifyToken:   creds.VerifyToken,
		endpoint:      fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(base, "/"), version, conn.PhoneNumberID),
		client:        opts.client(),
	}, nil
}

func (c *CloudAPI) Name() string { return model.ProviderCloudAPI }

type cloudMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *cloudText        `json:"text,omitempty"`
	Image            *cloudImage       `json:"image,omitempty"`
	Interactive      *cloudInteractive `json:"interactive,omitempty"`
}

type cloudText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type cloudImage struct {
	Link    string `json:"link,omitempty"`
	ID      string `json:"id,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type cloudInteractive struct {
	Type   string      `json:"type"`
	Body   cloudBody   `json:"body"`
	Action cloudAction `json:"action"`
}

type cloudBody struct {
	Text string `json:"text"`
}

type cloudAction struct {
	Button   string         `json:"button,omitempty"`
	Buttons  []cloudButton  `json:"buttons,omitempty"`
	Sections []cloudSection `json:"sections,omitempty"`
}

type cloudButton struct {
	Type  string     `json:"type"`
	Reply cloudReply `json:"reply"`
}

type cloudReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type cloudSection struct {
	Title string     `json:"title,omitempty"`
	Rows  []cloudRow `json:"rows"`
}

type cloudRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func newCloudMessage(to, kind string) cloudMessage {
	return cloudMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             kind,
	}
}

func (c *CloudAPI) SendText(ctx context.Context, to, body string) Result {
	msg := newCloudMessage(to, "text")
	msg.Text = &cloudText{Body: body}
	return c.send(ctx, msg)
}

func (c *CloudAPI) SendImage(ctx context.Context, to, imageURL, caption string) Result {
	msg := newCloudMessage(to, "image")
	msg.Image = &cloudImage{Link: imageURL, Caption: caption}
	return c.send(ctx, msg)
}

func (c *CloudAPI) SendButtons(ctx context.Context, to, body string, buttons []model.Button) Result {
	if len(buttons) == 0 || len(buttons) > model.MaxButtons {
		return failure(0, "cloudapi: %d buttons outside 1-%d", len(buttons), model.MaxButtons)
	}
	action := cloudAction{}
	for i, b := range buttons {
		id := b.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		action.Buttons = append(action.Buttons, cloudButton{
			Type:  "reply",
			Reply: cloudReply{ID: id, Title: truncate(b.Title, maxButtonTitle)},
		})
	}
	msg := newCloudMessage(to, "interactive")
	msg.Interactive = &cloudInteractive{
		Type:   "button",
		Body:   cloudBody{Text: truncate(body, maxInteractiveTx)},
		Action: action,
	}
	return c.send(ctx, msg)
}

// SendList rejects lists above the provider's row cap instead of dropping
// options, leaving the dispatcher to deliver the full list as text.
func (c *CloudAPI) SendList(ctx context.Context, to, body string, sections []model.ListSection, buttonText string) Result {
	rows := 0
	for _, s := range sections {
		rows += len(s.Rows)
	}
	if rows == 0 {
		return failure(0, "cloudapi: list has no rows")
	}
	if rows > maxListRows {
		return failure(0, "cloudapi: list has %d rows, limit is %d", rows, maxListRows)
	}
	if buttonText == "" {
		buttonText = "Options"
	}

	action := cloudAction{Button: truncate(buttonText, maxListButton)}
	for _, s := range sections {
		sec := cloudSection{Title: truncate(s.Title, maxSectionTitle)}
		for _, r := range s.Rows {
			sec.Rows = append(sec.Rows, cloudRow{
				ID:          r.ID,
				Title:       truncate(r.Title, maxRowTitle),
				Description: truncate(r.Description, maxRowDesc),
			})
		}
		action.Sections = append(action.Sections, sec)
	}

	msg := newCloudMessage(to, "interactive")
	msg.Interactive = &cloudInteractive{
		Type:   "list",
		Body:   cloudBody{Text: truncate(body, maxInteractiveTx)},
		Action: action,
	}
	return c.send(ctx, msg)
}

type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *CloudAPI) send(ctx context.Context, msg cloudMessage) Result {
	payload, err := json.Marshal(msg)
	if err != nil {
		return failure(0, "cloudapi: marshal message: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return failure(0, "cloudapi: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	status, body, err := do(c.client, req)
	if err != nil {
		return failure(status, "cloudapi: %v", err)
	}

	if status != http.StatusOK {
		var apiErr cloudErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != 0 {
			if cloudAPIRateLimitCodes[apiErr.Error.Code] {
				status = http.StatusTooManyRequests
			}
			return failure(status, "cloudapi: %d %s (code %d)", status, apiErr.Error.Message, apiErr.Error.Code)
		}
		return failure(status, "cloudapi: HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}

	var out cloudSendResponse
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 {
		return failure(status, "cloudapi: response carried no message id")
	}
	return Result{Success: true, MessageID: out.Messages[0].ID, StatusCode: status}
}

type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []cloudInbound `json:"messages"`
				Statuses []cloudStatus  `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

type cloudInbound struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Audio    *cloudMedia `json:"audio"`
	Video    *cloudMedia `json:"video"`
	Document *cloudMedia `json:"document"`
	Button   *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		Type        string      `json:"type"`
		ButtonReply *cloudReply `json:"button_reply"`
		ListReply   *cloudRow   `json:"list_reply"`
	} `json:"interactive"`
}

type cloudStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

func (c *CloudAPI) decode(raw []byte) *cloudWebhook {
	var hook cloudWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		return nil
	}
	return &hook
}

// ParseWebhook returns the first inbound message in the payload.
func (c *CloudAPI) ParseWebhook(raw []byte) *ParsedMessage {
	msgs := c.ParseMessages(raw)
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[0]
}

// ParseMessages flattens every message across all entries and changes. Meta
// batches several senders into one delivery.
func (c *CloudAPI) ParseMessages(raw []byte) []ParsedMessage {
	hook := c.decode(raw)
	if hook == nil {
		return nil
	}
	var out []ParsedMessage
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, m := range change.Value.Messages {
				out = append(out, *convertInbound(m))
			}
		}
	}
	return out
}

func convertInbound(m cloudInbound) *ParsedMessage {
	msg := &ParsedMessage{
		From:        "+" + strings.TrimPrefix(m.From, "+"),
		Timestamp:   unixTime(m.Timestamp),
		MessageType: m.Type,
		ExternalID:  m.ID,
	}

	var media *cloudMedia
	switch m.Type {
	case "text":
		if m.Text != nil {
			msg.Content = m.Text.Body
		}
	case "image":
		media = m.Image
	case "audio":
		media = m.Audio
	case "video":
		media = m.Video
	case "document":
		media = m.Document
	case "button":
		if m.Button != nil {
			msg.Content = m.Button.Text
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				msg.Content = m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				msg.Content = m.Interactive.ListReply.Title
			}
		}
	}
	if media != nil {
		msg.MediaID = media.ID
		msg.MediaType = media.MimeType
		msg.Content = media.Caption
	}
	return msg
}

func (c *CloudAPI) ParseStatus(raw []byte) []StatusUpdate {
	hook := c.decode(raw)
	if hook == nil {
		return nil
	}
	var out []StatusUpdate
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				mapped, ok := cloudStatusMap[s.Status]
				if !ok || s.ID == "" {
					continue
				}
				u := StatusUpdate{ExternalID: s.ID, Status: mapped, Timestamp: unixTime(s.Timestamp)}
				if len(s.Errors) > 0 {
					u.ErrorCode = strconv.Itoa(s.Errors[0].Code)
				}
				out = append(out, u)
			}
		}
	}
	return out
}

var cloudStatusMap = map[string]model.DeliveryStatus{
	"sent":      model.StatusSent,
	"delivered": model.StatusDelivered,
	"read":      model.StatusRead,
	"failed":    model.StatusFailed,
}

// VerifyWebhook answers the GET subscription handshake and checks POST
// signatures against the app secret.
func (c *CloudAPI) VerifyWebhook(req WebhookRequest) VerifyResult {
	if req.Method == http.MethodGet {
		if req.Query.Get("hub.mode") != "subscribe" || c.verifyToken == "" {
			return VerifyResult{}
		}
		if !signature.ConstantTimeEqual(req.Query.Get("hub.verify_token"), c.verifyToken) {
			return VerifyResult{}
		}
		return VerifyResult{Valid: true, Challenge: req.Query.Get("hub.challenge")}
	}
	ok := signature.Verify(req.Body, req.Headers.Get(SignatureHeader), []byte(c.appSecret))
	return VerifyResult{Valid: ok}
}
