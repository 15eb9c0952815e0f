// Package provider adapts Business Solution Providers to a uniform set of
// send and webhook capabilities. Adapters report provider failures through
// Result rather than Go errors so the dispatcher can inspect them for retry
// and fallback decisions.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	appErrors "github.com/unclebandit/wa-gateway/internal/errors"
	"github.com/unclebandit/wa-gateway/internal/model"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// Adapter is one provider's wire format.
type Adapter interface {
	Name() string
	SendText(ctx context.Context, to, body string) Result
	SendImage(ctx context.Context, to, imageURL, caption string) Result
	SendButtons(ctx context.Context, to, body string, buttons []model.Button) Result
	SendList(ctx context.Context, to, body string, sections []model.ListSection, buttonText string) Result
	// ParseWebhook returns the first inbound customer message, or nil when
	// the payload carries none.
	ParseWebhook(raw []byte) *ParsedMessage
	// ParseMessages returns every inbound customer message in the payload.
	ParseMessages(raw []byte) []ParsedMessage
	ParseStatus(raw []byte) []StatusUpdate
	VerifyWebhook(req WebhookRequest) VerifyResult
}

type Result struct {
	Success    bool
	MessageID  string
	Error      string
	StatusCode int
}

func failure(status int, format string, args ...any) Result {
	return Result{Success: false, StatusCode: status, Error: fmt.Sprintf(format, args...)}
}

// rateLimitText matches throttling messages from transport failures that carry
// no status code.
var rateLimitText = regexp.MustCompile(`(?i)\brate[ -]?limit(ed|ing)?\b|\btoo many requests\b|\bhttp 429\b`)

// RateLimited reports whether the failure is the provider throttling us. A
// response status is authoritative; the error text is only consulted when
// the request never got one.
func (r Result) RateLimited() bool {
	if r.Success {
		return false
	}
	if r.StatusCode != 0 {
		return r.StatusCode == http.StatusTooManyRequests
	}
	return rateLimitText.MatchString(r.Error)
}

// ParsedMessage is an inbound customer message normalized across providers.
type ParsedMessage struct {
	From        string
	Content     string
	Timestamp   time.Time
	MediaURL    string
	MediaID     string
	MediaType   string
	MessageType string
	ExternalID  string
}

// StatusUpdate is a delivery receipt for a message we sent.
type StatusUpdate struct {
	ExternalID string
	Status     model.DeliveryStatus
	ErrorCode  string
	Timestamp  time.Time
}

// WebhookRequest is the unparsed request a provider callback arrived with.
type WebhookRequest struct {
	Method  string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// VerifyResult carries the challenge to echo back for subscription handshakes.
type VerifyResult struct {
	Valid     bool
	Challenge string
}

type Options struct {
	HTTPClient      *http.Client
	TwilioBaseURL   string
	CloudAPIBaseURL string
	CloudAPIVersion string
}

func (o Options) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// New builds the adapter configured on conn.
func New(conn model.Connection, opts Options) (Adapter, error) {
	switch conn.Provider {
	case model.ProviderTwilio:
		return NewTwilio(conn, opts)
	case model.ProviderCloudAPI:
		return NewCloudAPI(conn, opts)
	case "":
		return nil, appErrors.NewConfigError(fmt.Sprintf("connection %d has no provider", conn.ID), nil)
	default:
		return nil, appErrors.NewConfigError(fmt.Sprintf("unsupported provider %q", conn.Provider), nil)
	}
}

// do executes req and returns the status code and body. Only transport
// failures produce an error.
func do(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}
