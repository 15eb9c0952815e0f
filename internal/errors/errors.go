// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrWindowExpired is wrapped by the PolicyError returned for free-form sends
// outside the 24-hour customer window.
var ErrWindowExpired = errors.New("24-hour customer window expired, use an approved template")

// ErrConversationNotFound is returned when a conversation id does not resolve.
type ErrConversationNotFound struct {
	ConversationID int
}

func (e *ErrConversationNotFound) Error() string {
	return fmt.Sprintf("conversation with ID %d not found", e.ConversationID)
}

func NewConversationNotFound(id int) error {
	return &ErrConversationNotFound{ConversationID: id}
}

// ErrMessageNotFound is returned when a status callback names an unknown external id.
type ErrMessageNotFound struct {
	ExternalID string
}

func (e *ErrMessageNotFound) Error() string {
	return fmt.Sprintf("message with external ID %q not found", e.ExternalID)
}

func NewMessageNotFound(externalID string) error {
	return &ErrMessageNotFound{ExternalID: externalID}
}

// ConfigError covers missing connections, credentials or templates. Never retried.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(reason string, err error) error {
	return &ConfigError{Reason: reason, Err: err}
}

// PolicyError covers caller-correctness failures detected before any network call.
type PolicyError struct {
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Err == nil {
		return "policy violation: " + e.Reason
	}
	return fmt.Sprintf("policy violation: %s: %v", e.Reason, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

func NewPolicyError(reason string, err error) error {
	return &PolicyError{Reason: reason, Err: err}
}

// ProviderError is the last failed provider result of a send.
type ProviderError struct {
	Provider    string
	Message     string
	StatusCode  int
	RateLimited bool
	Attempts    int
}

func (e *ProviderError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("%s: rate limited after %d attempts: %s", e.Provider, e.Attempts, e.Message)
	}
	return fmt.Sprintf("%s: send failed: %s", e.Provider, e.Message)
}

// HTTPStatus maps an error to the status code the send API responds with.
func HTTPStatus(err error) int {
	var (
		notFound *ErrConversationNotFound
		msgNF    *ErrMessageNotFound
		cfg      *ConfigError
		policy   *PolicyError
		prov     *ProviderError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &notFound), errors.As(err, &msgNF):
		return http.StatusNotFound
	case errors.As(err, &policy), errors.As(err, &cfg):
		return http.StatusUnprocessableEntity
	case errors.As(err, &prov):
		if prov.RateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
