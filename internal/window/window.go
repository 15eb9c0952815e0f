// Package window implements the 24-hour customer engagement rule: free-form
// messages may only be sent within 24 hours of the customer's last inbound
// message. Outside it only pre-approved templates are allowed.
package window

import (
	"time"

	"github.com/unclebandit/wa-gateway/internal/model"
)

// Duration is the length of the customer engagement window.
const Duration = 24 * time.Hour

// IsWithinWindow reports whether now is at most 24 hours after last.
// Exactly 24h00m00s is still inside.
func IsWithinWindow(last, now time.Time) bool {
	return now.Sub(last) <= Duration
}

// Policy applies the window rule to conversations using an injectable clock.
type Policy struct {
	Now func() time.Time
}

func NewPolicy() *Policy {
	return &Policy{Now: time.Now}
}

func (p *Policy) now() time.Time {
	if p == nil || p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Allows reports whether free-form messages may be sent on conv. A customer
// who never wrote in has no open window.
func (p *Policy) Allows(conv *model.Conversation) bool {
	if conv == nil || conv.LastCustomerMessageAt == nil {
		return false
	}
	return IsWithinWindow(*conv.LastCustomerMessageAt, p.now())
}

// Remaining returns how long the window stays open, or zero once it has closed.
func (p *Policy) Remaining(conv *model.Conversation) time.Duration {
	if !p.Allows(conv) {
		return 0
	}
	left := conv.LastCustomerMessageAt.Add(Duration).Sub(p.now())
	if left > Duration {
		return Duration
	}
	return left
}
