// Package events publishes domain events about OTP sessions and credit syncs
// to Kafka, the Elasticsearch audit index and ClickHouse analytics.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"smsup-service/internal/util"
)

const (
	OTPSent               = "otp.sent"
	OTPResent             = "otp.resent"
	OTPVerified           = "otp.verified"
	OTPVerificationFailed = "otp.verification_failed"
	OTPBlocked            = "otp.blocked"
	OTPCancelled          = "otp.cancelled"
	OTPExpired            = "otp.expired"
	CreditBalanceUpdated  = "credit.balance_updated"
	CreditSyncFailed      = "credit.sync_failed"
)

// Event never carries a plain phone number, code or credential.
type Event struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	SessionID   string            `json:"session_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	PhoneMasked string            `json:"phone_masked,omitempty"`
	PhoneBucket int               `json:"phone_bucket"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func New(eventType string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: at.UTC()}
}

func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Domain returns "otp" or "credit".
func (e Event) Domain() string {
	domain, _, _ := strings.Cut(e.Type, ".")
	return domain
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink. One failing sink does not stop the others.
type Multi struct {
	sinks   []Publisher
	timeout time.Duration
}

func NewMulti(timeout time.Duration, sinks ...Publisher) *Multi {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Multi{sinks: sinks, timeout: timeout}
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			util.Warn("Event sink publish failed",
				util.String("event_type", e.Type),
				util.String("event_id", e.ID),
				util.ErrorField(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
