package sms

import (
	"context"
	"fmt"
	"time"

	"smsup-service/internal/phone"
	"smsup-service/internal/util"
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, canonicalPhone, message string) error
}

// DedupeStore claims a (phone, code, reference) triple for a short period.
type DedupeStore interface {
	ClaimDispatch(ctx context.Context, phone, code, referenceCode string, ttl time.Duration) (bool, error)
	ReleaseDispatch(ctx context.Context, phone, code, referenceCode string) error
}

type Dispatcher struct {
	sender    Sender
	dedupe    DedupeStore
	dedupeTTL time.Duration
}

func NewDispatcher(sender Sender, dedupe DedupeStore, dedupeTTL time.Duration) *Dispatcher {
	if dedupeTTL <= 0 {
		dedupeTTL = 2 * time.Minute
	}
	return &Dispatcher{sender: sender, dedupe: dedupe, dedupeTTL: dedupeTTL}
}

func FormatMessage(code, referenceCode string, ttl time.Duration) string {
	return fmt.Sprintf("Your SMS-UP+ verification code is %s (ref %s). Expires in %d minutes.",
		code, referenceCode, int(ttl.Round(time.Minute)/time.Minute))
}

// Dispatch sends the code unless the same code and reference were already
// dispatched to the same phone within the dedupe period. sent is false for a suppressed duplicate.
func (d *Dispatcher) Dispatch(ctx context.Context, canonicalPhone, code, referenceCode string, ttl time.Duration) (sent bool, err error) {
	if d.dedupe != nil {
		first, err := d.dedupe.ClaimDispatch(ctx, canonicalPhone, code, referenceCode, d.dedupeTTL)
		if err != nil {
			util.Warn("Dispatch dedupe unavailable, sending anyway",
				util.String("phone", phone.Mask(canonicalPhone)),
				util.ErrorField(err))
		} else if !first {
			util.Info("Duplicate OTP dispatch suppressed", util.String("phone", phone.Mask(canonicalPhone)))
			return false, nil
		}
	}

	if err := d.sender.Send(ctx, canonicalPhone, FormatMessage(code, referenceCode, ttl)); err != nil {
		if d.dedupe != nil {
			if rerr := d.dedupe.ReleaseDispatch(context.WithoutCancel(ctx), canonicalPhone, code, referenceCode); rerr != nil {
				util.Warn("Failed to release dispatch claim", util.ErrorField(rerr))
			}
		}
		return false, err
	}
	return true, nil
}
