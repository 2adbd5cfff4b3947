package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrRateLimited         = errors.New("too many requests")
	ErrDailyLimitExceeded  = errors.New("daily OTP limit reached")
	ErrSessionNotFound     = errors.New("otp session not found")
	ErrSessionExpired      = errors.New("otp session expired")
	ErrAlreadyVerified     = errors.New("otp session already verified")
	ErrSessionBlocked      = errors.New("otp session blocked")
	ErrMaxAttemptsExceeded = errors.New("maximum verification attempts exceeded")
	ErrReferenceMismatch   = errors.New("reference code does not match")
	ErrInvalidCode         = errors.New("invalid otp code")
	ErrPhoneMismatch       = errors.New("phone number does not match session")
	ErrResendTooSoon       = errors.New("resend requested too soon")
	ErrMaxResendsExceeded  = errors.New("maximum resends exceeded")
	ErrDispatchFailed      = errors.New("failed to send otp sms")
	ErrConcurrentUpdate    = errors.New("otp session changed concurrently")

	ErrSmsAccountNotFound  = errors.New("sms account not found")
	ErrInvalidCredentials  = errors.New("sms account credentials invalid")
	ErrTokenExchangeFailed = errors.New("billing token exchange failed")
	ErrBalanceFetchFailed  = errors.New("billing balance fetch failed")
)

// RetryAfterError tells the caller when the rejected operation may succeed.
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfterSeconds rounds up so a client never retries early.
func (e *RetryAfterError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// InvalidCodeError is returned for a wrong code and carries the attempts left.
type InvalidCodeError struct {
	Remaining int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("%v: %d attempts remaining", ErrInvalidCode, e.Remaining)
}

func (e *InvalidCodeError) Unwrap() error { return ErrInvalidCode }
