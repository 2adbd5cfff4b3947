package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional (CAS) update was not applied.
	ErrConflict = errors.New("conditional update not applied")
)

// -------------------- OTP SESSION MODEL --------------------

type OTPStatus string

const (
	StatusPending  OTPStatus = "pending"
	StatusVerified OTPStatus = "verified"
	StatusExpired  OTPStatus = "expired"
	StatusBlocked  OTPStatus = "blocked"
)

const (
	BlockReasonMaxAttempts    = "max_attempts"
	BlockReasonSuperseded     = "superseded"
	BlockReasonCancelled      = "cancelled"
	BlockReasonDispatchFailed = "dispatch_failed"
)

type OTPSession struct {
	SessionID     string    `json:"session_id" db:"session_id"`         // UUID
	PhoneBucket   int       `json:"phone_bucket" db:"phone_bucket"`     // murmur3 bucket of PhoneNumber
	PhoneRaw      string    `json:"phone_raw" db:"phone_raw"`           // as submitted
	PhoneNumber   string    `json:"phone_number" db:"phone_number"`     // canonical 66XXXXXXXXX
	CodeHash      string    `json:"-" db:"code_hash"`                   // encoded argon2 result
	ReferenceCode string    `json:"reference_code" db:"reference_code"` // shown next to the code in the SMS
	Status        OTPStatus `json:"status" db:"status"`
	BlockReason   string    `json:"block_reason,omitempty" db:"block_reason"`
	AttemptCount  int       `json:"attempt_count" db:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts" db:"max_attempts"`
	ResendCount   int       `json:"resend_count" db:"resend_count"`
	MaxResends    int       `json:"max_resends" db:"max_resends"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	LastResendAt  time.Time `json:"last_resend_at,omitempty" db:"last_resend_at"` // zero until first resend
	VerifiedAt    time.Time `json:"verified_at,omitempty" db:"verified_at"`
	UserID        string    `json:"user_id,omitempty" db:"user_id"`
}

// EffectiveStatus reports the status a reader must act on. A pending session
// past its expiry is expired regardless of what is stored.
func (s *OTPSession) EffectiveStatus(now time.Time) OTPStatus {
	if s.Status == StatusPending && !now.Before(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

func (s *OTPSession) RemainingAttempts() int {
	if r := s.MaxAttempts - s.AttemptCount; r > 0 {
		return r
	}
	return 0
}

// CooldownAnchor is the instant the resend cooldown is measured from.
func (s *OTPSession) CooldownAnchor() time.Time {
	if s.LastResendAt.IsZero() {
		return s.CreatedAt
	}
	return s.LastResendAt
}

// -------------------- CREDIT MODEL --------------------

type SyncStatus string

const (
	SyncStatusNever  SyncStatus = "never"
	SyncStatusSynced SyncStatus = "synced"
	SyncStatusFailed SyncStatus = "failed"
)

type CreditRecord struct {
	UserID     string     `json:"user_id" db:"id"`
	Balance    float64    `json:"balance" db:"credit_balance"`
	LastSyncAt *time.Time `json:"last_sync_at" db:"last_credit_sync"` // nil when never synced
	SyncStatus SyncStatus `json:"sync_status" db:"credit_sync_status"`
}

// Fresh reports whether the record was synced within staleness of now.
func (c *CreditRecord) Fresh(now time.Time, staleness time.Duration) bool {
	return c != nil && c.LastSyncAt != nil && now.Sub(*c.LastSyncAt) <= staleness
}

type SMSAccount struct {
	UserID            string    `json:"user_id" db:"user_id"`
	APIUsername       string    `json:"api_username" db:"api_username"`
	EncryptedPassword string    `json:"-" db:"encrypted_password"` // envelope ciphertext
	EncryptedDEK      string    `json:"-" db:"encrypted_dek"`
	KeyID             string    `json:"key_id" db:"key_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- RATE LIMIT MODEL --------------------

type RateLimitEntry struct {
	Key         string    `json:"key"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// SessionRepository persists OTP sessions. Every mutation is conditional on
// the state the caller observed and returns ErrConflict when it no longer holds.
type SessionRepository interface {
	CreateSession(ctx context.Context, s *OTPSession) error
	GetSession(ctx context.Context, sessionID string) (*OTPSession, error)
	ListPendingByPhone(ctx context.Context, phoneNumber string) ([]*OTPSession, error)
	RecordFailedAttempt(ctx context.Context, sessionID string, observedAttempts, observedResends int, block bool) error
	MarkVerified(ctx context.Context, sessionID string, observedAttempts, observedResends int, verifiedAt time.Time) error
	TransitionStatus(ctx context.Context, sessionID string, from, to OTPStatus, reason string) error
	ApplyResend(ctx context.Context, sessionID string, observedResends int, codeHash, referenceCode string, expiresAt, resentAt time.Time) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// CreditRepository reads and writes the credit columns of a user profile and
// the SMS account credentials used to reach the billing API.
type CreditRepository interface {
	GetCreditRecord(ctx context.Context, userID string) (*CreditRecord, error)
	UpdateCreditBalance(ctx context.Context, userID string, balance float64, syncedAt time.Time) (*CreditRecord, error)
	MarkSyncFailed(ctx context.Context, userID string) error
	GetSMSAccount(ctx context.Context, userID string) (*SMSAccount, error)
	UpsertSMSAccount(ctx context.Context, account *SMSAccount) error
}
