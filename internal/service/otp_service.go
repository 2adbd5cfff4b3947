package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"smsup-service/internal/bucketing"
	"smsup-service/internal/config"
	"smsup-service/internal/events"
	"smsup-service/internal/hashing"
	"smsup-service/internal/metrics"
	"smsup-service/internal/model"
	"smsup-service/internal/phone"
	"smsup-service/internal/ratelimit"
	"smsup-service/internal/util"
)

// maxCASRetries bounds how often a verify or resend re-reads a session that
// changed underneath it.
const maxCASRetries = 3

type RequestLimiter interface {
	CheckAndConsume(ctx context.Context, key string) (ratelimit.Decision, error)
	Reset(ctx context.Context, key string) error
}

type DailyCounter interface {
	IncrementDaily(ctx context.Context, phoneNumber, day string, ttl time.Duration) (int, error)
}

type CodeDispatcher interface {
	Dispatch(ctx context.Context, canonicalPhone, code, referenceCode string, ttl time.Duration) (bool, error)
}

type CodeHasher interface {
	HashOTP(otp string) (*hashing.HashResult, error)
	VerifyOTP(otp string, hashResult *hashing.HashResult) (bool, error)
}

type OTPService struct {
	sessions   model.SessionRepository
	limiter    RequestLimiter
	daily      DailyCounter
	dispatcher CodeDispatcher
	hasher     CodeHasher
	buckets    *bucketing.BucketingManager
	codes      CodeGenerator
	publisher  events.Publisher
	metrics    *metrics.Metrics
	cfg        config.OTPConfig
	now        func() time.Time
}

type SendRequest struct {
	PhoneNumber string `json:"phone_number"`
	UserID      string `json:"user_id,omitempty"`
}

type SendResult struct {
	SessionID     string    `json:"session_id"`
	ReferenceCode string    `json:"reference_code"`
	PhoneNumber   string    `json:"phone_number"`
	ExpiresAt     time.Time `json:"expires_at"`
	ResendAfter   time.Time `json:"resend_available_at"`
	Code          string    `json:"code,omitempty"` // development only
}

type VerifyRequest struct {
	SessionID     string `json:"session_id"`
	ReferenceCode string `json:"reference_code,omitempty"`
	Code          string `json:"code"`
}

type VerifyResult struct {
	SessionID   string    `json:"session_id"`
	PhoneNumber string    `json:"phone_number"`
	UserID      string    `json:"user_id,omitempty"`
	VerifiedAt  time.Time `json:"verified_at"`
}

type ResendRequest struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// SessionView is the client-facing state of one session.
type SessionView struct {
	SessionID         string          `json:"session_id"`
	PhoneNumber       string          `json:"phone_number"`
	ReferenceCode     string          `json:"reference_code"`
	Status            model.OTPStatus `json:"status"`
	BlockReason       string          `json:"block_reason,omitempty"`
	AttemptsRemaining int             `json:"attempts_remaining"`
	ResendsRemaining  int             `json:"resends_remaining"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	ResendAfter       time.Time       `json:"resend_available_at"`
	VerifiedAt        *time.Time      `json:"verified_at,omitempty"`
	Code              string          `json:"code,omitempty"` // development only, set on resend
}

func NewOTPService(
	sessions model.SessionRepository,
	limiter RequestLimiter,
	daily DailyCounter,
	dispatcher CodeDispatcher,
	hasher CodeHasher,
	buckets *bucketing.BucketingManager,
	codes CodeGenerator,
	publisher events.Publisher,
	m *metrics.Metrics,
	cfg config.OTPConfig,
	now func() time.Time,
) *OTPService {
	if codes == nil {
		codes = RandomCodes{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxResends <= 0 {
		cfg.MaxResends = 3
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = 60 * time.Second
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = 10
	}

	return &OTPService{
		sessions:   sessions,
		limiter:    limiter,
		daily:      daily,
		dispatcher: dispatcher,
		hasher:     hasher,
		buckets:    buckets,
		codes:      codes,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		now:        now,
	}
}

// Send starts a new verification session for a phone number and delivers the
// code by SMS. Any session still pending for the same phone is superseded.
func (s *OTPService) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if req == nil {
		return nil, ErrInvalidInput
	}
	canonical, err := phone.Parse(req.PhoneNumber)
	if err != nil {
		s.metrics.Send("invalid_phone")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	now := s.now()

	if s.limiter != nil {
		decision, err := s.limiter.CheckAndConsume(ctx, sendLimitKey(canonical))
		if err != nil {
			util.Warn("Rate limiter check failed", util.ErrorField(err))
		} else if !decision.Allowed {
			s.metrics.Send("rate_limited")
			return nil, &RetryAfterError{Err: ErrRateLimited, RetryAfter: decision.RetryAfter}
		}
	}

	if s.daily != nil {
		untilMidnight := untilNextUTCMidnight(now)
		count, err := s.daily.IncrementDaily(ctx, canonical, bucketing.DateBucket(now), untilMidnight+time.Hour)
		if err != nil {
			util.Warn("Daily OTP counter unavailable, allowing send",
				util.String("phone", phone.Mask(canonical)),
				util.ErrorField(err))
		} else if count > s.cfg.DailyLimit {
			s.metrics.Send("daily_limit")
			return nil, &RetryAfterError{Err: ErrDailyLimitExceeded, RetryAfter: untilMidnight}
		}
	}

	s.supersedePending(ctx, canonical, now)

	code, err := s.codes.Code(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	reference, err := s.codes.Reference()
	if err != nil {
		return nil, err
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp: %w", err)
	}

	session := &model.OTPSession{
		SessionID:     uuid.NewString(),
		PhoneBucket:   s.buckets.PhoneBucket(canonical),
		PhoneRaw:      req.PhoneNumber,
		PhoneNumber:   canonical,
		CodeHash:      hashed.Encode(),
		ReferenceCode: reference,
		Status:        model.StatusPending,
		MaxAttempts:   s.cfg.MaxAttempts,
		MaxResends:    s.cfg.MaxResends,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.TTL),
		UserID:        req.UserID,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create otp session: %w", err)
	}

	if err := s.dispatch(ctx, session, code); err != nil {
		s.metrics.Send("dispatch_failed")
		return nil, err
	}

	s.metrics.Send("ok")
	s.publish(ctx, s.sessionEvent(events.OTPSent, session, now))
	util.Info("OTP sent",
		util.String("session_id", session.SessionID),
		util.String("phone", phone.Mask(canonical)),
		util.Int("phone_bucket", session.PhoneBucket))

	result := &SendResult{
		SessionID:     session.SessionID,
		ReferenceCode: reference,
		PhoneNumber:   phone.Display(canonical),
		ExpiresAt:     session.ExpiresAt,
		ResendAfter:   now.Add(s.cfg.ResendCooldown),
	}
	if s.cfg.EchoCode {
		result.Code = code
	}
	return result, nil
}

// Verify checks a code against a session. A wrong code consumes one attempt
// and the session is blocked once no attempts remain.
func (s *OTPService) Verify(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	if req == nil || req.SessionID == "" || strings.TrimSpace(req.Code) == "" {
		return nil, ErrInvalidInput
	}
	code := strings.TrimSpace(req.Code)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		session, err := s.load(ctx, req.SessionID)
		if err != nil {
			s.metrics.Verification("not_found")
			return nil, err
		}
		now := s.now()

		if err := s.checkPending(ctx, session, now); err != nil {
			s.metrics.Verification(verificationResult(err))
			return nil, err
		}
		if session.AttemptCount >= session.MaxAttempts {
			s.metrics.Verification("max_attempts")
			return nil, ErrMaxAttemptsExceeded
		}
		if req.ReferenceCode != "" && !strings.EqualFold(strings.TrimSpace(req.ReferenceCode), session.ReferenceCode) {
			s.metrics.Verification("reference_mismatch")
			return nil, ErrReferenceMismatch
		}

		stored, err := hashing.ParseHashResult(session.CodeHash)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored otp hash: %w", err)
		}
		match, err := s.hasher.VerifyOTP(code, stored)
		if err != nil {
			return nil, fmt.Errorf("failed to verify otp: %w", err)
		}

		if match {
			err = s.sessions.MarkVerified(ctx, session.SessionID, session.AttemptCount, session.ResendCount, now)
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to mark otp verified: %w", err)
			}
			s.metrics.Verification("ok")
			if err := s.limiter.Reset(ctx, sendLimitKey(session.PhoneNumber)); err != nil {
				util.Warn("Failed to reset send limit after verification",
					util.String("phone", phone.Mask(session.PhoneNumber)),
					util.ErrorField(err))
			}
			s.publish(ctx, s.sessionEvent(events.OTPVerified, session, now))
			util.Info("OTP verified", util.String("session_id", session.SessionID))
			return &VerifyResult{
				SessionID:   session.SessionID,
				PhoneNumber: phone.Display(session.PhoneNumber),
				UserID:      session.UserID,
				VerifiedAt:  now,
			}, nil
		}

		block := session.AttemptCount+1 >= session.MaxAttempts
		err = s.sessions.RecordFailedAttempt(ctx, session.SessionID, session.AttemptCount, session.ResendCount, block)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to record otp attempt: %w", err)
		}

		remaining := session.MaxAttempts - (session.AttemptCount + 1)
		s.metrics.Verification("invalid_code")
		s.publish(ctx, s.sessionEvent(events.OTPVerificationFailed, session, now).
			With("attempts_remaining", fmt.Sprint(remaining)))
		if block {
			s.publish(ctx, s.sessionEvent(events.OTPBlocked, session, now).
				With("reason", model.BlockReasonMaxAttempts))
			util.Warn("OTP session blocked after failed attempts",
				util.String("session_id", session.SessionID),
				util.String("phone", phone.Mask(session.PhoneNumber)))
		}
		return nil, &InvalidCodeError{Remaining: remaining}
	}
	return nil, ErrConcurrentUpdate
}

// Resend issues a fresh code and reference for a pending session and restarts
// its expiry. Resends are capped and spaced by a cooldown.
func (s *OTPService) Resend(ctx context.Context, req *ResendRequest) (*SessionView, error) {
	if req == nil || req.SessionID == "" {
		return nil, ErrInvalidInput
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		session, err := s.load(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		now := s.now()

		if req.PhoneNumber != "" && phone.Normalize(req.PhoneNumber) != session.PhoneNumber {
			return nil, ErrPhoneMismatch
		}
		if err := s.checkPending(ctx, session, now); err != nil {
			return nil, err
		}
		if session.ResendCount >= session.MaxResends {
			return nil, ErrMaxResendsExceeded
		}
		if wait := session.CooldownAnchor().Add(s.cfg.ResendCooldown).Sub(now); wait > 0 {
			return nil, &RetryAfterError{Err: ErrResendTooSoon, RetryAfter: wait}
		}

		code, err := s.codes.Code(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		reference, err := s.codes.Reference()
		if err != nil {
			return nil, err
		}
		hashed, err := s.hasher.HashOTP(code)
		if err != nil {
			return nil, fmt.Errorf("failed to hash otp: %w", err)
		}
		expiresAt := now.Add(s.cfg.TTL)

		err = s.sessions.ApplyResend(ctx, session.SessionID, session.ResendCount, hashed.Encode(), reference, expiresAt, now)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply otp resend: %w", err)
		}

		session.CodeHash = hashed.Encode()
		session.ReferenceCode = reference
		session.ExpiresAt = expiresAt
		session.LastResendAt = now
		session.ResendCount++
		session.AttemptCount = 0

		if err := s.dispatch(ctx, session, code); err != nil {
			return nil, err
		}

		s.publish(ctx, s.sessionEvent(events.OTPResent, session, now).
			With("resend_count", fmt.Sprint(session.ResendCount)))
		util.Info("OTP resent",
			util.String("session_id", session.SessionID),
			util.Int("resend_count", session.ResendCount))

		view := s.view(session, now)
		if s.cfg.EchoCode {
			view.Code = code
		}
		return view, nil
	}
	return nil, ErrConcurrentUpdate
}

// Cancel blocks a pending session so its code can no longer be used.
func (s *OTPService) Cancel(ctx context.Context, sessionID string) (*SessionView, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		session, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		now := s.now()
		if err := s.checkPending(ctx, session, now); err != nil {
			return nil, err
		}

		err = s.sessions.TransitionStatus(ctx, sessionID, model.StatusPending, model.StatusBlocked, model.BlockReasonCancelled)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cancel otp session: %w", err)
		}
		session.Status = model.StatusBlocked
		session.BlockReason = model.BlockReasonCancelled

		s.publish(ctx, s.sessionEvent(events.OTPCancelled, session, now))
		util.Info("OTP session cancelled", util.String("session_id", sessionID))
		return s.view(session, now), nil
	}
	return nil, ErrConcurrentUpdate
}

// Status reports the current state of a session. A pending session past its
// expiry is reported and persisted as expired.
func (s *OTPService) Status(ctx context.Context, sessionID string) (*SessionView, error) {
	if sessionID == "" {
		return nil, ErrInvalidInput
	}
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if session.EffectiveStatus(now) == model.StatusExpired && session.Status == model.StatusPending {
		s.expire(ctx, session, now)
	}
	return s.view(session, now), nil
}

// PurgeExpired deletes sessions created before the retention cutoff.
func (s *OTPService) PurgeExpired(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().Add(-retention)
	n, err := s.sessions.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("failed to purge otp sessions: %w", err)
	}
	util.Info("Purged OTP sessions", util.Int("count", n), util.Time("cutoff", cutoff))
	return n, nil
}

func (s *OTPService) load(ctx context.Context, sessionID string) (*model.OTPSession, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load otp session: %w", err)
	}
	return session, nil
}

// checkPending returns nil only for a session that can still be acted on.
func (s *OTPService) checkPending(ctx context.Context, session *model.OTPSession, now time.Time) error {
	switch session.EffectiveStatus(now) {
	case model.StatusPending:
		return nil
	case model.StatusVerified:
		return ErrAlreadyVerified
	case model.StatusBlocked:
		if session.BlockReason == model.BlockReasonMaxAttempts {
			return ErrMaxAttemptsExceeded
		}
		return ErrSessionBlocked
	default:
		if session.Status == model.StatusPending {
			s.expire(ctx, session, now)
		}
		return ErrSessionExpired
	}
}

func (s *OTPService) expire(ctx context.Context, session *model.OTPSession, now time.Time) {
	err := s.sessions.TransitionStatus(ctx, session.SessionID, model.StatusPending, model.StatusExpired, "")
	if err != nil && !errors.Is(err, model.ErrConflict) {
		util.Warn("Failed to persist otp expiry",
			util.String("session_id", session.SessionID),
			util.ErrorField(err))
		return
	}
	if err == nil {
		s.publish(ctx, s.sessionEvent(events.OTPExpired, session, now))
	}
	session.Status = model.StatusExpired
}

func (s *OTPService) supersedePending(ctx context.Context, canonical string, now time.Time) {
	pending, err := s.sessions.ListPendingByPhone(ctx, canonical)
	if err != nil {
		util.Warn("Failed to list pending otp sessions",
			util.String("phone", phone.Mask(canonical)),
			util.ErrorField(err))
		return
	}
	for _, old := range pending {
		err := s.sessions.TransitionStatus(ctx, old.SessionID, model.StatusPending, model.StatusBlocked, model.BlockReasonSuperseded)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			util.Warn("Failed to supersede otp session",
				util.String("session_id", old.SessionID),
				util.ErrorField(err))
			continue
		}
		s.publish(ctx, s.sessionEvent(events.OTPBlocked, old, now).With("reason", model.BlockReasonSuperseded))
	}
}

// dispatch sends the code and blocks the session if the gateway gave up.
func (s *OTPService) dispatch(ctx context.Context, session *model.OTPSession, code string) error {
	sent, err := s.dispatcher.Dispatch(ctx, session.PhoneNumber, code, session.ReferenceCode, s.cfg.TTL)
	if err == nil {
		if !sent {
			util.Debug("OTP dispatch deduplicated", util.String("session_id", session.SessionID))
		}
		return nil
	}

	util.Error("OTP dispatch failed",
		util.String("session_id", session.SessionID),
		util.String("phone", phone.Mask(session.PhoneNumber)),
		util.ErrorField(err))
	terr := s.sessions.TransitionStatus(context.WithoutCancel(ctx), session.SessionID,
		model.StatusPending, model.StatusBlocked, model.BlockReasonDispatchFailed)
	if terr != nil && !errors.Is(terr, model.ErrConflict) {
		util.Warn("Failed to block undelivered otp session", util.ErrorField(terr))
	}
	s.publish(ctx, s.sessionEvent(events.OTPBlocked, session, s.now()).With("reason", model.BlockReasonDispatchFailed))
	return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
}

func (s *OTPService) view(session *model.OTPSession, now time.Time) *SessionView {
	v := &SessionView{
		SessionID:         session.SessionID,
		PhoneNumber:       phone.Display(session.PhoneNumber),
		ReferenceCode:     session.ReferenceCode,
		Status:            session.EffectiveStatus(now),
		BlockReason:       session.BlockReason,
		AttemptsRemaining: session.RemainingAttempts(),
		ResendsRemaining:  session.MaxResends - session.ResendCount,
		CreatedAt:         session.CreatedAt,
		ExpiresAt:         session.ExpiresAt,
		ResendAfter:       session.CooldownAnchor().Add(s.cfg.ResendCooldown),
	}
	if v.ResendsRemaining < 0 {
		v.ResendsRemaining = 0
	}
	if !session.VerifiedAt.IsZero() {
		at := session.VerifiedAt
		v.VerifiedAt = &at
	}
	return v
}

func (s *OTPService) sessionEvent(eventType string, session *model.OTPSession, now time.Time) events.Event {
	e := events.New(eventType, now)
	e.SessionID = session.SessionID
	e.UserID = session.UserID
	e.PhoneMasked = phone.Mask(session.PhoneNumber)
	e.PhoneBucket = session.PhoneBucket
	return e
}

func (s *OTPService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		util.Warn("Failed to publish event",
			util.String("event_type", e.Type),
			util.ErrorField(err))
	}
}

func verificationResult(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return "max_attempts"
	case errors.Is(err, ErrSessionBlocked):
		return "blocked"
	case errors.Is(err, ErrSessionExpired):
		return "expired"
	default:
		return "error"
	}
}

func sendLimitKey(canonicalPhone string) string {
	return "otp_send:" + canonicalPhone
}

func untilNextUTCMidnight(now time.Time) time.Duration {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(utc)
}
