package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"smsup-service/internal/bucketing"
	"smsup-service/internal/model"
	"smsup-service/internal/phone"
	"smsup-service/internal/util"
)

// OTPRepository stores OTP sessions keyed by id, with a per-phone index
// partitioned by phone bucket.
type OTPRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

var _ model.SessionRepository = (*OTPRepository)(nil)

func NewOTPRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *OTPRepository {
	return &OTPRepository{client: client, buckets: buckets}
}

func (r *OTPRepository) CreateSession(ctx context.Context, s *model.OTPSession) error {
	if s.SessionID == "" {
		s.SessionID = uuid.New().String()
	}
	s.PhoneBucket = r.buckets.PhoneBucket(s.PhoneNumber)

	applied, err := r.client.ExecuteCAS(ctx, r.client.Stmts.InsertSession,
		s.SessionID, s.PhoneBucket, s.PhoneRaw, s.PhoneNumber, s.CodeHash, s.ReferenceCode,
		string(s.Status), s.BlockReason, s.AttemptCount, s.MaxAttempts, s.ResendCount, s.MaxResends,
		s.CreatedAt, s.ExpiresAt, nullTime(s.LastResendAt), nullTime(s.VerifiedAt), s.UserID)
	if err != nil {
		util.Error("Failed to create OTP session",
			util.String("session_id", s.SessionID),
			util.String("phone", phone.Mask(s.PhoneNumber)),
			util.ErrorField(err))
		return fmt.Errorf("failed to create OTP session: %w", err)
	}
	if !applied {
		return fmt.Errorf("failed to create OTP session %s: %w", s.SessionID, model.ErrConflict)
	}

	if err := r.client.ExecuteWithRetry(ctx, r.client.Stmts.InsertPhoneIndex,
		s.PhoneBucket, s.PhoneNumber, s.CreatedAt, s.SessionID); err != nil {
		return fmt.Errorf("failed to index OTP session: %w", err)
	}

	util.Debug("OTP session created",
		util.String("session_id", s.SessionID),
		util.String("phone", phone.Mask(s.PhoneNumber)),
		util.Time("expires_at", s.ExpiresAt))
	return nil
}

func (r *OTPRepository) GetSession(ctx context.Context, sessionID string) (*model.OTPSession, error) {
	s := &model.OTPSession{}
	var status string
	err := r.client.Query(ctx, r.client.Stmts.GetSession, sessionID).Scan(
		&s.SessionID, &s.PhoneBucket, &s.PhoneRaw, &s.PhoneNumber, &s.CodeHash, &s.ReferenceCode,
		&status, &s.BlockReason, &s.AttemptCount, &s.MaxAttempts, &s.ResendCount, &s.MaxResends,
		&s.CreatedAt, &s.ExpiresAt, &s.LastResendAt, &s.VerifiedAt, &s.UserID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get OTP session: %w", err)
	}
	s.Status = model.OTPStatus(status)
	return s, nil
}

func (r *OTPRepository) ListPendingByPhone(ctx context.Context, phoneNumber string) ([]*model.OTPSession, error) {
	iter := r.client.Query(ctx, r.client.Stmts.ListSessionsByPhone,
		r.buckets.PhoneBucket(phoneNumber), phoneNumber).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list OTP sessions by phone: %w", err)
	}

	var pending []*model.OTPSession
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.Status == model.StatusPending {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// RecordFailedAttempt and MarkVerified also match the resend count so a code
// replaced by a concurrent resend can neither verify nor burn an attempt.
func (r *OTPRepository) RecordFailedAttempt(ctx context.Context, sessionID string, observedAttempts, observedResends int, block bool) error {
	status, reason := model.StatusPending, ""
	if block {
		status, reason = model.StatusBlocked, model.BlockReasonMaxAttempts
	}
	return r.cas(ctx, "record failed attempt", r.client.Stmts.RecordFailedAttempt,
		observedAttempts+1, string(status), reason, sessionID, observedAttempts, observedResends)
}

func (r *OTPRepository) MarkVerified(ctx context.Context, sessionID string, observedAttempts, observedResends int, verifiedAt time.Time) error {
	return r.cas(ctx, "mark verified", r.client.Stmts.MarkVerified,
		verifiedAt, sessionID, observedAttempts, observedResends)
}

func (r *OTPRepository) TransitionStatus(ctx context.Context, sessionID string, from, to model.OTPStatus, reason string) error {
	return r.cas(ctx, "transition status", r.client.Stmts.TransitionStatus,
		string(to), reason, sessionID, string(from))
}

func (r *OTPRepository) ApplyResend(ctx context.Context, sessionID string, observedResends int, codeHash, referenceCode string, expiresAt, resentAt time.Time) error {
	return r.cas(ctx, "apply resend", r.client.Stmts.ApplyResend,
		codeHash, referenceCode, expiresAt, resentAt, observedResends+1, sessionID, observedResends)
}

func (r *OTPRepository) cas(ctx context.Context, op, stmt string, values ...interface{}) error {
	applied, err := r.client.ExecuteCAS(ctx, stmt, values...)
	if err != nil {
		util.Error("OTP session update failed", util.String("op", op), util.ErrorField(err))
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if !applied {
		return model.ErrConflict
	}
	return nil
}

// PurgeOlderThan deletes sessions created before cutoff, walking the phone
// index one bucket at a time.
func (r *OTPRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for bucket := 0; bucket < r.buckets.PhoneBuckets(); bucket++ {
		iter := r.client.Query(ctx, r.client.Stmts.ListBucketOlderThan, bucket, cutoff).Iter()

		var phoneNumber, sessionID string
		var createdAt time.Time
		for iter.Scan(&phoneNumber, &createdAt, &sessionID) {
			if err := r.client.ExecuteWithRetry(ctx, r.client.Stmts.DeleteSession, sessionID); err != nil {
				_ = iter.Close()
				return deleted, fmt.Errorf("failed to delete OTP session: %w", err)
			}
			if err := r.client.ExecuteWithRetry(ctx, r.client.Stmts.DeletePhoneIndexRow,
				bucket, phoneNumber, createdAt, sessionID); err != nil {
				_ = iter.Close()
				return deleted, fmt.Errorf("failed to delete OTP session index row: %w", err)
			}
			deleted++
		}
		if err := iter.Close(); err != nil {
			return deleted, fmt.Errorf("failed to scan bucket %d: %w", bucket, err)
		}
	}

	util.Info("Old OTP sessions purged",
		util.Int("deleted_count", deleted),
		util.Time("cutoff", cutoff))
	return deleted, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
