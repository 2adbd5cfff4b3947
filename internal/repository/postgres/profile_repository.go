package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smsup-service/internal/model"
	"smsup-service/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id                 TEXT PRIMARY KEY,
    credit_balance     DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_credit_sync   TIMESTAMPTZ,
    credit_sync_status TEXT NOT NULL DEFAULT 'never'
);
CREATE TABLE IF NOT EXISTS sms_accounts (
    user_id            TEXT PRIMARY KEY,
    api_username       TEXT NOT NULL,
    encrypted_password TEXT NOT NULL,
    encrypted_dek      TEXT NOT NULL,
    key_id             TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// ProfileRepository owns the credit columns of profiles and the sms_accounts table.
type ProfileRepository struct {
	db *sql.DB
}

var _ model.CreditRepository = (*ProfileRepository)(nil)

func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply profile schema: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetCreditRecord(ctx context.Context, userID string) (*model.CreditRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, credit_balance, last_credit_sync, credit_sync_status FROM profiles WHERE id = $1`, userID)
	rec, err := scanCreditRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load credit record: %w", err)
	}
	return rec, nil
}

// UpdateCreditBalance writes balance and sync time in one statement and
// returns the stored row.
func (r *ProfileRepository) UpdateCreditBalance(ctx context.Context, userID string, balance float64, syncedAt time.Time) (*model.CreditRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO profiles (id, credit_balance, last_credit_sync, credit_sync_status)
		VALUES ($1, $2, $3, 'synced')
		ON CONFLICT (id) DO UPDATE SET
			credit_balance = EXCLUDED.credit_balance,
			last_credit_sync = EXCLUDED.last_credit_sync,
			credit_sync_status = 'synced'
		RETURNING id, credit_balance, last_credit_sync, credit_sync_status`,
		userID, balance, syncedAt.UTC())
	rec, err := scanCreditRecord(row)
	if err != nil {
		util.Error("Failed to update credit balance", util.String("user_id", userID), util.ErrorField(err))
		return nil, fmt.Errorf("failed to update credit balance: %w", err)
	}
	return rec, nil
}

// MarkSyncFailed flags the last sync as failed without touching the balance.
func (r *ProfileRepository) MarkSyncFailed(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, credit_sync_status) VALUES ($1, 'failed')
		ON CONFLICT (id) DO UPDATE SET credit_sync_status = 'failed'`, userID)
	if err != nil {
		return fmt.Errorf("failed to mark credit sync failed: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetSMSAccount(ctx context.Context, userID string) (*model.SMSAccount, error) {
	var a model.SMSAccount
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, api_username, encrypted_password, encrypted_dek, key_id, created_at, updated_at
		FROM sms_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.APIUsername, &a.EncryptedPassword, &a.EncryptedDEK, &a.KeyID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load sms account: %w", err)
	}
	return &a, nil
}

func (r *ProfileRepository) UpsertSMSAccount(ctx context.Context, a *model.SMSAccount) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sms_accounts (user_id, api_username, encrypted_password, encrypted_dek, key_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			api_username = EXCLUDED.api_username,
			encrypted_password = EXCLUDED.encrypted_password,
			encrypted_dek = EXCLUDED.encrypted_dek,
			key_id = EXCLUDED.key_id,
			updated_at = EXCLUDED.updated_at`,
		a.UserID, a.APIUsername, a.EncryptedPassword, a.EncryptedDEK, a.KeyID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert sms account: %w", err)
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func scanCreditRecord(row *sql.Row) (*model.CreditRecord, error) {
	var rec model.CreditRecord
	var lastSync sql.NullTime
	var status string
	if err := row.Scan(&rec.UserID, &rec.Balance, &lastSync, &status); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		rec.LastSyncAt = &t
	}
	rec.SyncStatus = model.SyncStatus(status)
	return &rec, nil
}
