package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"smsup-service/internal/encryption"
	"smsup-service/internal/events"
	"smsup-service/internal/metrics"
	"smsup-service/internal/model"
	"smsup-service/internal/util"
)

type BillingAPI interface {
	Token(ctx context.Context, username, password string) (string, error)
	Balance(ctx context.Context, token string) (decimal.Decimal, error)
}

type FieldCipher interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

type CreditService struct {
	repo      model.CreditRepository
	billing   BillingAPI
	cipher    FieldCipher
	publisher events.Publisher
	metrics   *metrics.Metrics
	staleness time.Duration
	timeout   time.Duration
	now       func() time.Time
	inflight  singleflight.Group
}

type SyncResult struct {
	UserID     string           `json:"user_id"`
	Balance    float64          `json:"balance"`
	SyncStatus model.SyncStatus `json:"sync_status"`
	LastSyncAt *time.Time       `json:"last_sync_at"`
	FromCache  bool             `json:"from_cache"`
}

type SetAccountRequest struct {
	UserID      string `json:"user_id"`
	APIUsername string `json:"api_username"`
	APIPassword string `json:"api_password"`
}

func NewCreditService(
	repo model.CreditRepository,
	billing BillingAPI,
	cipher FieldCipher,
	publisher events.Publisher,
	m *metrics.Metrics,
	staleness time.Duration,
	now func() time.Time,
) *CreditService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	if staleness <= 0 {
		staleness = 5 * time.Minute
	}
	return &CreditService{
		repo:      repo,
		billing:   billing,
		cipher:    cipher,
		publisher: publisher,
		metrics:   m,
		staleness: staleness,
		timeout:   30 * time.Second,
		now:       now,
	}
}

// Sync returns the user's credit balance. A balance synced within the
// staleness window is served from the profile unless force is set; otherwise
// the billing API is queried. Concurrent syncs for one user share a single call.
func (s *CreditService) Sync(ctx context.Context, userID string, force bool) (*SyncResult, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	if !force {
		record, err := s.repo.GetCreditRecord(ctx, userID)
		switch {
		case err == nil && record.Fresh(s.now(), s.staleness):
			s.metrics.CreditSync("ok", "cache")
			return &SyncResult{
				UserID:     userID,
				Balance:    record.Balance,
				SyncStatus: record.SyncStatus,
				LastSyncAt: record.LastSyncAt,
				FromCache:  true,
			}, nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			util.Warn("Failed to read cached credit balance",
				util.String("user_id", userID),
				util.ErrorField(err))
		}
	}

	v, err, shared := s.inflight.Do(userID, func() (interface{}, error) {
		return s.syncFromAPI(ctx, userID)
	})
	if shared {
		util.Debug("Credit sync shared with concurrent caller", util.String("user_id", userID))
	}
	if err != nil {
		return nil, err
	}
	result := *v.(*SyncResult)
	return &result, nil
}

func (s *CreditService) syncFromAPI(ctx context.Context, userID string) (*SyncResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	balance, err := s.fetchBalance(ctx, userID)
	if err != nil {
		s.metrics.CreditSync(syncResultLabel(err), "api")
		if merr := s.repo.MarkSyncFailed(ctx, userID); merr != nil {
			util.Warn("Failed to record credit sync failure",
				util.String("user_id", userID),
				util.ErrorField(merr))
		}
		s.publish(ctx, s.creditEvent(events.CreditSyncFailed, userID).With("reason", syncResultLabel(err)))
		util.Error("Credit sync failed", util.String("user_id", userID), util.ErrorField(err))
		return nil, err
	}

	amount, _ := balance.Float64()
	record, err := s.repo.UpdateCreditBalance(ctx, userID, amount, s.now())
	if err != nil {
		s.metrics.CreditSync("error", "api")
		return nil, fmt.Errorf("failed to store credit balance: %w", err)
	}

	s.metrics.CreditSync("ok", "api")
	s.publish(ctx, s.creditEvent(events.CreditBalanceUpdated, userID).With("balance", balance.String()))
	util.Info("Credit balance synced",
		util.String("user_id", userID),
		util.String("balance", balance.String()))

	return &SyncResult{
		UserID:     userID,
		Balance:    record.Balance,
		SyncStatus: record.SyncStatus,
		LastSyncAt: record.LastSyncAt,
	}, nil
}

func (s *CreditService) fetchBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	account, err := s.repo.GetSMSAccount(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return decimal.Zero, ErrSmsAccountNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load sms account: %w", err)
	}
	if account.APIUsername == "" || account.EncryptedPassword == "" {
		return decimal.Zero, ErrInvalidCredentials
	}

	password, err := s.cipher.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: account.EncryptedPassword,
		EncryptedDEK:   account.EncryptedDEK,
		KeyID:          account.KeyID,
	})
	if err != nil || password == "" {
		util.Warn("SMS account credentials could not be decrypted",
			util.String("user_id", userID),
			util.ErrorField(err))
		return decimal.Zero, ErrInvalidCredentials
	}

	token, err := s.billing.Token(ctx, account.APIUsername, password)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	balance, err := s.billing.Balance(ctx, token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceFetchFailed, err)
	}
	return balance, nil
}

// SetAccount stores the SMS-UP+ API credentials for a user with the password
// envelope-encrypted.
func (s *CreditService) SetAccount(ctx context.Context, req *SetAccountRequest) error {
	if req == nil || req.UserID == "" || req.APIUsername == "" || req.APIPassword == "" {
		return ErrInvalidInput
	}
	sealed, err := s.cipher.EncryptField(ctx, req.APIPassword)
	if err != nil {
		return fmt.Errorf("failed to encrypt sms account password: %w", err)
	}
	now := s.now()
	account := &model.SMSAccount{
		UserID:            req.UserID,
		APIUsername:       req.APIUsername,
		EncryptedPassword: sealed.EncryptedValue,
		EncryptedDEK:      sealed.EncryptedDEK,
		KeyID:             sealed.KeyID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.UpsertSMSAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to store sms account: %w", err)
	}
	util.Info("SMS account credentials stored", util.String("user_id", req.UserID))
	return nil
}

func (s *CreditService) creditEvent(eventType, userID string) events.Event {
	e := events.New(eventType, s.now())
	e.UserID = userID
	return e
}

func (s *CreditService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		util.Warn("Failed to publish event",
			util.String("event_type", e.Type),
			util.ErrorField(err))
	}
}

func syncResultLabel(err error) string {
	switch {
	case errors.Is(err, ErrSmsAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "token_failed"
	case errors.Is(err, ErrBalanceFetchFailed):
		return "balance_failed"
	default:
		return "error"
	}
}
