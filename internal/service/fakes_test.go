package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smsup-service/internal/events"
	"smsup-service/internal/model"
	"smsup-service/internal/ratelimit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memSessions applies the same conditional-update rules as the Scylla store.
type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*model.OTPSession
	// afterGet, when set, runs once after the next GetSession returns its copy.
	afterGet func()
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: make(map[string]*model.OTPSession)}
}

func (m *memSessions) get(id string) model.OTPSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memSessions) CreateSession(_ context.Context, s *model.OTPSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.SessionID]; ok {
		return model.ErrConflict
	}
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *memSessions) GetSession(_ context.Context, id string) (*model.OTPSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, model.ErrNotFound
	}
	cp := *s
	hook := m.afterGet
	m.afterGet = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &cp, nil
}

func (m *memSessions) ListPendingByPhone(_ context.Context, phoneNumber string) ([]*model.OTPSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.OTPSession
	for _, s := range m.sessions {
		if s.PhoneNumber == phoneNumber && s.Status == model.StatusPending {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessions) RecordFailedAttempt(_ context.Context, id string, observed, resends int, block bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != model.StatusPending || s.AttemptCount != observed || s.ResendCount != resends {
		return model.ErrConflict
	}
	s.AttemptCount++
	if block {
		s.Status = model.StatusBlocked
		s.BlockReason = model.BlockReasonMaxAttempts
	}
	return nil
}

func (m *memSessions) MarkVerified(_ context.Context, id string, observed, resends int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != model.StatusPending || s.AttemptCount != observed || s.ResendCount != resends {
		return model.ErrConflict
	}
	s.Status = model.StatusVerified
	s.VerifiedAt = at
	return nil
}

func (m *memSessions) TransitionStatus(_ context.Context, id string, from, to model.OTPStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != from {
		return model.ErrConflict
	}
	s.Status = to
	s.BlockReason = reason
	return nil
}

func (m *memSessions) ApplyResend(_ context.Context, id string, observed int, codeHash, ref string, expiresAt, resentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != model.StatusPending || s.ResendCount != observed {
		return model.ErrConflict
	}
	s.CodeHash = codeHash
	s.ReferenceCode = ref
	s.ExpiresAt = expiresAt
	s.LastResendAt = resentAt
	s.ResendCount++
	s.AttemptCount = 0
	return nil
}

func (m *memSessions) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type stubLimiter struct {
	mu         sync.Mutex
	deny       bool
	retryAfter time.Duration
	keys       []string
	resets     []string
}

func (l *stubLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets = append(l.resets, key)
	return nil
}

func (l *stubLimiter) CheckAndConsume(_ context.Context, key string) (ratelimit.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	if l.deny {
		return ratelimit.Decision{Allowed: false, RetryAfter: l.retryAfter}, nil
	}
	return ratelimit.Decision{Allowed: true}, nil
}

type memDaily struct {
	mu     sync.Mutex
	counts map[string]int
}

func (d *memDaily) IncrementDaily(_ context.Context, phoneNumber, day string, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = make(map[string]int)
	}
	d.counts[phoneNumber+":"+day]++
	return d.counts[phoneNumber+":"+day], nil
}

type sentSMS struct {
	phone, code, ref string
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, phoneNumber, code, ref string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	d.sent = append(d.sent, sentSMS{phone: phoneNumber, code: code, ref: ref})
	return true, nil
}

func (d *recordingDispatcher) last() sentSMS {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[len(d.sent)-1]
}

// sequenceCodes hands out 100001, 100002, ... and REF001, REF002, ...
type sequenceCodes struct {
	mu sync.Mutex
	n  int
	r  int
}

func (c *sequenceCodes) Code(int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("%06d", 100000+c.n), nil
}

func (c *sequenceCodes) Reference() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r++
	return fmt.Sprintf("REF%03d", c.r), nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type memCredits struct {
	mu       sync.Mutex
	records  map[string]*model.CreditRecord
	accounts map[string]*model.SMSAccount
}

func newMemCredits() *memCredits {
	return &memCredits{
		records:  make(map[string]*model.CreditRecord),
		accounts: make(map[string]*model.SMSAccount),
	}
}

func (m *memCredits) GetCreditRecord(_ context.Context, userID string) (*model.CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memCredits) UpdateCreditBalance(_ context.Context, userID string, balance float64, syncedAt time.Time) (*model.CreditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := syncedAt
	r := &model.CreditRecord{UserID: userID, Balance: balance, LastSyncAt: &at, SyncStatus: model.SyncStatusSynced}
	m.records[userID] = r
	cp := *r
	return &cp, nil
}

func (m *memCredits) MarkSyncFailed(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		r = &model.CreditRecord{UserID: userID}
		m.records[userID] = r
	}
	r.SyncStatus = model.SyncStatusFailed
	return nil
}

func (m *memCredits) GetSMSAccount(_ context.Context, userID string) (*model.SMSAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memCredits) UpsertSMSAccount(_ context.Context, a *model.SMSAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.accounts[a.UserID] = &cp
	return nil
}

type stubBilling struct {
	mu       sync.Mutex
	balance  decimal.Decimal
	tokenErr error
	fetchErr error
	calls    int
	users    []string
	release  chan struct{}
	entered  chan struct{}
}

func (b *stubBilling) Token(_ context.Context, username, password string) (string, error) {
	b.mu.Lock()
	b.calls++
	b.users = append(b.users, username+":"+password)
	entered, release := b.entered, b.release
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if b.tokenErr != nil {
		return "", b.tokenErr
	}
	return "token-" + username, nil
}

func (b *stubBilling) Balance(_ context.Context, token string) (decimal.Decimal, error) {
	if b.fetchErr != nil {
		return decimal.Zero, b.fetchErr
	}
	return b.balance, nil
}

func (b *stubBilling) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}
