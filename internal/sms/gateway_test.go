package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsup-service/internal/config"
	"smsup-service/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}
}

func newGateway(url string) *Gateway {
	return NewGateway(config.SMSGatewayConfig{
		URL: url, Username: "u", Password: "p", Sender: "SMSUP",
		BreakerFailures: 5, BreakerTimeout: time.Minute,
	}, fastPolicy(), nil, nil)
}

func TestGateway_SendsForm(t *testing.T) {
	var got http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got = *r
		fmt.Fprint(w, "Status=0&MessageID=42")
	}))
	defer srv.Close()

	require.NoError(t, newGateway(srv.URL).Send(context.Background(), "66812345678", "hello"))
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Equal(t, "66812345678", got.PostForm.Get("msisdn"))
	assert.Equal(t, "hello", got.PostForm.Get("message"))
	assert.Equal(t, "u", got.PostForm.Get("username"))
	assert.Equal(t, "SMSUP", got.PostForm.Get("sender"))
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "Status=0")
	}))
	defer srv.Close()

	require.NoError(t, newGateway(srv.URL).Send(context.Background(), "66812345678", "m"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGateway_GivesUpAfterThreeRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newGateway(srv.URL).Send(context.Background(), "66812345678", "m")
	assert.ErrorIs(t, err, ErrGatewayRejected)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestGateway_InvalidNumberIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, "Status=1 Invalid Number")
	}))
	defer srv.Close()

	err := newGateway(srv.URL).Send(context.Background(), "66812345678", "m")
	assert.ErrorIs(t, err, ErrInvalidNumber)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGateway_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newGateway(srv.URL)
	_ = g.Send(context.Background(), "66812345678", "m") // 4 failures
	err := g.Send(context.Background(), "66812345678", "m")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, "open", g.BreakerState())
}

type recordingSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (s *recordingSender) Send(_ context.Context, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return s.err
}

type memDedupe struct {
	mu     sync.Mutex
	claims map[string]bool
	err    error
}

func (m *memDedupe) ClaimDispatch(_ context.Context, phone, code, ref string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.claims == nil {
		m.claims = map[string]bool{}
	}
	k := phone + "|" + code + "|" + ref
	if m.claims[k] {
		return false, nil
	}
	m.claims[k] = true
	return true, nil
}

func (m *memDedupe) ReleaseDispatch(_ context.Context, phone, code, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, phone+"|"+code+"|"+ref)
	return nil
}

func TestDispatcher_SuppressesDuplicates(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, &memDedupe{}, 2*time.Minute)

	sent, err := d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, sent)

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "Your SMS-UP+ verification code is 123456 (ref ABC123). Expires in 5 minutes.", sender.messages[0])
}

func TestDispatcher_SameCodeWithNewReferenceIsSent(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, &memDedupe{}, 2*time.Minute)

	sent, err := d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = d.Dispatch(context.Background(), "66812345678", "123456", "XYZ789", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, sender.messages, 2)
	assert.Contains(t, sender.messages[1], "ref XYZ789")
}

func TestDispatcher_ReleasesClaimOnFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("down")}
	dedupe := &memDedupe{}
	d := NewDispatcher(sender, dedupe, 2*time.Minute)

	_, err := d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.Error(t, err)

	sender.err = nil
	sent, err := d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestDispatcher_SendsWhenDedupeUnavailable(t *testing.T) {
	sender := &recordingSender{}
	d := NewDispatcher(sender, &memDedupe{err: errors.New("redis down")}, 0)

	sent, err := d.Dispatch(context.Background(), "66812345678", "123456", "ABC123", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
}
