package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsup-service/internal/metrics"
	"smsup-service/internal/model"
	"smsup-service/internal/service"
)

const testSecret = "test-secret"

type stubOTP struct {
	sendErr   error
	verifyErr error
	lastSend  *service.SendRequest
	lastCheck *service.VerifyRequest
}

func (s *stubOTP) Send(_ context.Context, req *service.SendRequest) (*service.SendResult, error) {
	s.lastSend = req
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &service.SendResult{
		SessionID:     "sess-1",
		ReferenceCode: "ABC123",
		PhoneNumber:   "+66812345678",
		ExpiresAt:     time.Date(2026, 10, 15, 9, 5, 0, 0, time.UTC),
	}, nil
}

func (s *stubOTP) Verify(_ context.Context, req *service.VerifyRequest) (*service.VerifyResult, error) {
	s.lastCheck = req
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &service.VerifyResult{SessionID: req.SessionID, PhoneNumber: "+66812345678"}, nil
}

func (s *stubOTP) Resend(_ context.Context, req *service.ResendRequest) (*service.SessionView, error) {
	return &service.SessionView{SessionID: req.SessionID, Status: model.StatusPending, Code: "654321"}, nil
}

func (s *stubOTP) Cancel(_ context.Context, id string) (*service.SessionView, error) {
	return &service.SessionView{SessionID: id, Status: model.StatusBlocked}, nil
}

func (s *stubOTP) Status(_ context.Context, id string) (*service.SessionView, error) {
	if id == "missing" {
		return nil, service.ErrSessionNotFound
	}
	return &service.SessionView{SessionID: id, Status: model.StatusPending, AttemptsRemaining: 3}, nil
}

type stubCredits struct {
	userID string
	force  bool
	err    error
}

func (s *stubCredits) Sync(_ context.Context, userID string, force bool) (*service.SyncResult, error) {
	s.userID, s.force = userID, force
	if s.err != nil {
		return nil, s.err
	}
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	return &service.SyncResult{UserID: userID, Balance: 1234.5, LastSyncAt: &at, FromCache: !force}, nil
}

func newTestRouter(otp *stubOTP, credits *stubCredits, m *metrics.Metrics, health HealthChecker) http.Handler {
	return NewRouter(RouterConfig{
		ServiceName: "smsup-service",
		CORSOrigins: []string{"*"},
		Auth:        AuthConfig{Secret: testSecret},
		Metrics:     m,
		Health:      health,
	}, NewOTPHandler(otp), NewCreditHandler(credits))
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func token(t *testing.T, method jwt.SigningMethod, key interface{}, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestSendOTP(t *testing.T) {
	otp := &stubOTP{}
	rec, body := do(t, newTestRouter(otp, &stubCredits{}, nil, nil), http.MethodPost, "/otp/send",
		`{"phoneNumber":"+66812345678","userId":"u1"}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sess-1", body["otpId"])
	assert.Equal(t, "ABC123", body["referenceCode"])
	assert.Equal(t, "2026-10-15T09:05:00Z", body["expiresAt"])
	assert.NotContains(t, body, "code")
	assert.Equal(t, "u1", otp.lastSend.UserID)
}

func TestSendOTP_RateLimited(t *testing.T) {
	otp := &stubOTP{sendErr: &service.RetryAfterError{Err: service.ErrRateLimited, RetryAfter: 90 * time.Second}}
	rec, body := do(t, newTestRouter(otp, &stubCredits{}, nil, nil), http.MethodPost, "/otp/send",
		`{"phoneNumber":"0812345678"}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, float64(90), body["retryAfter"])
	assert.NotEmpty(t, body["action"])
}

func TestSendOTP_MalformedBody(t *testing.T) {
	rec, body := do(t, newTestRouter(&stubOTP{}, &stubCredits{}, nil, nil), http.MethodPost, "/otp/send", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestSendOTP_RejectsMarkup(t *testing.T) {
	otp := &stubOTP{}
	rec, body := do(t, newTestRouter(otp, &stubCredits{}, nil, nil), http.MethodPost, "/otp/send",
		`{"phoneNumber":"0812345678","userId":"<script>alert(1)</script>"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
	assert.Nil(t, otp.lastSend)
}

func TestVerifyOTP_InvalidCodeReportsRemaining(t *testing.T) {
	otp := &stubOTP{verifyErr: &service.InvalidCodeError{Remaining: 2}}
	rec, body := do(t, newTestRouter(otp, &stubCredits{}, nil, nil), http.MethodPost, "/otp/verify",
		`{"otpId":"sess-1","referenceCode":"ABC123","otpCode":"000000"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CODE", body["code"])
	assert.Equal(t, float64(2), body["remainingAttempts"])
	assert.Equal(t, "sess-1", otp.lastCheck.SessionID)
	assert.Equal(t, "000000", otp.lastCheck.Code)
}

func TestVerifyOTP_Success(t *testing.T) {
	rec, body := do(t, newTestRouter(&stubOTP{}, &stubCredits{}, nil, nil), http.MethodPost, "/otp/verify",
		`{"otpId":"sess-1","referenceCode":"ABC123","otpCode":"123456"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrAlreadyVerified, http.StatusConflict, "ALREADY_VERIFIED"},
		{service.ErrSessionExpired, http.StatusGone, "SESSION_EXPIRED"},
		{service.ErrMaxAttemptsExceeded, http.StatusForbidden, "MAX_ATTEMPTS"},
		{service.ErrSessionBlocked, http.StatusForbidden, "SESSION_BLOCKED"},
		{&service.RetryAfterError{Err: service.ErrResendTooSoon, RetryAfter: time.Second}, http.StatusTooManyRequests, "RESEND_TOO_SOON"},
		{&service.RetryAfterError{Err: service.ErrDailyLimitExceeded, RetryAfter: time.Hour}, http.StatusTooManyRequests, "DAILY_LIMIT"},
		{errors.Join(service.ErrDispatchFailed, errors.New("gateway")), http.StatusBadGateway, "DISPATCH_FAILED"},
		{service.ErrTokenExchangeFailed, http.StatusBadGateway, "TOKEN_EXCHANGE_FAILED"},
		{errors.New("scylla: connection refused"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			mapped := mapError(tc.err)
			assert.Equal(t, tc.status, mapped.Status)
			assert.Equal(t, tc.code, mapped.Code)
		})
	}
}

func TestInternalErrorDoesNotLeakDetails(t *testing.T) {
	otp := &stubOTP{sendErr: errors.New("scylla: password=hunter2")}
	rec, _ := do(t, newTestRouter(otp, &stubCredits{}, nil, nil), http.MethodPost, "/otp/send", `{"phoneNumber":"0812345678"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestOTPStatusAndResend(t *testing.T) {
	router := newTestRouter(&stubOTP{}, &stubCredits{}, nil, nil)

	rec, body := do(t, router, http.MethodGet, "/otp/sess-9", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	session := body["session"].(map[string]interface{})
	assert.Equal(t, "sess-9", session["session_id"])

	rec, body = do(t, router, http.MethodGet, "/otp/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", body["code"])

	rec, body = do(t, router, http.MethodPost, "/otp/resend", `{"sessionId":"sess-9","phoneNumber":"0812345678"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "654321", body["code"])
	assert.NotContains(t, body["session"].(map[string]interface{}), "code")

	rec, _ = do(t, router, http.MethodPost, "/otp/cancel", `{"sessionId":"sess-9"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreditSync_RequiresBearerToken(t *testing.T) {
	credits := &stubCredits{}
	router := newTestRouter(&stubOTP{}, credits, nil, nil)

	rec, body := do(t, router, http.MethodPost, "/credit/sync", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	expired := token(t, jwt.SigningMethodHS256, []byte(testSecret), "user-1", time.Now().Add(-time.Minute))
	rec, _ = do(t, router, http.MethodPost, "/credit/sync", `{}`, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey := token(t, jwt.SigningMethodHS256, []byte("other"), "user-1", time.Now().Add(time.Hour))
	rec, _ = do(t, router, http.MethodPost, "/credit/sync", `{}`, map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unsigned := token(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "user-1", time.Now().Add(time.Hour))
	rec, _ = do(t, router, http.MethodPost, "/credit/sync", `{}`, map[string]string{"Authorization": "Bearer " + unsigned})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, credits.userID)
}

func TestCreditSync(t *testing.T) {
	credits := &stubCredits{}
	router := newTestRouter(&stubOTP{}, credits, nil, nil)
	bearer := map[string]string{"Authorization": "Bearer " + token(t, jwt.SigningMethodHS256, []byte(testSecret), "user-1", time.Now().Add(time.Hour))}

	rec, body := do(t, router, http.MethodPost, "/credit/sync", `{"forceSync":true}`, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", credits.userID)
	assert.True(t, credits.force)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1234.5, data["balance"])
	assert.Equal(t, "2026-10-15T09:00:00Z", data["last_sync_at"])
	assert.Equal(t, false, body["fromCache"])

	// empty body means a normal sync
	rec, body = do(t, router, http.MethodPost, "/credit/sync", ``, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, credits.force)
	assert.Equal(t, true, body["fromCache"])

	credits.err = service.ErrSmsAccountNotFound
	rec, body = do(t, router, http.MethodPost, "/credit/sync", `{}`, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SMS_ACCOUNT_NOT_FOUND", body["code"])
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	healthy := true
	router := newTestRouter(&stubOTP{}, &stubCredits{}, m, func(context.Context) map[string]error {
		if healthy {
			return nil
		}
		return map[string]error{"redis": errors.New("connection refused")}
	})

	rec, body := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	healthy = false
	rec, body = do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["checks"], "redis")

	do(t, router, http.MethodGet, "/otp/sess-1", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(raw), `smsup_http_request_duration_seconds_count{route="/otp/{sessionID}",status="200"} 1`)
}

func TestRequireHTTPS(t *testing.T) {
	router := NewRouter(RouterConfig{RequireHTTPS: true}, NewOTPHandler(&stubOTP{}), nil)

	rec, _ := do(t, router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/health", "", map[string]string{"X-Forwarded-Proto": "https"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	rec, body := do(t, newTestRouter(&stubOTP{}, &stubCredits{}, nil, nil), http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])
}
