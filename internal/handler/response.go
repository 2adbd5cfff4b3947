package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"smsup-service/internal/service"
	"smsup-service/internal/util"
)

// Response is the envelope every endpoint writes.
type Response struct {
	Success           bool        `json:"success"`
	Data              interface{} `json:"data,omitempty"`
	Message           string      `json:"message,omitempty"`
	Error             string      `json:"error,omitempty"`
	Code              string      `json:"code,omitempty"`
	Action            string      `json:"action,omitempty"`
	RetryAfter        *int        `json:"retryAfter,omitempty"`
	RemainingAttempts *int        `json:"remainingAttempts,omitempty"`
}

// apiError is the client-facing description of a failure.
type apiError struct {
	Status  int
	Code    string
	Message string
	Action  string
}

var errorTable = []struct {
	target error
	apiError
}{
	{service.ErrInvalidInput, apiError{http.StatusBadRequest, "INVALID_REQUEST", "Request is missing required fields", "Check the request body and try again"}},
	{service.ErrInvalidPhone, apiError{http.StatusBadRequest, "INVALID_PHONE", "Phone number is not a valid Thai mobile number", "Enter a number such as 0812345678 or +66812345678"}},
	{service.ErrRateLimited, apiError{http.StatusTooManyRequests, "RATE_LIMITED", "Too many OTP requests", "Wait before requesting another code"}},
	{service.ErrDailyLimitExceeded, apiError{http.StatusTooManyRequests, "DAILY_LIMIT", "Daily OTP limit reached for this number", "Try again tomorrow"}},
	{service.ErrSessionNotFound, apiError{http.StatusNotFound, "SESSION_NOT_FOUND", "OTP session not found", "Request a new code"}},
	{service.ErrSessionExpired, apiError{http.StatusGone, "SESSION_EXPIRED", "OTP has expired", "Request a new code"}},
	{service.ErrAlreadyVerified, apiError{http.StatusConflict, "ALREADY_VERIFIED", "OTP was already verified", "Continue with the verified session"}},
	{service.ErrMaxAttemptsExceeded, apiError{http.StatusForbidden, "MAX_ATTEMPTS", "Too many incorrect codes", "Request a new code"}},
	{service.ErrSessionBlocked, apiError{http.StatusForbidden, "SESSION_BLOCKED", "OTP session is no longer active", "Request a new code"}},
	{service.ErrReferenceMismatch, apiError{http.StatusBadRequest, "REFERENCE_MISMATCH", "Reference code does not match this session", "Use the reference code shown with the SMS"}},
	{service.ErrInvalidCode, apiError{http.StatusBadRequest, "INVALID_CODE", "Incorrect OTP code", "Check the SMS and try again"}},
	{service.ErrPhoneMismatch, apiError{http.StatusBadRequest, "PHONE_MISMATCH", "Phone number does not match this session", "Use the number the code was sent to"}},
	{service.ErrResendTooSoon, apiError{http.StatusTooManyRequests, "RESEND_TOO_SOON", "Please wait before resending", "Wait for the cooldown to finish"}},
	{service.ErrMaxResendsExceeded, apiError{http.StatusTooManyRequests, "MAX_RESENDS", "Resend limit reached for this session", "Request a new code"}},
	{service.ErrDispatchFailed, apiError{http.StatusBadGateway, "DISPATCH_FAILED", "SMS could not be delivered", "Try again in a few minutes"}},
	{service.ErrConcurrentUpdate, apiError{http.StatusConflict, "CONCURRENT_UPDATE", "OTP session changed while processing", "Retry the request"}},
	{service.ErrSmsAccountNotFound, apiError{http.StatusNotFound, "SMS_ACCOUNT_NOT_FOUND", "No SMS account is linked to this user", "Link an SMS-UP+ account first"}},
	{service.ErrInvalidCredentials, apiError{http.StatusUnprocessableEntity, "INVALID_CREDENTIALS", "Stored SMS account credentials are invalid", "Update the SMS-UP+ account credentials"}},
	{service.ErrTokenExchangeFailed, apiError{http.StatusBadGateway, "TOKEN_EXCHANGE_FAILED", "Could not authenticate with the billing service", "Try again later"}},
	{service.ErrBalanceFetchFailed, apiError{http.StatusBadGateway, "BALANCE_FETCH_FAILED", "Could not fetch credit balance", "Try again later"}},
	{ErrUnauthorized, apiError{http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", "Sign in again"}},
}

var internalError = apiError{http.StatusInternalServerError, "INTERNAL", "Internal server error", "Try again later"}

// mapError finds the client-facing description for err. Unknown errors
// map to INTERNAL and their text is not exposed.
func mapError(err error) apiError {
	for _, entry := range errorTable {
		if errors.Is(err, entry.target) {
			return entry.apiError
		}
	}
	return internalError
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError writes the error envelope for err.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := mapError(err)
	resp := Response{
		Success: false,
		Error:   mapped.Message,
		Code:    mapped.Code,
		Message: mapped.Message,
		Action:  mapped.Action,
	}

	var retryAfter *service.RetryAfterError
	if errors.As(err, &retryAfter) {
		secs := retryAfter.RetryAfterSeconds()
		resp.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	var invalidCode *service.InvalidCodeError
	if errors.As(err, &invalidCode) {
		remaining := invalidCode.Remaining
		resp.RemainingAttempts = &remaining
	}

	if mapped.Status >= http.StatusInternalServerError {
		util.Error("HTTP error response",
			util.String("path", r.URL.Path),
			util.String("code", mapped.Code),
			util.ErrorField(err))
	} else {
		util.Debug("HTTP error response",
			util.String("path", r.URL.Path),
			util.String("code", mapped.Code),
			util.ErrorField(err))
	}
	respondWithJSON(w, mapped.Status, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		return service.ErrInvalidInput
	}
	return nil
}
