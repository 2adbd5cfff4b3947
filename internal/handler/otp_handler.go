package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"smsup-service/internal/service"
	"smsup-service/internal/util"
)

// OTPService is the part of the OTP service the handler calls.
type OTPService interface {
	Send(ctx context.Context, req *service.SendRequest) (*service.SendResult, error)
	Verify(ctx context.Context, req *service.VerifyRequest) (*service.VerifyResult, error)
	Resend(ctx context.Context, req *service.ResendRequest) (*service.SessionView, error)
	Cancel(ctx context.Context, sessionID string) (*service.SessionView, error)
	Status(ctx context.Context, sessionID string) (*service.SessionView, error)
}

// OTPHandler handles HTTP requests for OTP sessions
type OTPHandler struct {
	otp OTPService
}

func NewOTPHandler(otp OTPService) *OTPHandler {
	return &OTPHandler{otp: otp}
}

type sendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	UserID      string `json:"userId,omitempty"`
}

type sendOTPResponse struct {
	Success       bool      `json:"success"`
	OTPID         string    `json:"otpId"`
	ReferenceCode string    `json:"referenceCode"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Message       string    `json:"message"`
	Code          string    `json:"code,omitempty"`
}

type verifyOTPRequest struct {
	OTPID         string `json:"otpId"`
	ReferenceCode string `json:"referenceCode"`
	OTPCode       string `json:"otpCode"`
}

type resendOTPRequest struct {
	SessionID   string `json:"sessionId"`
	PhoneNumber string `json:"phoneNumber"`
}

type sessionResponse struct {
	Success bool                 `json:"success"`
	Session *service.SessionView `json:"session"`
	Message string               `json:"message"`
	Code    string               `json:"code,omitempty"`
}

type cancelOTPRequest struct {
	SessionID string `json:"sessionId"`
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.Send)
		r.Post("/verify", h.Verify)
		r.Post("/resend", h.Resend)
		r.Post("/cancel", h.Cancel)
		r.Get("/{sessionID}", h.Status)
	})
}

// Send handles POST /otp/send
func (h *OTPHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	if suspicious(req.PhoneNumber, req.UserID) {
		respondWithError(w, r, service.ErrInvalidInput)
		return
	}

	result, err := h.otp.Send(r.Context(), &service.SendRequest{
		PhoneNumber: req.PhoneNumber,
		UserID:      util.SanitizeInput(req.UserID),
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, sendOTPResponse{
		Success:       true,
		OTPID:         result.SessionID,
		ReferenceCode: result.ReferenceCode,
		ExpiresAt:     result.ExpiresAt,
		Message:       "OTP sent to " + result.PhoneNumber,
		Code:          result.Code,
	})
}

// Verify handles POST /otp/verify
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	if suspicious(req.OTPID, req.ReferenceCode, req.OTPCode) {
		respondWithError(w, r, service.ErrInvalidInput)
		return
	}

	result, err := h.otp.Verify(r.Context(), &service.VerifyRequest{
		SessionID:     req.OTPID,
		ReferenceCode: req.ReferenceCode,
		Code:          req.OTPCode,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	util.Debug("OTP verified via HTTP", util.String("session_id", result.SessionID))
	respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    result,
		Message: "OTP verified",
	})
}

// Resend handles POST /otp/resend
func (h *OTPHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	if suspicious(req.SessionID, req.PhoneNumber) {
		respondWithError(w, r, service.ErrInvalidInput)
		return
	}

	view, err := h.otp.Resend(r.Context(), &service.ResendRequest{SessionID: req.SessionID, PhoneNumber: req.PhoneNumber})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	code := view.Code
	view.Code = ""
	respondWithJSON(w, http.StatusOK, sessionResponse{
		Success: true,
		Session: view,
		Message: "OTP resent",
		Code:    code,
	})
}

// Cancel handles POST /otp/cancel
func (h *OTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	view, err := h.otp.Cancel(r.Context(), req.SessionID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sessionResponse{Success: true, Session: view, Message: "OTP cancelled"})
}

// Status handles GET /otp/{sessionID}
func (h *OTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.otp.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sessionResponse{Success: true, Session: view, Message: string(view.Status)})
}

// suspicious rejects markup in fields that only ever hold ids, digits or codes.
func suspicious(values ...string) bool {
	for _, v := range values {
		if util.ContainsSuspicious(v) {
			return true
		}
	}
	return false
}
