package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"smsup-service/internal/service"
)

type CreditService interface {
	Sync(ctx context.Context, userID string, force bool) (*service.SyncResult, error)
}

// CreditHandler serves credit balance syncs for the authenticated user.
type CreditHandler struct {
	credits CreditService
}

func NewCreditHandler(credits CreditService) *CreditHandler {
	return &CreditHandler{credits: credits}
}

type syncCreditRequest struct {
	ForceSync bool `json:"forceSync"`
}

type creditData struct {
	UserID     string     `json:"user_id"`
	Balance    float64    `json:"balance"`
	LastSyncAt *time.Time `json:"last_sync_at"`
}

type syncCreditResponse struct {
	Success   bool       `json:"success"`
	Data      creditData `json:"data"`
	FromCache bool       `json:"fromCache"`
}

// RegisterRoutes mounts the credit routes behind auth.
func (h *CreditHandler) RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler) {
	router.Route("/credit", func(r chi.Router) {
		r.Use(auth)
		r.Post("/sync", h.Sync)
	})
}

// Sync handles POST /credit/sync. The body is optional.
func (h *CreditHandler) Sync(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, r, ErrUnauthorized)
		return
	}

	var req syncCreditRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, service.ErrInvalidInput)
		return
	}

	result, err := h.credits.Sync(r.Context(), userID, req.ForceSync)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, syncCreditResponse{
		Success: true,
		Data: creditData{
			UserID:     result.UserID,
			Balance:    result.Balance,
			LastSyncAt: result.LastSyncAt,
		},
		FromCache: result.FromCache,
	})
}
