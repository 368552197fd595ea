package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/astroconnect/consult-service/internal/model"
	"github.com/astroconnect/consult-service/internal/service"
	"github.com/astroconnect/consult-service/internal/wallet"
)

// WalletHandler handles REST API for wallets and astrologer earnings.
type WalletHandler struct {
	wallet *wallet.Service
	svc    *service.SessionService
}

// NewWalletHandler creates a wallet handler.
func NewWalletHandler(w *wallet.Service, svc *service.SessionService) *WalletHandler {
	return &WalletHandler{wallet: w, svc: svc}
}

// Balance godoc
// GET /api/wallet/balance/:participant_id
func (h *WalletHandler) Balance(c *gin.Context) {
	participantID := c.Param("participant_id")
	balance, err := h.wallet.Balance(c.Request.Context(), participantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get balance"})
		return
	}
	c.JSON(http.StatusOK, model.BalanceResponse{ParticipantID: participantID, Balance: balance})
}

// Topup godoc
// POST /api/wallet/topup
// Records the coin credit for an upstream-verified payment.
func (h *WalletHandler) Topup(c *gin.Context) {
	var req model.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	balance, err := h.wallet.Topup(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "topup failed"})
		return
	}
	c.JSON(http.StatusOK, model.BalanceResponse{ParticipantID: req.UserID, Balance: balance})
}

// Earnings godoc
// GET /api/astrologers/:id/earnings
func (h *WalletHandler) Earnings(c *gin.Context) {
	astrologerID := c.Param("id")
	total, sessions, err := h.wallet.Earnings(c.Request.Context(), astrologerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get earnings"})
		return
	}
	c.JSON(http.StatusOK, model.EarningsResponse{AstrologerID: astrologerID, TotalCoins: total, Sessions: sessions})
}

// Settlements godoc
// GET /api/astrologers/:id/settlements
func (h *WalletHandler) Settlements(c *gin.Context) {
	records, err := h.wallet.Settlements(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get settlements"})
		return
	}
	c.JSON(http.StatusOK, records)
}

// SetAvailability godoc
// PUT /api/astrologers/:id/status
func (h *WalletHandler) SetAvailability(c *gin.Context) {
	var req model.AvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	if err := h.svc.SetAvailability(c.Request.Context(), c.Param("id"), req.Availability); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "astrologer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "availability updated"})
}
