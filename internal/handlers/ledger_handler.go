package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// LedgerOperations is the account surface exposed to riders
type LedgerOperations interface {
	GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error)
	TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error)
	Reconcile(ctx context.Context, userID uuid.UUID) (*models.ReconciliationReport, error)
}

// LedgerHandler handles the caller's own ledger account
type LedgerHandler struct {
	ledger LedgerOperations
	logger *logrus.Logger
}

// NewLedgerHandler creates a new LedgerHandler
func NewLedgerHandler(ledger LedgerOperations, logger *logrus.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// GetMyAccount returns the caller's Pending and NonPending balances
// GET /api/v1/ledger/me
func (h *LedgerHandler) GetMyAccount(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	account, err := h.ledger.GetAccount(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, account)
}

// TopUp credits the caller's spendable balance
// POST /api/v1/ledger/topup
func (h *LedgerHandler) TopUp(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	account, err := h.ledger.TopUp(c.Request.Context(), userID, req.Amount, req.Currency)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  req.Amount.String(),
	}).Info("Ledger top-up")

	c.JSON(http.StatusOK, account)
}

// ListMyEntries returns the caller's most recent ledger entries
// GET /api/v1/ledger/entries?limit=50
func (h *LedgerHandler) ListMyEntries(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			badRequest(c, "limit must be a non-negative integer", err)
			return
		}
		limit = parsed
	}

	entries, err := h.ledger.ListEntries(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ReconcileMyAccount compares the caller's entries against the account row
// GET /api/v1/ledger/me/reconcile
func (h *LedgerHandler) ReconcileMyAccount(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
