package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/internal/services"
)

// Reconciler runs the saga reconciliation job on demand
type Reconciler interface {
	RunReconcileNow(ctx context.Context) (*services.ReconcileResult, error)
	GetJobStatus() map[string]interface{}
}

// SettingReader reads platform settings
type SettingReader interface {
	GetByKey(ctx context.Context, key string) (*models.SystemSetting, error)
}

// AdminHandler handles operator endpoints. Routes are mounted behind
// RequireRole("admin").
type AdminHandler struct {
	ledger     LedgerOperations
	reconciler Reconciler
	settings   SettingReader
	logger     *logrus.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(ledger LedgerOperations, reconciler Reconciler, settings SettingReader, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		ledger:     ledger,
		reconciler: reconciler,
		settings:   settings,
		logger:     logger,
	}
}

// ReconcileAccount checks one user's ledger account
// GET /api/v1/admin/ledger/:userId/reconcile
func (h *AdminHandler) ReconcileAccount(c *gin.Context) {
	userID, ok := uuidParam(c, "userId")
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

// RunReconciler re-drives stuck refunds and captures immediately
// POST /api/v1/admin/reconciler/run
func (h *AdminHandler) RunReconciler(c *gin.Context) {
	result, err := h.reconciler.RunReconcileNow(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ReconcilerStatus reports the cron job state
// GET /api/v1/admin/reconciler/status
func (h *AdminHandler) ReconcilerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.reconciler.GetJobStatus())
}

// GetSetting returns a platform setting, e.g. platform_fee_margin
// GET /api/v1/admin/settings/:key
func (h *AdminHandler) GetSetting(c *gin.Context) {
	setting, err := h.settings.GetByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Setting not found",
				"code":    string(services.KindNotFound),
			})
			return
		}
		h.logger.WithError(err).Error("Failed to fetch setting")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to fetch setting",
			"code":    "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, setting)
}
