package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// AmendmentOperations is the consensus protocol as the HTTP layer sees it
type AmendmentOperations interface {
	Propose(ctx context.Context, bookingID, proposerID uuid.UUID, req *models.ProposeAmendmentRequest) (*models.Amendment, error)
	Approve(ctx context.Context, amendmentID, approverID uuid.UUID, approve bool) (*models.ApproveAmendmentResponse, error)
}

// AmendmentHandler handles amendment endpoints
type AmendmentHandler struct {
	amendments AmendmentOperations
	logger     *logrus.Logger
}

// NewAmendmentHandler creates a new AmendmentHandler
func NewAmendmentHandler(amendments AmendmentOperations, logger *logrus.Logger) *AmendmentHandler {
	return &AmendmentHandler{
		amendments: amendments,
		logger:     logger,
	}
}

// ProposeAmendment proposes new terms or a cancellation
// @Summary Propose an amendment
// @Tags Amendments
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.ProposeAmendmentRequest true "Proposed change"
// @Success 201 {object} models.ProposeAmendmentResponse
// @Failure 400 {object} map[string]interface{} "Invalid change"
// @Failure 409 {object} map[string]interface{} "Booking cannot be amended"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/amendments [post]
func (h *AmendmentHandler) ProposeAmendment(c *gin.Context) {
	proposerID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.ProposeAmendmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	amendment, err := h.amendments.Propose(requestContext(c), bookingID, proposerID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, models.ProposeAmendmentResponse{AmendmentID: amendment.ID.String()})
}

// ApproveAmendment records the caller's approval or rejection
// POST /api/v1/amendments/:id/approve
func (h *AmendmentHandler) ApproveAmendment(c *gin.Context) {
	approverID, ok := callerID(c)
	if !ok {
		return
	}
	amendmentID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.ApproveAmendmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	resp, err := h.amendments.Approve(requestContext(c), amendmentID, approverID, *req.Approve)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
