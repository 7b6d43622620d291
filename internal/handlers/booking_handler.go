package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// BookingOperations is the booking lifecycle as the HTTP layer sees it
type BookingOperations interface {
	CreateBooking(ctx context.Context, passengerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error)
	ApproveBooking(ctx context.Context, bookingID, driverID uuid.UUID) (*models.Booking, error)
	ConfirmPickup(ctx context.Context, bookingID, driverID uuid.UUID, occurrenceTime time.Time) (*models.Booking, error)
	CompleteBooking(ctx context.Context, bookingID, callerID uuid.UUID, completed bool) (*models.Booking, error)
	GetBookingDetails(ctx context.Context, bookingID, callerID uuid.UUID) (*models.BookingDetails, error)
	GetBookingHistory(ctx context.Context, bookingID, callerID uuid.UUID) ([]models.BookingAuditEvent, error)
}

// BookingHandler handles booking lifecycle endpoints
type BookingHandler struct {
	bookings BookingOperations
	logger   *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(bookings BookingOperations, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		logger:   logger,
	}
}

// CreateBooking reserves a seat and holds the fare
// @Summary Create a booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param request body models.CreateBookingRequest true "Booking request"
// @Success 201 {object} models.Booking
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 402 {object} map[string]interface{} "Insufficient balance"
// @Failure 404 {object} map[string]interface{} "Journey not found"
// @Security BearerAuth
// @Router /api/v1/bookings [post]
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	passengerID, ok := callerID(c)
	if !ok {
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	booking, err := h.bookings.CreateBooking(requestContext(c), passengerID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, booking)
}

// GetBooking returns the booking, its effective terms and amendments
// GET /api/v1/bookings/:id
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	details, err := h.bookings.GetBookingDetails(requestContext(c), bookingID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

// GetBookingHistory returns the booking's audit trail
// GET /api/v1/bookings/:id/history
func (h *BookingHandler) GetBookingHistory(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	events, err := h.bookings.GetBookingHistory(requestContext(c), bookingID, userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ApproveBooking lets the driver accept a pending booking
// @Summary Driver approves a booking
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.BookingStatusResponse
// @Failure 403 {object} map[string]interface{} "Not the driver"
// @Failure 409 {object} map[string]interface{} "Outstanding amendments or wrong status"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/approve [post]
func (h *BookingHandler) ApproveBooking(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.bookings.ApproveBooking(requestContext(c), bookingID, driverID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(booking))
}

// ConfirmPickup records that the driver picked the passenger up
// POST /api/v1/bookings/:id/pickup
func (h *BookingHandler) ConfirmPickup(c *gin.Context) {
	driverID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.ConfirmPickupRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	occurrence := time.Now()
	if req.OccurrenceTime != nil {
		occurrence = *req.OccurrenceTime
	}

	booking, err := h.bookings.ConfirmPickup(requestContext(c), bookingID, driverID, occurrence)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(booking))
}

// CompleteBooking reports whether the ride happened. A failed capture is
// compensated before the 502 is returned.
// @Summary Complete a booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CompleteBookingRequest true "Completion report"
// @Success 200 {object} models.BookingStatusResponse
// @Failure 502 {object} map[string]interface{} "Capture failed, booking marked not completed"
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/complete [post]
func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.CompleteBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	booking, err := h.bookings.CompleteBooking(requestContext(c), bookingID, userID, *req.Completed)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, statusResponse(booking))
}

func statusResponse(booking *models.Booking) models.BookingStatusResponse {
	return models.BookingStatusResponse{
		BookingID: booking.ID.String(),
		Status:    booking.Status,
	}
}
