package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/middleware"
	"github.com/smarttransit/rideshare-booking/internal/services"
)

var kindStatus = map[services.ErrorKind]int{
	services.KindNotFound:            http.StatusNotFound,
	services.KindUnauthorized:        http.StatusForbidden,
	services.KindInvalidState:        http.StatusConflict,
	services.KindValidation:          http.StatusBadRequest,
	services.KindInsufficientBalance: http.StatusPaymentRequired,
	services.KindDownstreamFailure:   http.StatusBadGateway,
}

var kindError = map[services.ErrorKind]string{
	services.KindNotFound:            "not_found",
	services.KindUnauthorized:        "forbidden",
	services.KindInvalidState:        "invalid_state",
	services.KindValidation:          "validation_error",
	services.KindInsufficientBalance: "insufficient_balance",
	services.KindDownstreamFailure:   "downstream_failure",
}

// respondError writes a booking error as {error, message, code} plus the
// ids and transition it carries. Anything that is not a booking error is a 500.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	kind := services.KindOf(err)
	status, known := kindStatus[kind]
	if !known {
		logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Unhandled error")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
			"code":    "INTERNAL_ERROR",
		})
		return
	}

	be, _ := services.AsBookingError(err)

	body := gin.H{
		"error":   kindError[kind],
		"message": be.Message,
		"code":    string(kind),
	}
	if be.Message == "" {
		body["message"] = be.Error()
	}
	if be.BookingID != uuid.Nil {
		body["booking_id"] = be.BookingID
	}
	if be.AmendmentID != uuid.Nil {
		body["amendment_id"] = be.AmendmentID
	}
	if be.Transition != "" {
		body["transition"] = be.Transition
	}

	entry := logger.WithError(err).WithField("code", kind)
	if status >= http.StatusInternalServerError {
		entry.Error("Booking operation failed downstream")
	} else {
		entry.Debug("Booking operation rejected")
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{
		"error":   "validation_error",
		"message": message,
		"code":    string(services.KindValidation),
	}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

// callerID returns the authenticated user or writes a 401
func callerID(c *gin.Context) (uuid.UUID, bool) {
	userCtx, exists := middleware.GetUserContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
			"code":    "MISSING_USER_CONTEXT",
		})
		return uuid.Nil, false
	}
	return userCtx.UserID, true
}

// uuidParam parses a path parameter or writes a 400
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

// requestContext carries the caller's IP and user agent into the audit trail
func requestContext(c *gin.Context) context.Context {
	return services.WithRequestInfo(c.Request.Context(), services.RequestInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
}
