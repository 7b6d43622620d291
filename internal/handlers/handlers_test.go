package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/middleware"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubBookings struct {
	create   func(passengerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error)
	approve  func(bookingID, driverID uuid.UUID) (*models.Booking, error)
	pickup   func(bookingID, driverID uuid.UUID, at time.Time) (*models.Booking, error)
	complete func(bookingID, callerID uuid.UUID, completed bool) (*models.Booking, error)
	details  func(bookingID, callerID uuid.UUID) (*models.BookingDetails, error)
	history  func(bookingID, callerID uuid.UUID) ([]models.BookingAuditEvent, error)
	lastCtx  context.Context
}

func (s *stubBookings) CreateBooking(ctx context.Context, passengerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error) {
	s.lastCtx = ctx
	return s.create(passengerID, req)
}

func (s *stubBookings) ApproveBooking(ctx context.Context, bookingID, driverID uuid.UUID) (*models.Booking, error) {
	return s.approve(bookingID, driverID)
}

func (s *stubBookings) ConfirmPickup(ctx context.Context, bookingID, driverID uuid.UUID, at time.Time) (*models.Booking, error) {
	return s.pickup(bookingID, driverID, at)
}

func (s *stubBookings) CompleteBooking(ctx context.Context, bookingID, callerID uuid.UUID, completed bool) (*models.Booking, error) {
	return s.complete(bookingID, callerID, completed)
}

func (s *stubBookings) GetBookingDetails(ctx context.Context, bookingID, callerID uuid.UUID) (*models.BookingDetails, error) {
	return s.details(bookingID, callerID)
}

func (s *stubBookings) GetBookingHistory(ctx context.Context, bookingID, callerID uuid.UUID) ([]models.BookingAuditEvent, error) {
	return s.history(bookingID, callerID)
}

type stubAmendments struct {
	propose func(bookingID, proposerID uuid.UUID, req *models.ProposeAmendmentRequest) (*models.Amendment, error)
	approve func(amendmentID, approverID uuid.UUID, approve bool) (*models.ApproveAmendmentResponse, error)
}

func (s *stubAmendments) Propose(ctx context.Context, bookingID, proposerID uuid.UUID, req *models.ProposeAmendmentRequest) (*models.Amendment, error) {
	return s.propose(bookingID, proposerID, req)
}

func (s *stubAmendments) Approve(ctx context.Context, amendmentID, approverID uuid.UUID, approve bool) (*models.ApproveAmendmentResponse, error) {
	return s.approve(amendmentID, approverID, approve)
}

type stubLedger struct {
	accounts map[uuid.UUID]*models.LedgerAccount
	limit    int
}

func (s *stubLedger) GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error) {
	if a, ok := s.accounts[userID]; ok {
		return a, nil
	}
	return &models.LedgerAccount{UserID: userID, Currency: "LKR"}, nil
}

func (s *stubLedger) TopUp(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error) {
	if !amount.IsPositive() {
		return nil, &services.BookingError{Kind: services.KindValidation, Op: "ledger.topup", Message: "amount must be positive"}
	}
	account, _ := s.GetAccount(ctx, userID)
	account.NonPending = account.NonPending.Add(amount)
	return account, nil
}

func (s *stubLedger) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	s.limit = limit
	return []models.LedgerEntry{{UserID: userID, Value: decimal.NewFromInt(10)}}, nil
}

func (s *stubLedger) Reconcile(ctx context.Context, userID uuid.UUID) (*models.ReconciliationReport, error) {
	return &models.ReconciliationReport{UserID: userID, InBalance: true}, nil
}

type stubReconciler struct{ runs int }

func (s *stubReconciler) RunReconcileNow(ctx context.Context) (*services.ReconcileResult, error) {
	s.runs++
	return &services.ReconcileResult{RefundsRetried: 2}, nil
}

func (s *stubReconciler) GetJobStatus() map[string]interface{} {
	return map[string]interface{}{"running": true}
}

type stubSettings map[string]string

func (s stubSettings) GetByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	value, ok := s[key]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &models.SystemSetting{SettingKey: key, SettingValue: value}, nil
}

// --- harness ---

type testServer struct {
	router     *gin.Engine
	bookings   *stubBookings
	amendments *stubAmendments
	ledger     *stubLedger
	reconciler *stubReconciler
	userID     uuid.UUID
	logger     *logrus.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	ts := &testServer{
		bookings:   &stubBookings{},
		amendments: &stubAmendments{},
		ledger:     &stubLedger{accounts: map[uuid.UUID]*models.LedgerAccount{}},
		reconciler: &stubReconciler{},
		userID:     uuid.New(),
		logger:     logger,
	}

	bookingHandler := NewBookingHandler(ts.bookings, logger)
	amendmentHandler := NewAmendmentHandler(ts.amendments, logger)
	ledgerHandler := NewLedgerHandler(ts.ledger, logger)
	adminHandler := NewAdminHandler(ts.ledger, ts.reconciler, stubSettings{"platform_fee_margin": "0.10"}, logger)

	router := gin.New()
	authed := router.Group("/api/v1", func(c *gin.Context) {
		c.Set(middleware.UserContextKey, middleware.UserContext{UserID: ts.userID, Roles: []string{"admin"}})
		c.Next()
	})
	authed.POST("/bookings", bookingHandler.CreateBooking)
	authed.GET("/bookings/:id", bookingHandler.GetBooking)
	authed.GET("/bookings/:id/history", bookingHandler.GetBookingHistory)
	authed.POST("/bookings/:id/approve", bookingHandler.ApproveBooking)
	authed.POST("/bookings/:id/pickup", bookingHandler.ConfirmPickup)
	authed.POST("/bookings/:id/complete", bookingHandler.CompleteBooking)
	authed.POST("/bookings/:id/amendments", amendmentHandler.ProposeAmendment)
	authed.POST("/amendments/:id/approve", amendmentHandler.ApproveAmendment)
	authed.GET("/ledger/me", ledgerHandler.GetMyAccount)
	authed.POST("/ledger/topup", ledgerHandler.TopUp)
	authed.GET("/ledger/entries", ledgerHandler.ListMyEntries)
	authed.POST("/admin/reconciler/run", adminHandler.RunReconciler)
	authed.GET("/admin/settings/:key", adminHandler.GetSetting)

	router.POST("/anonymous/bookings", bookingHandler.CreateBooking)

	ts.router = router
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rideshare-test/1.0")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

func TestRespondError_StatusMapping(t *testing.T) {
	bookingID := uuid.New()

	tests := []struct {
		kind   services.ErrorKind
		status int
		label  string
	}{
		{services.KindNotFound, http.StatusNotFound, "not_found"},
		{services.KindUnauthorized, http.StatusForbidden, "forbidden"},
		{services.KindInvalidState, http.StatusConflict, "invalid_state"},
		{services.KindValidation, http.StatusBadRequest, "validation_error"},
		{services.KindInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
		{services.KindDownstreamFailure, http.StatusBadGateway, "downstream_failure"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ts := newTestServer(t)
			ts.bookings.approve = func(id, driverID uuid.UUID) (*models.Booking, error) {
				return nil, fmt.Errorf("wrapped: %w", &services.BookingError{
					Kind:       tt.kind,
					Op:         "booking.approve",
					BookingID:  bookingID,
					Transition: "pending->confirmed",
					Message:    "nope",
				})
			}

			w := ts.do(http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/approve", nil)

			assert.Equal(t, tt.status, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.label, body["error"])
			assert.Equal(t, string(tt.kind), body["code"])
			assert.Equal(t, "nope", body["message"])
			assert.Equal(t, bookingID.String(), body["booking_id"])
			assert.Equal(t, "pending->confirmed", body["transition"])
		})
	}
}

func TestRespondError_UnknownErrorIs500(t *testing.T) {
	ts := newTestServer(t)
	ts.bookings.approve = func(uuid.UUID, uuid.UUID) (*models.Booking, error) {
		return nil, errors.New("connection reset")
	}

	w := ts.do(http.MethodPost, "/api/v1/bookings/"+uuid.NewString()+"/approve", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

// ============================================================================
// BOOKINGS
// ============================================================================

func TestCreateBooking(t *testing.T) {
	ts := newTestServer(t)
	journeyID := uuid.New()
	ts.bookings.create = func(passengerID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error) {
		assert.Equal(t, ts.userID, passengerID)
		assert.Equal(t, journeyID.String(), req.JourneyID)
		return &models.Booking{ID: uuid.New(), PassengerID: passengerID, Status: models.BookingStatusPending}, nil
	}

	w := ts.do(http.MethodPost, "/api/v1/bookings", gin.H{
		"journey_id": journeyID.String(),
		"ride_time":  time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending", decodeBody(t, w)["status"])

	info, ok := services.RequestInfoFrom(ts.bookings.lastCtx)
	require.True(t, ok)
	assert.Equal(t, "rideshare-test/1.0", info.UserAgent)
}

func TestCreateBooking_BadInput(t *testing.T) {
	ts := newTestServer(t)
	ts.bookings.create = func(uuid.UUID, *models.CreateBookingRequest) (*models.Booking, error) {
		t.Fatal("service must not be called")
		return nil, nil
	}

	w := ts.do(http.MethodPost, "/api/v1/bookings", gin.H{"journey_id": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/anonymous/bookings", gin.H{"journey_id": uuid.NewString()})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBookingTransitions(t *testing.T) {
	ts := newTestServer(t)
	bookingID := uuid.New()
	occurrence := time.Date(2030, 1, 14, 9, 0, 0, 0, time.UTC)

	ts.bookings.pickup = func(id, driverID uuid.UUID, at time.Time) (*models.Booking, error) {
		assert.True(t, at.Equal(occurrence))
		return &models.Booking{ID: id, Status: models.BookingStatusPendingCompletion}, nil
	}
	ts.bookings.complete = func(id, callerID uuid.UUID, completed bool) (*models.Booking, error) {
		if completed {
			return &models.Booking{ID: id, Status: models.BookingStatusCompleted}, nil
		}
		return &models.Booking{ID: id, Status: models.BookingStatusNotCompleted}, nil
	}

	w := ts.do(http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/pickup", gin.H{"occurrence_time": occurrence})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending_completion", decodeBody(t, w)["status"])

	w = ts.do(http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/complete", gin.H{"completed": false})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "not_completed", decodeBody(t, w)["status"])

	w = ts.do(http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/complete", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "completed is required")

	w = ts.do(http.MethodPost, "/api/v1/bookings/not-a-uuid/complete", gin.H{"completed": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetBookingHistory(t *testing.T) {
	ts := newTestServer(t)
	bookingID := uuid.New()
	ts.bookings.history = func(id, callerID uuid.UUID) ([]models.BookingAuditEvent, error) {
		return []models.BookingAuditEvent{*models.NewBookingAuditEvent(id, models.AuditBookingCreated)}, nil
	}

	w := ts.do(http.MethodGet, "/api/v1/bookings/"+bookingID.String()+"/history", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	events := decodeBody(t, w)["events"].([]interface{})
	assert.Len(t, events, 1)
}

// ============================================================================
// AMENDMENTS
// ============================================================================

func TestProposeAndApproveAmendment(t *testing.T) {
	ts := newTestServer(t)
	bookingID := uuid.New()
	amendmentID := uuid.New()

	ts.amendments.propose = func(id, proposerID uuid.UUID, req *models.ProposeAmendmentRequest) (*models.Amendment, error) {
		require.NotNil(t, req.NewPrice)
		assert.True(t, req.NewPrice.Equal(decimal.NewFromInt(150)))
		return &models.Amendment{ID: amendmentID, BookingID: id}, nil
	}
	ts.amendments.approve = func(id, approverID uuid.UUID, approve bool) (*models.ApproveAmendmentResponse, error) {
		assert.Equal(t, amendmentID, id)
		assert.True(t, approve)
		return &models.ApproveAmendmentResponse{Outcome: models.OutcomePartiallyApproved, Message: "waiting on the other party"}, nil
	}

	w := ts.do(http.MethodPost, "/api/v1/bookings/"+bookingID.String()+"/amendments", gin.H{"new_price": "150"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, amendmentID.String(), decodeBody(t, w)["amendment_id"])

	w = ts.do(http.MethodPost, "/api/v1/amendments/"+amendmentID.String()+"/approve", gin.H{"approve": true})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "partially-approved", decodeBody(t, w)["outcome"])

	w = ts.do(http.MethodPost, "/api/v1/amendments/"+amendmentID.String()+"/approve", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "approve is required")
}

// ============================================================================
// LEDGER AND ADMIN
// ============================================================================

func TestLedgerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/ledger/topup", gin.H{"amount": "250.50"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "250.5", decodeBody(t, w)["non_pending"])

	w = ts.do(http.MethodPost, "/api/v1/ledger/topup", gin.H{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/ledger/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/ledger/entries?limit=20", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, ts.ledger.limit)

	w = ts.do(http.MethodGet, "/api/v1/ledger/entries?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/v1/admin/reconciler/run", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ts.reconciler.runs)
	assert.Equal(t, float64(2), decodeBody(t, w)["refunds_retried"])

	w = ts.do(http.MethodGet, "/api/v1/admin/settings/platform_fee_margin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.10", decodeBody(t, w)["setting_value"])

	w = ts.do(http.MethodGet, "/api/v1/admin/settings/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
