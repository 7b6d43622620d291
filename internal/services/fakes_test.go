package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/metrics"
	"github.com/smarttransit/rideshare-booking/internal/models"
	"github.com/smarttransit/rideshare-booking/pkg/notify"
	"github.com/stretchr/testify/require"
)

var errLedgerUnavailable = errors.New("ledger unavailable")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func strPtr(s string) *string { return &s }

// ============================================================================
// CLOCK
// ============================================================================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

// fakeDB holds every table behind one mutex, which gives each store call the
// same isolation a single Postgres transaction would
type fakeDB struct {
	mu         sync.Mutex
	clock      *testClock
	seq        int
	journeys   map[uuid.UUID]*models.Journey
	bookings   map[uuid.UUID]*models.Booking
	amendments map[uuid.UUID]*models.Amendment
	accounts   map[uuid.UUID]*models.LedgerAccount
	entries    []models.LedgerEntry
	steps      map[uuid.UUID]map[models.SagaStepName]*models.SagaStep
	users      map[uuid.UUID]*models.User
	audit      []models.BookingAuditEvent
	feeMargin  *decimal.Decimal

	// failSteps makes the next n ApplyStep calls for a step fail transiently
	failSteps map[models.SagaStepName]int
}

func newFakeDB(clock *testClock) *fakeDB {
	return &fakeDB{
		clock:      clock,
		journeys:   map[uuid.UUID]*models.Journey{},
		bookings:   map[uuid.UUID]*models.Booking{},
		amendments: map[uuid.UUID]*models.Amendment{},
		accounts:   map[uuid.UUID]*models.LedgerAccount{},
		steps:      map[uuid.UUID]map[models.SagaStepName]*models.SagaStep{},
		users:      map[uuid.UUID]*models.User{},
		failSteps:  map[models.SagaStepName]int{},
	}
}

func (db *fakeDB) failNext(step models.SagaStepName, n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failSteps[step] = n
}

func (db *fakeDB) booking(id uuid.UUID) models.Booking {
	db.mu.Lock()
	defer db.mu.Unlock()
	return *db.bookings[id]
}

func (db *fakeDB) account(userID uuid.UUID) models.LedgerAccount {
	db.mu.Lock()
	defer db.mu.Unlock()
	if a, ok := db.accounts[userID]; ok {
		return *a
	}
	return models.LedgerAccount{UserID: userID}
}

func (db *fakeDB) entriesOf(entryType models.LedgerEntryType) []models.LedgerEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range db.entries {
		if e.EntryType == entryType {
			out = append(out, e)
		}
	}
	return out
}

func (db *fakeDB) auditActions(bookingID uuid.UUID, action models.BookingAuditAction) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, e := range db.audit {
		if e.BookingID == bookingID && e.Action == action {
			n++
		}
	}
	return n
}

func (db *fakeDB) stepSucceeded(bookingID uuid.UUID, step models.SagaStepName) bool {
	s, ok := db.steps[bookingID][step]
	return ok && s.Status == models.StepSucceeded
}

func (db *fakeDB) outstandingAmendments(bookingID uuid.UUID) int {
	n := 0
	for _, a := range db.amendments {
		if a.BookingID == bookingID && a.IsOutstanding() {
			n++
		}
	}
	return n
}

// --- bookings ---

type fakeBookingStore struct{ db *fakeDB }

func (s fakeBookingStore) Create(ctx context.Context, booking *models.Booking) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	booking.Status = models.BookingStatusPrePending
	booking.CreatedAt = s.db.clock.Now()
	booking.UpdatedAt = booking.CreatedAt
	cp := *booking
	s.db.bookings[booking.ID] = &cp
	return nil
}

func (s fakeBookingStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s fakeBookingStore) TransitionStatus(ctx context.Context, id uuid.UUID, from []models.BookingStatus, to models.BookingStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[id]
	if !ok || !b.Status.In(from...) {
		return database.ErrStatusConflict
	}
	b.Status = to
	if to == models.BookingStatusCancelled {
		now := s.db.clock.Now()
		b.CancelledAt = &now
	}
	return nil
}

func (s fakeBookingStore) ConfirmByDriver(ctx context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[id]
	if !ok {
		return database.ErrNotFound
	}
	if b.Status != models.BookingStatusPending {
		return database.ErrStatusConflict
	}
	if s.db.outstandingAmendments(id) > 0 {
		return database.ErrOutstandingAmendments
	}
	b.Status = models.BookingStatusConfirmed
	b.DriverApproved = true
	return nil
}

func (s fakeBookingStore) ListAwaitingRefund(ctx context.Context, limit int) ([]models.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Booking
	for id, b := range s.db.bookings {
		if !b.Status.In(models.BookingStatusCancelled, models.BookingStatusNotCompleted) {
			continue
		}
		if s.db.stepSucceeded(id, models.StepHold) &&
			!s.db.stepSucceeded(id, models.StepCapture) &&
			!s.db.stepSucceeded(id, models.StepRefund) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (s fakeBookingStore) ListCapturedNotCompleted(ctx context.Context, limit int) ([]models.Booking, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Booking
	for id, b := range s.db.bookings {
		if b.Status.In(models.BookingStatusConfirmed, models.BookingStatusPendingCompletion) && s.db.stepSucceeded(id, models.StepCapture) {
			out = append(out, *b)
		}
	}
	return out, nil
}

// --- amendments ---

type fakeAmendmentStore struct{ db *fakeDB }

func (s fakeAmendmentStore) Create(ctx context.Context, amendment *models.Amendment, allowed []models.BookingStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	b, ok := s.db.bookings[amendment.BookingID]
	if !ok {
		return database.ErrNotFound
	}
	if !b.Status.In(allowed...) {
		return database.ErrStatusConflict
	}
	s.db.seq++
	amendment.ID = uuid.New()
	amendment.DriverApproval = false
	amendment.PassengerApproval = false
	amendment.CreatedAt = s.db.clock.Now().Add(time.Duration(s.db.seq) * time.Millisecond)
	amendment.UpdatedAt = amendment.CreatedAt
	cp := *amendment
	s.db.amendments[amendment.ID] = &cp
	return nil
}

func (s fakeAmendmentStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Amendment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.amendments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s fakeAmendmentStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Amendment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := []models.Amendment{}
	for _, a := range s.db.amendments {
		if a.BookingID == bookingID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s fakeAmendmentStore) RecordApproval(
	ctx context.Context,
	amendmentID, actorID uuid.UUID,
	role models.PartyRole,
	approve bool,
	decide database.ApprovalDecider,
) (*database.ApprovalResult, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	stored, ok := s.db.amendments[amendmentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	booking := *s.db.bookings[stored.BookingID]
	amendment := *stored

	res := &database.ApprovalResult{Amendment: &amendment, Booking: &booking, FromStatus: booking.Status}
	if !amendment.IsOutstanding() {
		res.Closed = true
		return res, nil
	}

	amendment.SetApproval(role, approve)
	state := &database.ApprovalState{Booking: &booking, Amendment: &amendment}
	if approve && amendment.IsCancellation {
		state.Captured = s.db.stepSucceeded(booking.ID, models.StepCapture)
	}
	decision, err := decide(state, approve)
	if err != nil {
		return nil, err
	}

	now := s.db.clock.Now()
	switch {
	case !approve:
		amendment.RejectedAt = &now
		amendment.RejectedBy = &actorID
		res.Rejected = true
	case decision.Apply:
		amendment.AppliedAt = &now
		res.Applied = true
		booking.Status = decision.Target
		if decision.Target == models.BookingStatusCancelled {
			booking.CancelledAt = &now
		}
	}

	*stored = amendment
	*s.db.bookings[booking.ID] = booking
	return res, nil
}

// --- journeys ---

type fakeJourneyStore struct{ db *fakeDB }

func (s fakeJourneyStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Journey, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.journeys[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// --- ledger ---

type fakeLedgerStore struct{ db *fakeDB }

func (s fakeLedgerStore) GetAccount(ctx context.Context, userID uuid.UUID) (*models.LedgerAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a, ok := s.db.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	return &models.LedgerAccount{UserID: userID, Currency: database.DefaultCurrency}, nil
}

func (s fakeLedgerStore) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency string) (*models.LedgerAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	account := s.accountLocked(userID)
	account.NonPending = account.NonPending.Add(amount)
	s.db.entries = append(s.db.entries, models.LedgerEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Value:     amount,
		Currency:  currency,
		Balance:   models.BalanceNonPending,
		EntryType: models.EntryDeposit,
		Status:    models.EntryStatusSettled,
		CreatedAt: s.db.clock.Now(),
	})
	cp := *account
	return &cp, nil
}

func (s fakeLedgerStore) accountLocked(userID uuid.UUID) *models.LedgerAccount {
	a, ok := s.db.accounts[userID]
	if !ok {
		a = &models.LedgerAccount{UserID: userID, Currency: database.DefaultCurrency}
		s.db.accounts[userID] = a
	}
	return a
}

func (s fakeLedgerStore) ApplyStep(
	ctx context.Context,
	bookingID uuid.UUID,
	step models.SagaStepName,
	userIDs []uuid.UUID,
	plan database.StepPlanner,
) (*database.StepPlan, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	booking, ok := s.db.bookings[bookingID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if s.db.failSteps[step] > 0 {
		s.db.failSteps[step]--
		return nil, errLedgerUnavailable
	}
	if s.db.stepSucceeded(bookingID, step) {
		return nil, database.ErrStepAlreadyApplied
	}

	steps := map[models.SagaStepName]*models.SagaStep{}
	for name, st := range s.db.steps[bookingID] {
		cp := *st
		steps[name] = &cp
	}
	accounts := map[uuid.UUID]*models.LedgerAccount{}
	for _, id := range userIDs {
		if a, ok := s.db.accounts[id]; ok {
			cp := *a
			accounts[id] = &cp
		} else {
			accounts[id] = &models.LedgerAccount{UserID: id, Currency: database.DefaultCurrency}
		}
	}

	result, err := plan(&database.LedgerState{BookingStatus: booking.Status, Accounts: accounts, Steps: steps})
	if err != nil {
		return nil, err
	}

	var pending []models.LedgerEntry
	for _, m := range result.Mutations {
		if m.Value.IsZero() {
			continue
		}
		account := accounts[m.UserID]
		account.Apply(m.Balance, m.Value)
		if account.Balance(m.Balance).IsNegative() {
			return nil, database.ErrInsufficientFunds
		}
		id := bookingID
		pending = append(pending, models.LedgerEntry{
			ID:        uuid.New(),
			UserID:    m.UserID,
			BookingID: &id,
			Value:     m.Value,
			Currency:  result.Currency,
			Balance:   m.Balance,
			EntryType: m.EntryType,
			Status:    models.EntryStatusSettled,
			CreatedAt: s.db.clock.Now(),
		})
	}

	// Commit
	for id, a := range accounts {
		s.db.accounts[id] = a
	}
	s.db.entries = append(s.db.entries, pending...)
	if s.db.steps[bookingID] == nil {
		s.db.steps[bookingID] = map[models.SagaStepName]*models.SagaStep{}
	}
	s.db.steps[bookingID][step] = &models.SagaStep{
		BookingID: bookingID,
		Step:      step,
		Status:    models.StepSucceeded,
		Amount:    result.Amount,
		Attempts:  1,
	}
	return result, nil
}

func (s fakeLedgerStore) RecordStepFailure(ctx context.Context, bookingID uuid.UUID, step models.SagaStepName, cause string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.stepSucceeded(bookingID, step) {
		return nil
	}
	if s.db.steps[bookingID] == nil {
		s.db.steps[bookingID] = map[models.SagaStepName]*models.SagaStep{}
	}
	existing, ok := s.db.steps[bookingID][step]
	if !ok {
		existing = &models.SagaStep{BookingID: bookingID, Step: step}
		s.db.steps[bookingID][step] = existing
	}
	existing.Status = models.StepFailed
	existing.Attempts++
	existing.LastError = &cause
	return nil
}

func (s fakeLedgerStore) ListSteps(ctx context.Context, bookingID uuid.UUID) ([]models.SagaStep, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := []models.SagaStep{}
	for _, st := range s.db.steps[bookingID] {
		out = append(out, *st)
	}
	return out, nil
}

func (s fakeLedgerStore) SumSettledEntries(ctx context.Context, userID uuid.UUID) (*models.LedgerTotals, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	totals := &models.LedgerTotals{}
	for _, e := range s.db.entries {
		if e.UserID != userID || e.Status != models.EntryStatusSettled {
			continue
		}
		if e.Balance == models.BalancePending {
			totals.Pending = totals.Pending.Add(e.Value)
		} else {
			totals.NonPending = totals.NonPending.Add(e.Value)
		}
	}
	return totals, nil
}

func (s fakeLedgerStore) ListEntries(ctx context.Context, userID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := []models.LedgerEntry{}
	for i := len(s.db.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.db.entries[i].UserID == userID {
			out = append(out, s.db.entries[i])
		}
	}
	return out, nil
}

func (s fakeLedgerStore) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	ids := []uuid.UUID{}
	for id := range s.db.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// --- users, settings, audit ---

type fakeUserDirectory struct{ db *fakeDB }

func (s fakeUserDirectory) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

type fakeSettingsStore struct{ db *fakeDB }

func (s fakeSettingsStore) GetDecimal(ctx context.Context, key string, def decimal.Decimal) (decimal.Decimal, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if key == models.SettingPlatformFeeMargin && s.db.feeMargin != nil {
		return *s.db.feeMargin, nil
	}
	return def, nil
}

type fakeAuditStore struct{ db *fakeDB }

func (s fakeAuditStore) Log(ctx context.Context, event *models.BookingAuditEvent) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.audit = append(s.db.audit, *event)
	return nil
}

func (s fakeAuditStore) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.BookingAuditEvent, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.BookingAuditEvent
	for _, e := range s.db.audit {
		if e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- notifications ---

type sentEvent struct {
	Email string
	Kind  notify.EventKind
	Data  map[string]interface{}
}

type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeSender) SendBookingEvent(ctx context.Context, recipientEmail string, kind notify.EventKind, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Email: recipientEmail, Kind: kind, Data: data})
	return nil
}

func (f *fakeSender) count(email string, kind notify.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Email == email && e.Kind == kind {
			n++
		}
	}
	return n
}

// ============================================================================
// TEST ENVIRONMENT
// ============================================================================

const (
	driverEmail    = "driver@example.com"
	passengerEmail = "passenger@example.com"
)

// 2030-01-01 is a Tuesday
var baseTime = time.Date(2030, time.January, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	db         *fakeDB
	clock      *testClock
	sender     *fakeSender
	metrics    *metrics.Metrics
	recurrence *RecurrenceEngine
	settlement *SettlementService
	bookings   *BookingService
	amendments *AmendmentService
	ledger     *LedgerService
	cron       *CronService

	driverID    uuid.UUID
	passengerID uuid.UUID
}

func newTestEnv(t *testing.T, policy CancellationApprovalPolicy) *testEnv {
	t.Helper()

	logger, _ := test.NewNullLogger()
	clock := &testClock{t: baseTime}
	db := newFakeDB(clock)
	sender := &fakeSender{}
	m := metrics.New(prometheus.NewRegistry())

	bookingStore := fakeBookingStore{db}
	amendmentStore := fakeAmendmentStore{db}
	journeyStore := fakeJourneyStore{db}
	ledgerStore := fakeLedgerStore{db}

	recurrence := NewRecurrenceEngine(1000)
	notifier := NewNotifier(sender, fakeUserDirectory{db}, nil, time.Second, logger)
	audit := NewAuditService(fakeAuditStore{db}, logger)

	settlement := NewSettlementService(bookingStore, journeyStore, amendmentStore, ledgerStore, recurrence, m, DefaultSettlementConfig(), logger)
	settlement.now = clock.Now

	bookings := NewBookingService(bookingStore, journeyStore, amendmentStore, fakeSettingsStore{db}, settlement, recurrence, notifier, audit, m,
		BookingConfig{DefaultFeeMargin: dec("0.10")}, logger)
	bookings.now = clock.Now

	amendments := NewAmendmentService(bookingStore, journeyStore, amendmentStore, settlement, recurrence, notifier, audit, m, policy, logger)
	amendments.now = clock.Now

	ledger := NewLedgerService(ledgerStore, logger)

	env := &testEnv{
		db:          db,
		clock:       clock,
		sender:      sender,
		metrics:     m,
		recurrence:  recurrence,
		settlement:  settlement,
		bookings:    bookings,
		amendments:  amendments,
		ledger:      ledger,
		cron:        NewCronService(bookingStore, settlement, ledger, "@every 1m", 50, logger),
		driverID:    uuid.New(),
		passengerID: uuid.New(),
	}
	db.users[env.driverID] = &models.User{ID: env.driverID, DisplayName: "Driver", Email: driverEmail}
	db.users[env.passengerID] = &models.User{ID: env.passengerID, DisplayName: "Passenger", Email: passengerEmail}
	return env
}

func (e *testEnv) addJourney(price string, rule *string, validUntil *time.Time) *models.Journey {
	j := &models.Journey{
		ID:       uuid.New(),
		DriverID: e.driverID,
		Price:    dec(price),
		Currency: "LKR",
		Route: models.Route{
			Start: models.Location{Name: "Colombo Fort", Lat: 6.9344, Lng: 79.8428},
			End:   models.Location{Name: "Kandy", Lat: 7.2906, Lng: 80.6337},
		},
		Capacity:       3,
		DepartureAt:    baseTime.Add(2 * time.Hour),
		RecurrenceRule: rule,
		ValidUntil:     validUntil,
	}
	e.db.mu.Lock()
	e.db.journeys[j.ID] = j
	e.db.mu.Unlock()
	return j
}

func (e *testEnv) deposit(t *testing.T, userID uuid.UUID, amount string) {
	t.Helper()
	_, err := e.ledger.TopUp(context.Background(), userID, dec(amount), "LKR")
	require.NoError(t, err)
}

func (e *testEnv) book(t *testing.T, journey *models.Journey, rideTime time.Time, windowEnd *time.Time) *models.Booking {
	t.Helper()
	booking, err := e.bookings.CreateBooking(context.Background(), e.passengerID, &models.CreateBookingRequest{
		JourneyID: journey.ID.String(),
		RideTime:  rideTime,
		WindowEnd: windowEnd,
	})
	require.NoError(t, err)
	return booking
}

// confirmedSingle returns a confirmed booking on a 100 LKR single journey
// with the passenger holding 500 LKR
func (e *testEnv) confirmedSingle(t *testing.T) (*models.Booking, *models.Journey) {
	t.Helper()
	journey := e.addJourney("100", nil, nil)
	e.deposit(t, e.passengerID, "500")
	booking := e.book(t, journey, baseTime.Add(2*time.Hour), nil)
	_, err := e.bookings.ApproveBooking(context.Background(), booking.ID, e.driverID)
	require.NoError(t, err)
	return booking, journey
}
