package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// CronService runs the saga reconciler on a schedule. It re-drives refunds
// that did not finish and closes bookings whose capture committed but whose
// status update was lost.
type CronService struct {
	cron       *cron.Cron
	bookings   BookingStore
	settlement *SettlementService
	ledger     *LedgerService
	spec       string
	batch      int
	timeout    time.Duration
	logger     *logrus.Logger

	mu      sync.Mutex
	running bool
}

// ReconcileResult summarizes one reconciler pass
type ReconcileResult struct {
	RefundsRetried  int `json:"refunds_retried"`
	RefundsFailed   int `json:"refunds_failed"`
	BookingsClosed  int `json:"bookings_closed"`
	AccountsDrifted int `json:"accounts_drifted"`
}

// NewCronService creates a new CronService
func NewCronService(
	bookings BookingStore,
	settlement *SettlementService,
	ledger *LedgerService,
	spec string,
	batch int,
	logger *logrus.Logger,
) *CronService {
	if batch <= 0 {
		batch = 50
	}
	return &CronService{
		cron:       cron.New(cron.WithSeconds()),
		bookings:   bookings,
		settlement: settlement,
		ledger:     ledger,
		spec:       spec,
		batch:      batch,
		timeout:    2 * time.Minute,
		logger:     logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	_, err := s.cron.AddFunc(s.spec, s.reconcileJob)
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile job: %w", err)
	}
	s.logger.WithField("spec", s.spec).Info("Scheduled: booking saga reconciler")

	s.cron.Start()
	s.logger.Info("Cron service started successfully")
	return nil
}

// Stop stops all cron jobs and waits for a running job to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

// reconcileJob is the scheduled entry point. Overlapping runs are skipped.
func (s *CronService) reconcileJob() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("[CRON] Previous reconcile still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	startTime := time.Now()
	result, err := s.Reconcile(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON ERROR] Reconcile failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"refunds_retried":  result.RefundsRetried,
		"refunds_failed":   result.RefundsFailed,
		"bookings_closed":  result.BookingsClosed,
		"accounts_drifted": result.AccountsDrifted,
		"duration":         time.Since(startTime).String(),
	}).Info("[CRON] Reconcile finished")
}

// Reconcile runs one reconciler pass
func (s *CronService) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	result := &ReconcileResult{}

	awaiting, err := s.bookings.ListAwaitingRefund(ctx, s.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings awaiting refund: %w", err)
	}
	for _, booking := range awaiting {
		reason := RefundNotCompleted
		if booking.Status == models.BookingStatusCancelled {
			reason = RefundCancellation
		}
		result.RefundsRetried++
		if err := s.settlement.Refund(ctx, booking.ID, reason); err != nil {
			result.RefundsFailed++
			s.logger.WithError(err).WithField("booking_id", booking.ID).Warn("[CRON] Refund retry failed")
		}
	}

	captured, err := s.bookings.ListCapturedNotCompleted(ctx, s.batch)
	if err != nil {
		return nil, fmt.Errorf("failed to list captured bookings: %w", err)
	}
	for _, booking := range captured {
		err := s.bookings.TransitionStatus(ctx, booking.ID,
			[]models.BookingStatus{models.BookingStatusConfirmed, models.BookingStatusPendingCompletion},
			models.BookingStatusCompleted)
		if err != nil {
			if !errors.Is(err, database.ErrStatusConflict) {
				s.logger.WithError(err).WithField("booking_id", booking.ID).Warn("[CRON] Failed to close captured booking")
			}
			continue
		}
		result.BookingsClosed++
		s.logger.WithField("booking_id", booking.ID).Info("[CRON] Closed captured booking as completed")
	}

	if s.ledger != nil {
		drifted, err := s.ledger.ReconcileAll(ctx)
		if err != nil {
			return result, err
		}
		result.AccountsDrifted = len(drifted)
	}

	return result, nil
}

// RunReconcileNow runs the reconciler immediately
func (s *CronService) RunReconcileNow(ctx context.Context) (*ReconcileResult, error) {
	s.logger.Info("[MANUAL] Running reconcile now...")
	return s.Reconcile(ctx)
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
