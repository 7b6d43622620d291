package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SagaStepName identifies one ledger stage of the booking saga
type SagaStepName string

const (
	StepHold    SagaStepName = "hold"
	StepCapture SagaStepName = "capture"
	StepRefund  SagaStepName = "refund"
)

// Idempotent reports whether the step may be retried after an unknown outcome
func (s SagaStepName) Idempotent() bool {
	return s == StepCapture || s == StepRefund
}

// SagaStepStatus is the durable outcome of a saga step
type SagaStepStatus string

const (
	StepSucceeded SagaStepStatus = "succeeded"
	StepFailed    SagaStepStatus = "failed"
)

// SagaStep is the idempotency record keyed by (booking, step)
type SagaStep struct {
	BookingID uuid.UUID       `json:"booking_id" db:"booking_id"`
	Step      SagaStepName    `json:"step" db:"step"`
	Status    SagaStepStatus  `json:"status" db:"status"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // value moved out of or into driver Pending
	Attempts  int             `json:"attempts" db:"attempts"`
	LastError *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
