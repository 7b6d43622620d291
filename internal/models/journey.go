package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Location is a named point on a route
type Location struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// Route holds the start and end of a ride; it is stored as JSONB
type Route struct {
	Start Location `json:"start"`
	End   Location `json:"end"`
}

// Value implements the driver.Valuer interface
// Returns JSON as string for compatibility with pgx simple protocol mode
func (r Route) Value() (driver.Value, error) {
	bytes, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (r *Route) Scan(value interface{}) error {
	if value == nil {
		*r = Route{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return errors.New("type assertion to []byte failed for Route")
	}
}

// Journey is a driver-owned trip template. Bookings reference it; only
// administrative action changes it.
type Journey struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	DriverID     uuid.UUID       `json:"driver_id" db:"driver_id"`
	VehiclePlate *string         `json:"vehicle_plate,omitempty" db:"vehicle_plate"`
	Price        decimal.Decimal `json:"price" db:"price"` // advertised price per occurrence
	Currency     string          `json:"currency" db:"currency"`
	Route        Route           `json:"route" db:"route"`
	Capacity     int             `json:"capacity" db:"capacity"`
	DepartureAt  time.Time       `json:"departure_at" db:"departure_at"`

	// Recurring journeys carry a cron expression and the date after which
	// no occurrence may be booked
	RecurrenceRule *string    `json:"recurrence_rule,omitempty" db:"recurrence_rule"`
	ValidUntil     *time.Time `json:"valid_until,omitempty" db:"valid_until"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsRecurring reports whether the journey is scheduled by a recurrence rule
func (j *Journey) IsRecurring() bool {
	return j.RecurrenceRule != nil && *j.RecurrenceRule != ""
}
