package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// JourneyRepository handles read access to the journeys table. Journeys are
// maintained administratively and are read-only here.
type JourneyRepository struct {
	db DB
}

// NewJourneyRepository creates a new JourneyRepository
func NewJourneyRepository(db DB) *JourneyRepository {
	return &JourneyRepository{db: db}
}

// GetByID retrieves a journey by its ID
func (r *JourneyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Journey, error) {
	query := `
		SELECT id, driver_id, vehicle_plate, price, currency, route, capacity,
		       departure_at, recurrence_rule, valid_until, created_at, updated_at
		FROM journeys
		WHERE id = $1`

	var journey models.Journey
	if err := r.db.GetContext(ctx, &journey, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get journey: %w", err)
	}
	return &journey, nil
}
