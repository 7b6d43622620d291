package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/smarttransit/rideshare-booking/internal/models"
)

// VehicleRepository handles database operations for vehicles table
type VehicleRepository struct {
	db DB
}

// NewVehicleRepository creates a new VehicleRepository
func NewVehicleRepository(db DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// GetByPlate retrieves a vehicle by its license plate
func (r *VehicleRepository) GetByPlate(ctx context.Context, plate string) (*models.Vehicle, error) {
	var vehicle models.Vehicle
	query := `SELECT plate, make, model, colour FROM vehicles WHERE UPPER(plate) = $1`

	err := r.db.GetContext(ctx, &vehicle, query, strings.ToUpper(strings.TrimSpace(plate)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get vehicle by plate: %w", err)
	}
	return &vehicle, nil
}

// GetVehicleDescription returns a human readable description for
// notifications. Unknown plates are described by the plate itself.
func (r *VehicleRepository) GetVehicleDescription(ctx context.Context, plate string) (string, error) {
	vehicle, err := r.GetByPlate(ctx, plate)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return plate, nil
		}
		return "", err
	}
	return vehicle.Description(), nil
}
