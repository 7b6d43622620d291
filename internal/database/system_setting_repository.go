package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smarttransit/rideshare-booking/internal/models"
)

// SystemSettingRepository handles database operations for system_settings table
type SystemSettingRepository struct {
	db DB
}

// NewSystemSettingRepository creates a new SystemSettingRepository
func NewSystemSettingRepository(db DB) *SystemSettingRepository {
	return &SystemSettingRepository{db: db}
}

// GetByKey retrieves a system setting by its key
func (r *SystemSettingRepository) GetByKey(ctx context.Context, key string) (*models.SystemSetting, error) {
	var setting models.SystemSetting
	query := `
		SELECT setting_key, setting_value, description, updated_at
		FROM system_settings
		WHERE setting_key = $1`

	err := r.db.GetContext(ctx, &setting, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get system setting %s: %w", key, err)
	}
	return &setting, nil
}

// GetDecimal reads a numeric setting, falling back to def when the key is
// absent
func (r *SystemSettingRepository) GetDecimal(ctx context.Context, key string, def decimal.Decimal) (decimal.Decimal, error) {
	setting, err := r.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return def, nil
		}
		return decimal.Zero, err
	}

	value, err := decimal.NewFromString(setting.SettingValue)
	if err != nil {
		return decimal.Zero, fmt.Errorf("setting %s is not numeric: %w", key, err)
	}
	return value, nil
}
