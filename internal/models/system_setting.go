package models

import (
	"time"
)

// Known setting keys
const (
	SettingPlatformFeeMargin = "platform_fee_margin"
)

// SystemSetting represents a system-wide configuration setting
type SystemSetting struct {
	SettingKey   string    `json:"setting_key" db:"setting_key"`
	SettingValue string    `json:"setting_value" db:"setting_value"`
	Description  *string   `json:"description,omitempty" db:"description"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
