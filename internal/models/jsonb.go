package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a free-form JSON object column, used for audit device info
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface. JSON is sent as a string so
// the pgx simple protocol (PgBouncer) accepts it.
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}
