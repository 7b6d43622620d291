package models

import (
	"strings"
)

// Vehicle is the driver's registered vehicle, looked up by plate
type Vehicle struct {
	Plate  string  `json:"plate" db:"plate"`
	Make   *string `json:"make,omitempty" db:"make"`
	Model  *string `json:"model,omitempty" db:"model"`
	Colour *string `json:"colour,omitempty" db:"colour"`
}

// Description renders "Colour Make Model (PLATE)" skipping unknown parts
func (v *Vehicle) Description() string {
	parts := make([]string, 0, 4)
	for _, p := range []*string{v.Colour, v.Make, v.Model} {
		if p != nil && *p != "" {
			parts = append(parts, *p)
		}
	}
	if len(parts) == 0 {
		return v.Plate
	}
	return strings.Join(parts, " ") + " (" + v.Plate + ")"
}
