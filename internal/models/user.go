package models

import (
	"github.com/google/uuid"
)

// User is the identity record used to resolve booking parties and
// address notifications
type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Email       string    `json:"email" db:"email"`
}
