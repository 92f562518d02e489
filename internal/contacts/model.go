package contacts

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// LinkPrecedence marks whether a contact is the root of its cluster or an alias.
type LinkPrecedence string

const (
	// LinkPrecedencePrimary marks the canonical contact of a cluster.
	LinkPrecedencePrimary LinkPrecedence = "primary"
	// LinkPrecedenceSecondary marks an alias pointing directly at its primary.
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

const (
	maxEmailLength = 320
	maxPhoneLength = 64
)

// Contact is the sole persisted entity: one fragment of a person's identity.
type Contact struct {
	ID             uint           `gorm:"column:id;primaryKey;autoIncrement"`
	Email          *string        `gorm:"column:email;size:320;index:idx_contact_email"`
	PhoneNumber    *string        `gorm:"column:phone_number;size:64;index:idx_contact_phone"`
	LinkedID       *uint          `gorm:"column:linked_id;index:idx_contact_linked"`
	LinkPrecedence LinkPrecedence `gorm:"column:link_precedence;size:16;not null"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;not null"`
	DeletedAt      gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Contact) TableName() string {
	return "contact"
}

// IsPrimary reports whether the contact is the root of its cluster.
func (c Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

// EmailValue returns the email or an empty string.
func (c Contact) EmailValue() string {
	if c.Email == nil {
		return ""
	}
	return *c.Email
}

// PhoneValue returns the phone number or an empty string.
func (c Contact) PhoneValue() string {
	if c.PhoneNumber == nil {
		return ""
	}
	return *c.PhoneNumber
}

// olderThan orders contacts by creation time, breaking ties by id.
func (c Contact) olderThan(other Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// IdentifyRequest carries the identifying fragment supplied by a caller.
type IdentifyRequest struct {
	email string
	phone string
}

// NewIdentifyRequest trims the raw values and requires at least one of them.
func NewIdentifyRequest(rawEmail, rawPhone string) (IdentifyRequest, error) {
	email := strings.TrimSpace(rawEmail)
	phone := strings.TrimSpace(rawPhone)
	if email == "" && phone == "" {
		return IdentifyRequest{}, &ValidationError{Message: "Either email or phoneNumber must be provided"}
	}
	if len(email) > maxEmailLength {
		return IdentifyRequest{}, &ValidationError{Message: fmt.Sprintf("email exceeds %d characters", maxEmailLength)}
	}
	if len(phone) > maxPhoneLength {
		return IdentifyRequest{}, &ValidationError{Message: fmt.Sprintf("phoneNumber exceeds %d characters", maxPhoneLength)}
	}
	return IdentifyRequest{email: email, phone: phone}, nil
}

// Email returns the requested email, empty when absent.
func (r IdentifyRequest) Email() string {
	return r.email
}

// Phone returns the requested phone number, empty when absent.
func (r IdentifyRequest) Phone() string {
	return r.phone
}

// LockKeys names the identifying values touched by the request.
func (r IdentifyRequest) LockKeys() []string {
	keys := make([]string, 0, 2)
	if r.email != "" {
		keys = append(keys, "email:"+r.email)
	}
	if r.phone != "" {
		keys = append(keys, "phone:"+r.phone)
	}
	return keys
}

func (r IdentifyRequest) isEmpty() bool {
	return r.email == "" && r.phone == ""
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}
