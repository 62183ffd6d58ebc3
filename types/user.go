package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserType is the authorization scope of an account.
type UserType string

const (
	UserTypeUser       UserType = "user"
	UserTypeAdmin      UserType = "admin"
	UserTypeSuperAdmin UserType = "super-admin"
)

// UserTypes lists every known user type.
var UserTypes = []UserType{UserTypeUser, UserTypeAdmin, UserTypeSuperAdmin}

// ParseUserType normalizes raw input and reports whether it names a known user type.
func ParseUserType(raw string) (UserType, bool) {
	candidate := UserType(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range UserTypes {
		if candidate == known {
			return known, true
		}
	}
	return "", false
}

// In reports whether t is one of roles.
func (t UserType) In(roles ...UserType) bool {
	for _, role := range roles {
		if t == role {
			return true
		}
	}
	return false
}

// IsPrivileged reports whether the user type carries administrative rights.
func (t UserType) IsPrivileged() bool {
	return t == UserTypeAdmin || t == UserTypeSuperAdmin
}

// Status is the lifecycle state of an account.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusDeclined Status = "declined"
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Statuses lists every known status.
var Statuses = []Status{StatusPending, StatusVerified, StatusDeclined, StatusEnabled, StatusDisabled}

// ParseStatus normalizes raw input and reports whether it names a known status.
func ParseStatus(raw string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Statuses {
		if candidate == known {
			return known, true
		}
	}
	return "", false
}

// In reports whether s is one of statuses.
func (s Status) In(statuses ...Status) bool {
	for _, status := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Address is the optional postal address attached to a user.
// Every field except State is required when an address is present.
type Address struct {
	Zip         string `json:"zip"`
	City        string `json:"city"`
	Country     string `json:"country"`
	AddressLine string `json:"addressLine"`
	State       string `json:"state,omitempty"`
}

// MissingFields returns the JSON names of required address fields that are blank.
func (a Address) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(a.Zip) == "" {
		missing = append(missing, "zip")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if strings.TrimSpace(a.AddressLine) == "" {
		missing = append(missing, "addressLine")
	}
	return missing
}

// Trimmed returns a copy with surrounding whitespace removed from every field.
func (a Address) Trimmed() Address {
	return Address{
		Zip:         strings.TrimSpace(a.Zip),
		City:        strings.TrimSpace(a.City),
		Country:     strings.TrimSpace(a.Country),
		AddressLine: strings.TrimSpace(a.AddressLine),
		State:       strings.TrimSpace(a.State),
	}
}

// User represents an account in the system.
// It contains identity, credentials, role and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID uuid.UUID `json:"id"`

	// UserName is the display name chosen for the account.
	UserName string `json:"userName"`

	// Email is the user's email address, stored trimmed and lowercased.
	Email string `json:"email"`

	// PhoneNumber is the user's contact number.
	PhoneNumber string `json:"phoneNumber"`

	// UserType controls the authorization scope of the account.
	UserType UserType `json:"userType"`

	// Status is the lifecycle state of the account.
	Status Status `json:"status"`

	// Address is the optional postal address.
	Address *Address `json:"address,omitempty"`

	// AvatarKey is the object key of the uploaded avatar, if any.
	AvatarKey string `json:"avatarKey,omitempty"`

	// CreatedBy references the super-admin that created the account, if any.
	CreatedBy *uuid.UUID `json:"createdBy,omitempty"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-"`

	// RefreshToken is the single live refresh token of the account.
	// This field is never exposed in API responses.
	RefreshToken string `json:"-"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sanitize returns a copy of the user with secret fields cleared.
func (u User) Sanitize() User {
	u.PasswordHash = ""
	u.RefreshToken = ""
	if u.Address != nil {
		address := *u.Address
		u.Address = &address
	}
	if u.CreatedBy != nil {
		createdBy := *u.CreatedBy
		u.CreatedBy = &createdBy
	}
	return u
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
