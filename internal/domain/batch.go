package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch is the body of a push request.
type Batch struct {
	APIKey     string         `json:"apiKey"`
	IdentifyID string         `json:"identifyId" validate:"required,max=128"`
	UserID     string         `json:"userId,omitempty" validate:"max=256"`
	AppVersion string         `json:"appVersion,omitempty" validate:"max=64"`
	Info       map[string]any `json:"info,omitempty"`
	Events     Events         `json:"events" validate:"required,min=1"`
}

// DataPlane selects which event store a key writes to.
type DataPlane string

const (
	DataPlaneProduction DataPlane = "production"
	DataPlaneTest       DataPlane = "test"
)

func PlaneFor(isTestKey bool) DataPlane {
	if isTestKey {
		return DataPlaneTest
	}
	return DataPlaneProduction
}

// Tenant is the app an API key resolved to.
type Tenant struct {
	AppID  uuid.UUID
	Name   string
	APIKey uuid.UUID
	Plane  DataPlane
}

// RequestMetadata is derived once per request from trusted headers and
// attached to every record of the batch.
type RequestMetadata struct {
	Country   string
	UserAgent string
}

// Record is the persisted form of an event.
type Record struct {
	ID         uuid.UUID
	// DedupeKey is unique per APIKey. Empty disables de-duplication.
	DedupeKey  string
	APIKey     uuid.UUID
	IdentifyID string
	UserID     *string
	Type       Kind
	// Data holds the variant's special property and the caller properties
	// under "data".
	Data       map[string]any
	Info       map[string]any
	AppVersion *string
	Date       time.Time
	CreatedAt  time.Time
}
