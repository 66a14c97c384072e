package models

import (
	"errors"
	"strings"
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Alert is a notification addressed to a single owner. Only the owner
// changes Read after creation.
type Alert struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Validate checks a new alert before it is stored.
func (a Alert) Validate() error {
	switch {
	case strings.TrimSpace(a.OwnerID) == "":
		return errors.New("alert owner_id is required")
	case strings.TrimSpace(a.Title) == "":
		return errors.New("alert title is required")
	case !a.Severity.Valid():
		return errors.New("alert severity must be info, success, warning or error")
	}
	return nil
}

// CompareAlertsNewestFirst orders alerts by descending creation time, then id.
func CompareAlertsNewestFirst(a, b Alert) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
