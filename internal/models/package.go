package models

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusCreated        Status = "CREATED"
	StatusPickedUp       Status = "PICKED_UP"
	StatusInTransit      Status = "IN_TRANSIT"
	StatusOutForDelivery Status = "OUT_FOR_DELIVERY"
	StatusDelivered      Status = "DELIVERED"
	StatusException      Status = "EXCEPTION"
	StatusCancelled      Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusCreated,
	StatusPickedUp,
	StatusInTransit,
	StatusOutForDelivery,
	StatusDelivered,
	StatusException,
	StatusCancelled,
}

// Statuses returns every known status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// IsTerminal reports whether the package lifecycle ends at s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// DeriveActive is the only place the active flag is computed.
func DeriveActive(s Status) bool {
	return !s.IsTerminal()
}

type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StatusEvent is a courier report as it was received. Never mutated after insert.
type StatusEvent struct {
	ID             string     `json:"eventId"`
	PackageID      string     `json:"packageId"`
	Status         Status     `json:"status"`
	Position       *Position  `json:"position,omitempty"`
	EventTimestamp time.Time  `json:"eventTimestamp"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Note           *string    `json:"note,omitempty"`
	ETA            *time.Time `json:"eta,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
}

// PackageState is the materialized current state of one package.
type PackageState struct {
	PackageID       string     `json:"packageId"`
	CurrentStatus   Status     `json:"currentStatus"`
	CurrentPosition *Position  `json:"currentPosition,omitempty"`
	LastUpdated     time.Time  `json:"lastUpdated"`
	ETA             *time.Time `json:"eta,omitempty"`
	IsActive        bool       `json:"isActive"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (p *PackageState) Clone() *PackageState {
	if p == nil {
		return nil
	}
	c := *p
	if p.CurrentPosition != nil {
		pos := *p.CurrentPosition
		c.CurrentPosition = &pos
	}
	if p.ETA != nil {
		eta := *p.ETA
		c.ETA = &eta
	}
	return &c
}

type AlertKind string

const AlertKindStuckPackage AlertKind = "STUCK_PACKAGE"

type Alert struct {
	ID           string    `json:"id"`
	PackageID    string    `json:"packageId"`
	Kind         AlertKind `json:"type"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

func StuckAlertID(packageID string) string {
	return "stuck_" + packageID
}

// PackageFilter drives the dashboard listing.
type PackageFilter struct {
	Status       *Status
	ActiveOnly   bool
	UpdatedSince *time.Time
	Search       string
	Limit        int
	Offset       int
}
