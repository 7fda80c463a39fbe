package messages

import (
	"time"

	"github.com/BearBump/ParcelWatch/internal/models"
)

const (
	EventPackageUpdated = "package_updated"
	EventNewAlert       = "new_alert"
)

// Notification is the closed set of payloads that may travel on the bus.
type Notification interface {
	EventType() string
	// PackageID is used as the partition key when relayed.
	PackageID() string
	sealed()
}

type PackageUpdated struct {
	Package     string     `json:"packageId"`
	Status      string     `json:"status"`
	Lat         *float64   `json:"lat,omitempty"`
	Lon         *float64   `json:"lon,omitempty"`
	LastUpdated time.Time  `json:"lastUpdated"`
	Note        *string    `json:"note,omitempty"`
	ETA         *time.Time `json:"eta,omitempty"`
	IsActive    bool       `json:"isActive"`
}

func (PackageUpdated) EventType() string   { return EventPackageUpdated }
func (m PackageUpdated) PackageID() string { return m.Package }
func (PackageUpdated) sealed()             {}

// NewPackageUpdated builds the payload from the state that was just written
// and the note of the event that produced it.
func NewPackageUpdated(st *models.PackageState, note *string) PackageUpdated {
	m := PackageUpdated{
		Package:     st.PackageID,
		Status:      string(st.CurrentStatus),
		LastUpdated: st.LastUpdated.UTC(),
		Note:        note,
		IsActive:    st.IsActive,
	}
	if st.CurrentPosition != nil {
		lat, lon := st.CurrentPosition.Lat, st.CurrentPosition.Lon
		m.Lat, m.Lon = &lat, &lon
	}
	if st.ETA != nil {
		eta := st.ETA.UTC()
		m.ETA = &eta
	}
	return m
}

type NewAlert struct {
	ID           string    `json:"id"`
	Package      string    `json:"packageId"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

func (NewAlert) EventType() string   { return EventNewAlert }
func (m NewAlert) PackageID() string { return m.Package }
func (NewAlert) sealed()             {}

func NewAlertFrom(a models.Alert) NewAlert {
	return NewAlert{
		ID:           a.ID,
		Package:      a.PackageID,
		Type:         string(a.Kind),
		Message:      a.Message,
		Timestamp:    a.CreatedAt.UTC(),
		Acknowledged: a.Acknowledged,
	}
}
