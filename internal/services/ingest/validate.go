package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/models"
)

// Report is the inbound courier report.
type Report = messages.StatusReport

const (
	MaxPackageIDLen = 100
	MaxNoteLen      = 500
)

// Zoneless timestamps are read as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as an ISO-8601 timestamp", s)
}

// Validate checks r and turns it into an event without ID, receive time or
// fingerprint. Timestamps are normalized to UTC with microsecond precision.
func Validate(r Report) (*models.StatusEvent, error) {
	var details []string
	ev := &models.StatusEvent{PackageID: r.PackageID}

	switch {
	case strings.TrimSpace(r.PackageID) == "":
		details = append(details, "package_id is required")
	case utf8.RuneCountInString(r.PackageID) > MaxPackageIDLen:
		details = append(details, fmt.Sprintf("package_id must be at most %d characters", MaxPackageIDLen))
	}

	if r.Status == "" {
		details = append(details, "status is required")
	} else if st, err := models.ParseStatus(r.Status); err != nil {
		details = append(details, fmt.Sprintf("status must be one of %v", models.Statuses()))
	} else {
		ev.Status = st
	}

	switch {
	case r.Lat == nil && r.Lon == nil:
	case r.Lat == nil || r.Lon == nil:
		details = append(details, "lat and lon must be provided together")
	default:
		lat, lon := *r.Lat, *r.Lon
		ok := true
		if math.IsNaN(lat) || lat < -90 || lat > 90 {
			details = append(details, "lat must be between -90 and 90")
			ok = false
		}
		if math.IsNaN(lon) || lon < -180 || lon > 180 {
			details = append(details, "lon must be between -180 and 180")
			ok = false
		}
		if ok {
			ev.Position = &models.Position{Lat: lat, Lon: lon}
		}
	}

	if r.Timestamp == "" {
		details = append(details, "timestamp is required")
	} else if ts, err := parseTimestamp(r.Timestamp); err != nil {
		details = append(details, "timestamp: "+err.Error())
	} else {
		ev.EventTimestamp = ts.UTC().Truncate(time.Microsecond)
	}

	if r.Note != nil && *r.Note != "" {
		if utf8.RuneCountInString(*r.Note) > MaxNoteLen {
			details = append(details, fmt.Sprintf("note must be at most %d characters", MaxNoteLen))
		} else {
			note := *r.Note
			ev.Note = &note
		}
	}

	if r.ETA != nil && *r.ETA != "" {
		if eta, err := parseTimestamp(*r.ETA); err != nil {
			details = append(details, "eta: "+err.Error())
		} else {
			eta = eta.UTC().Truncate(time.Microsecond)
			ev.ETA = &eta
		}
	}

	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}
	return ev, nil
}
