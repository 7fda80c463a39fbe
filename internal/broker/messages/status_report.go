package messages

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// StatusReport is a courier report as it arrives over HTTP or Kafka.
type StatusReport struct {
	PackageID string   `json:"package_id"`
	Status    string   `json:"status"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	Timestamp string   `json:"timestamp"`
	Note      *string  `json:"note,omitempty"`
	ETA       *string  `json:"eta,omitempty"`
}

// DecodeStatusReport rejects unknown fields and trailing data.
func DecodeStatusReport(b []byte) (StatusReport, error) {
	var r StatusReport
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return StatusReport{}, errors.Wrap(err, "decode status report")
	}
	if dec.More() {
		return StatusReport{}, errors.New("decode status report: trailing data")
	}
	return r, nil
}
