package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/BearBump/ParcelWatch/internal/models"
)

const fingerprintDomain = "parcelwatch/status-event/v2"

// Fingerprint is the idempotency key of a status event: two reports with the
// same package, status, timestamp, position and note are the same event. ETA
// is excluded. Every field is length-prefixed, so no field content can shift
// into a neighbouring field.
func Fingerprint(ev *models.StatusEvent) string {
	var lat, lon, note string
	if ev.Position != nil {
		lat = strconv.FormatFloat(ev.Position.Lat, 'g', -1, 64)
		lon = strconv.FormatFloat(ev.Position.Lon, 'g', -1, 64)
	}
	if ev.Note != nil {
		note = *ev.Note
	}

	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	h.Write([]byte{0x00})
	for _, f := range []string{
		ev.PackageID,
		string(ev.Status),
		ev.EventTimestamp.UTC().Format(time.RFC3339Nano),
		lat,
		lon,
		note,
	} {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}
