package stall

import (
	"sort"
	"sync"

	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/BearBump/ParcelWatch/internal/models"
)

// Registry holds the live alerts, at most one per ID. It is not persisted.
type Registry struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
}

func NewRegistry() *Registry {
	return &Registry{alerts: make(map[string]models.Alert)}
}

// Add stores a unless an alert with the same ID exists. It reports whether a was stored.
func (r *Registry) Add(a models.Alert) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[a.ID]; ok {
		return false
	}
	r.alerts[a.ID] = a
	metrics.ActiveAlerts.Set(float64(len(r.alerts)))
	return true
}

func (r *Registry) Get(id string) (models.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	return a, ok
}

// List returns every alert, oldest first.
func (r *Registry) List() []models.Alert {
	r.mu.Lock()
	out := make([]models.Alert, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Acknowledge marks the alert as seen. The entry stays, so the package is not
// alerted again while it remains stalled.
func (r *Registry) Acknowledge(id string) (models.Alert, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	a.Acknowledged = true
	r.alerts[id] = a
	return a, true
}

// Clear drops the alert. A package that is still stalled is alerted again on
// the next sweep.
func (r *Registry) Clear(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[id]; !ok {
		return false
	}
	delete(r.alerts, id)
	metrics.ActiveAlerts.Set(float64(len(r.alerts)))
	return true
}

// RemoveIf drops every alert for which drop returns true and returns how many went.
func (r *Registry) RemoveIf(drop func(models.Alert) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.alerts {
		if drop(a) {
			delete(r.alerts, id)
			n++
		}
	}
	metrics.ActiveAlerts.Set(float64(len(r.alerts)))
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

// packageIDs lists the packages referenced by stuck alerts.
func (r *Registry) packageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		if a.Kind == models.AlertKindStuckPackage {
			ids = append(ids, a.PackageID)
		}
	}
	sort.Strings(ids)
	return ids
}
