// Package packages_api exposes ingestion, dashboard queries, alerts and the
// live notification stream as JSON routes on a grpc-gateway ServeMux.
package packages_api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/cache/rediscache"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/services/ingest"
	"github.com/BearBump/ParcelWatch/internal/services/packages"
	"github.com/BearBump/ParcelWatch/internal/services/stall"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
)

const (
	TokenHeader = "X-API-Token"

	maxBodyBytes     = 1 << 20
	keepAliveEvery   = 25 * time.Second
	rateLimitWindow  = 70 * time.Second
	rateLimitTimeout = 500 * time.Millisecond
	rateLimitPrefix  = "rl:ingest"
)

type Ingester interface {
	Ingest(ctx context.Context, r ingest.Report) (ingest.Result, error)
}

type Queries interface {
	ListPackages(ctx context.Context, q packages.ListQuery) (*packages.Page, error)
	GetPackageDetail(ctx context.Context, packageID string, q packages.EventsQuery) (*packages.Detail, error)
}

type Sweeps interface {
	Trigger()
	Stats() stall.Stats
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type PackagesAPI struct {
	ingest  Ingester
	queries Queries
	alerts  *stall.Registry
	sweeps  Sweeps
	hub     *bus.Hub

	tokens      map[string]struct{}
	rl          RateLimiter
	rlPerMinute int64

	now func() time.Time
}

func New(ing Ingester, q Queries, alerts *stall.Registry, sweeps Sweeps, hub *bus.Hub) *PackagesAPI {
	return &PackagesAPI{
		ingest:  ing,
		queries: q,
		alerts:  alerts,
		sweeps:  sweeps,
		hub:     hub,
		tokens:  map[string]struct{}{},
		now:     time.Now,
	}
}

// WithTokens turns on the API token check. An empty list leaves the API open.
func (a *PackagesAPI) WithTokens(tokens []string) *PackagesAPI {
	for _, t := range tokens {
		if t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

// WithRateLimit caps status updates per caller per minute.
func (a *PackagesAPI) WithRateLimit(rl RateLimiter, perMinute int64) *PackagesAPI {
	a.rl = rl
	a.rlPerMinute = perMinute
	return a
}

func (a *PackagesAPI) WithClock(now func() time.Time) *PackagesAPI {
	if now != nil {
		a.now = now
	}
	return a
}

// Register adds every route to mux.
func (a *PackagesAPI) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/api/packages/update", a.authed(a.limited(a.updatePackage))},
		{http.MethodGet, "/api/packages", a.authed(a.listPackages)},
		{http.MethodGet, "/api/packages/{packageId}", a.authed(a.getPackage)},
		{http.MethodGet, "/api/alerts", a.authed(a.listAlerts)},
		{http.MethodPost, "/api/alerts/{alertId}/ack", a.authed(a.ackAlert)},
		{http.MethodDelete, "/api/alerts/{alertId}", a.authed(a.clearAlert)},
		{http.MethodGet, "/api/stream", a.authed(a.stream)},
		{http.MethodGet, "/api/stream/stats", a.authed(a.streamStats)},
		{http.MethodPost, "/api/sweep", a.authed(a.triggerSweep)},
		{http.MethodGet, "/api/sweep/stats", a.authed(a.sweepStats)},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return errors.Wrapf(err, "register %s %s", rt.method, rt.pattern)
		}
	}
	return nil
}

type errorBody struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func callerToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	// EventSource clients cannot set headers.
	return r.URL.Query().Get("token")
}

// callerKey identifies the caller in limiter keys without exposing its token.
func callerKey(r *http.Request) string {
	caller := callerToken(r)
	if caller == "" {
		caller = r.RemoteAddr
	}
	sum := sha256.Sum256([]byte(caller))
	return hex.EncodeToString(sum[:8])
}

func (a *PackagesAPI) authed(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if len(a.tokens) > 0 {
			if _, ok := a.tokens[callerToken(r)]; !ok {
				writeJSON(w, http.StatusUnauthorized, errorBody{
					Error:   "Authentication required",
					Message: "Please provide a valid API token",
				})
				return
			}
		}
		h(w, r, params)
	}
}

func (a *PackagesAPI) limited(h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if a.rl == nil || a.rlPerMinute <= 0 {
			h(w, r, params)
			return
		}
		key := rediscache.WindowKey(rateLimitPrefix, callerKey(r), a.now())

		ctx, cancel := context.WithTimeout(r.Context(), rateLimitTimeout)
		allowed, n, err := a.rl.Allow(ctx, key, a.rlPerMinute, rateLimitWindow)
		cancel()
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err.Error())
		} else if !allowed {
			slog.Warn("ingest rate limit exceeded", "count", n)
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Rate limit exceeded"})
			return
		}
		h(w, r, params)
	}
}

type updateResponse struct {
	Result    ingest.Outcome `json:"result"`
	Message   string         `json:"message"`
	PackageID string         `json:"packageId"`
	EventID   string         `json:"eventId"`
	Repaired  bool           `json:"repaired,omitempty"`
}

var outcomeMessages = map[ingest.Outcome]string{
	ingest.Applied:          "Package updated successfully",
	ingest.Duplicate:        "Event already processed",
	ingest.StoredOutOfOrder: "Out-of-order event stored in history",
}

func (a *PackagesAPI) updatePackage(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Details: []string{err.Error()}})
		return
	}
	report, err := messages.DecodeStatusReport(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Details: []string{err.Error()}})
		return
	}

	res, err := a.ingest.Ingest(r.Context(), report)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Validation failed", Details: verr.Details})
			return
		}
		slog.Error("ingest status report", "package_id", report.PackageID, "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "storage error", Message: "Failed to update package"})
		return
	}

	writeJSON(w, http.StatusOK, updateResponse{
		Result:    res.Outcome,
		Message:   outcomeMessages[res.Outcome],
		PackageID: res.PackageID,
		EventID:   res.EventID,
		Repaired:  res.Repaired,
	})
}

func (a *PackagesAPI) listPackages(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	qs := r.URL.Query()
	q := packages.ListQuery{Status: qs.Get("status"), Search: qs.Get("search")}

	var details []string
	if v := qs.Get("active_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			details = append(details, "active_only must be a boolean")
		}
		q.ActiveOnly = &b
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, "limit must be an integer")
		}
		q.Limit = n
		if n == 0 && err == nil {
			details = append(details, "limit must be between 1 and 100")
		}
	}
	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, "offset must be an integer")
		}
		q.Offset = n
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid query parameters", Details: details})
		return
	}

	page, err := a.queries.ListPackages(r.Context(), q)
	switch {
	case errors.Is(err, packages.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid query parameters", Details: []string{err.Error()}})
	case err != nil:
		slog.Error("list packages", "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error", Message: "Failed to fetch packages"})
	default:
		writeJSON(w, http.StatusOK, page)
	}
}

func (a *PackagesAPI) getPackage(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["packageId"]
	qs := r.URL.Query()
	var q packages.EventsQuery
	var details []string
	if v := qs.Get("events_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n == 0 {
			details = append(details, "events_limit must be an integer between 1 and 500")
		}
		q.Limit = n
	}
	if v := qs.Get("events_offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, "events_offset must be an integer")
		}
		q.Offset = n
	}
	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid query parameters", Details: details})
		return
	}

	d, err := a.queries.GetPackageDetail(r.Context(), id, q)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Package not found", Message: fmt.Sprintf("Package %s does not exist", id)})
	case errors.Is(err, packages.ErrInvalidQuery):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid query parameters", Details: []string{err.Error()}})
	case err != nil:
		slog.Error("get package", "package_id", id, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error", Message: "Failed to fetch package"})
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

type alertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

func (a *PackagesAPI) listAlerts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	list := a.alerts.List()
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: list, Count: len(list)})
}

func (a *PackagesAPI) ackAlert(w http.ResponseWriter, r *http.Request, params map[string]string) {
	alert, ok := a.alerts.Acknowledge(params["alertId"])
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Alert not found"})
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *PackagesAPI) clearAlert(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if !a.alerts.Clear(params["alertId"]) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Alert not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *PackagesAPI) triggerSweep(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	a.sweeps.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (a *PackagesAPI) sweepStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, a.sweeps.Stats())
}

func (a *PackagesAPI) streamStats(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, a.hub.Stats())
}

type connectionEstablished struct {
	Room             string    `json:"room"`
	ConnectedClients int       `json:"connectedClients"`
	Timestamp        time.Time `json:"timestamp"`
}

// stream relays bus envelopes of one room as Server-Sent Events.
func (a *PackagesAPI) stream(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	room := r.URL.Query().Get("room")
	if room == "" {
		room = bus.TopicDispatchers
	}

	sub := a.hub.Subscribe(room)
	defer sub.Close()
	slog.Info("stream client connected", "room", room, "subscription_id", sub.ID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "connection_established", connectionEstablished{
		Room:             room,
		ConnectedClients: a.hub.Subscribers(room),
		Timestamp:        a.now().UTC(),
	}); err != nil {
		return
	}
	fl.Flush()

	keepAlive := time.NewTicker(keepAliveEvery)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("stream client disconnected", "room", room, "subscription_id", sub.ID, "dropped", sub.Dropped())
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			fl.Flush()
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, env.EventType, env.Payload); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
