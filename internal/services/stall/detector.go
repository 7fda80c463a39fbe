// Package stall finds active packages that stopped receiving updates and
// raises one alert per such package.
package stall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/ParcelWatch/internal/broker/messages"
	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/metrics"
	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/notify"
	"github.com/pkg/errors"
)

// Threshold is how long an active package may go without an applied event.
const Threshold = 30 * time.Minute

const mailTimeout = 10 * time.Second

var ErrSweepInProgress = errors.New("stall sweep already in progress")

type Store interface {
	ListStalledPackages(ctx context.Context, cutoff time.Time) ([]*models.PackageState, error)
	GetPackagesByIDs(ctx context.Context, ids []string) ([]*models.PackageState, error)
}

type Publisher interface {
	Publish(topic string, msg messages.Notification) int
}

type Detector struct {
	store    Store
	registry *Registry
	pub      Publisher
	mailer   notify.Mailer

	running sync.Mutex
	mailWG  sync.WaitGroup
}

func New(store Store, registry *Registry, pub Publisher, mailer notify.Mailer) *Detector {
	return &Detector{store: store, registry: registry, pub: pub, mailer: mailer}
}

func (d *Detector) Registry() *Registry {
	return d.registry
}

// Sweep raises an alert for every active package whose last update is more
// than Threshold before now and that has no alert yet, then drops alerts of
// packages that are no longer active. It returns the new alerts.
//
// When listing fails, alerts raised earlier in the same sweep stay in the
// registry and the error is returned.
func (d *Detector) Sweep(ctx context.Context, now time.Time) ([]models.Alert, error) {
	if !d.running.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer d.running.Unlock()

	stalled, err := d.store.ListStalledPackages(ctx, now.Add(-Threshold))
	if err != nil {
		return nil, errors.Wrap(err, "list stalled packages")
	}

	var raised []models.Alert
	for _, p := range stalled {
		if !p.IsActive || now.Sub(p.LastUpdated) <= Threshold {
			continue
		}
		a := models.Alert{
			ID:        models.StuckAlertID(p.PackageID),
			PackageID: p.PackageID,
			Kind:      models.AlertKindStuckPackage,
			Message: fmt.Sprintf("Package %s has been stuck in %s status for %d minutes",
				p.PackageID, p.CurrentStatus, int(now.Sub(p.LastUpdated)/time.Minute)),
			CreatedAt: now,
		}
		if !d.registry.Add(a) {
			continue
		}
		raised = append(raised, a)
		metrics.AlertsRaisedTotal.Inc()
		slog.Warn("package stalled", "package_id", p.PackageID, "status", p.CurrentStatus, "last_updated", p.LastUpdated)

		if d.pub != nil {
			d.pub.Publish(bus.TopicDispatchers, messages.NewAlertFrom(a))
		}
		d.mail(ctx, a)
	}

	if err := d.cleanup(ctx); err != nil {
		return raised, err
	}
	return raised, nil
}

// cleanup drops alerts whose package is gone or no longer active.
func (d *Detector) cleanup(ctx context.Context) error {
	ids := d.registry.packageIDs()
	if len(ids) == 0 {
		return nil
	}
	pkgs, err := d.store.GetPackagesByIDs(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "load alerted packages")
	}
	active := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		active[p.PackageID] = p.IsActive
	}
	n := d.registry.RemoveIf(func(a models.Alert) bool {
		return a.Kind == models.AlertKindStuckPackage && !active[a.PackageID]
	})
	if n > 0 {
		slog.Info("stall alerts resolved", "count", n)
	}
	return nil
}

func (d *Detector) mail(ctx context.Context, a models.Alert) {
	if d.mailer == nil {
		return
	}
	d.mailWG.Add(1)
	go func() {
		defer d.mailWG.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mailTimeout)
		defer cancel()
		if err := d.mailer.SendAlert(mctx, a); err != nil {
			metrics.DeliveryFailuresTotal.WithLabelValues("mail").Inc()
			slog.Error("send alert mail", "alert_id", a.ID, "error", err.Error())
		}
	}()
}

// Wait blocks until pending alert mails are done.
func (d *Detector) Wait() {
	d.mailWG.Wait()
}
