// Package notify delivers alert e-mails. Only a logging mailer exists; a real
// SMTP client would implement the same Mailer interface.
package notify

import (
	"context"
	"log/slog"

	"github.com/BearBump/ParcelWatch/internal/models"
)

const DefaultRecipient = "dispatcher@parcelwatch.local"

type Mailer interface {
	SendAlert(ctx context.Context, alert models.Alert) error
}

// LogMailer writes the e-mail it would send to the log.
type LogMailer struct {
	To     string
	Logger *slog.Logger
}

func NewLogMailer(to string) *LogMailer {
	if to == "" {
		to = DefaultRecipient
	}
	return &LogMailer{To: to, Logger: slog.Default()}
}

func (m *LogMailer) SendAlert(ctx context.Context, alert models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Logger.Info("[MOCK EMAIL] package alert",
		"to", m.To,
		"subject", "STUCK PACKAGE ALERT - "+alert.PackageID,
		"alert_id", alert.ID,
		"body", alert.Message,
	)
	return nil
}
