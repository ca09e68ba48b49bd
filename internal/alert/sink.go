// Package alert persists detected threats and fans them out to
// notification channels. Persistence is durable and append-only;
// notification is best effort and never fails the caller.
package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrSinkUnavailable is returned when an alert could not be made durable,
// either because the store could not be locked in time or the write failed.
var ErrSinkUnavailable = errors.New("alert: sink unavailable")

// Sink persists alerts. Record returns only after the alert is durable.
type Sink interface {
	Record(ctx context.Context, a models.Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, a models.Alert) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, a models.Alert) error {
	return f(ctx, a)
}

// New builds an alert for a record classified as a threat. The timestamp is
// the record's capture time, or now when the record carries none.
func New(rec *models.RawRecord, res models.PredictionResult) models.Alert {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Alert{
		ID:           uuid.NewString(),
		Timestamp:    normalizeTime(ts),
		SrcIP:        rec.SrcIP,
		DstIP:        rec.DstIP,
		SrcPort:      rec.SrcPort,
		DstPort:      rec.DstPort,
		Protocol:     rec.Protocol,
		Prediction:   res.Label,
		Probability:  res.Probability,
		ModelVersion: res.ModelVersion,
	}
}

// normalizeTime renders as RFC 3339 UTC with second precision once marshaled.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
