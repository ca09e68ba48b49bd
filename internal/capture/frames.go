package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/gopacket/gopacket"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// frameReader pulls frames from a packet handle and decodes them. Only
// errors accepted by retry are polled again; io.EOF ends the stream and any
// other read error is returned so the capture loop stops.
type frameReader struct {
	read    func() ([]byte, gopacket.CaptureInfo, error)
	retry   func(error) bool
	decoder *Decoder
	name    string

	received atomic.Uint64
	skipped  atomic.Uint64
	bytes    atomic.Uint64
}

func (r *frameReader) next(ctx context.Context) (models.RawRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.RawRecord{}, err
		}

		data, ci, err := r.read()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return models.RawRecord{}, io.EOF
		case r.retry != nil && r.retry(err):
			continue
		default:
			metrics.PacketsSkipped.WithLabelValues("read_error").Inc()
			logging.CaptureLogger().Error("packet read failed", "source", r.name, logging.Err(err))
			return models.RawRecord{}, fmt.Errorf("capture: read packet from %s: %w", r.name, err)
		}

		r.received.Add(1)
		r.bytes.Add(uint64(len(data)))
		metrics.PacketsReceived.Inc()
		metrics.BytesReceived.Add(float64(len(data)))

		rec, ok := r.decoder.Decode(data, ci.Timestamp, ci.Length)
		if !ok {
			r.skipped.Add(1)
			continue
		}
		return rec, nil
	}
}
