package alert

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// Message is one notification. Alert is nil for operational messages such
// as sink escalation.
type Message struct {
	Subject string
	Body    string
	Alert   *models.Alert
}

// MessageFor renders the notification for a persisted alert.
func MessageFor(a models.Alert) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Threat detected at %s\n\n", a.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Source:      %s%s\n", a.SrcIP, portSuffix(a.SrcPort))
	fmt.Fprintf(&b, "Destination: %s%s\n", a.DstIP, portSuffix(a.DstPort))
	fmt.Fprintf(&b, "Protocol:    %s\n", a.Protocol)
	fmt.Fprintf(&b, "Confidence:  %.3f\n", a.Probability)
	fmt.Fprintf(&b, "Model:       v%d\n", a.ModelVersion)
	fmt.Fprintf(&b, "Alert ID:    %s\n", a.ID)
	return Message{
		Subject: fmt.Sprintf("IDS alert: %s -> %s", a.SrcIP, a.DstIP),
		Body:    b.String(),
		Alert:   &a,
	}
}

func portSuffix(p *uint16) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf(":%d", *p)
}

// Notifier delivers a message on one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, msg Message) error
}

type funcNotifier struct {
	name string
	fn   func(context.Context, Message) error
}

// NotifierFunc wraps fn as a Notifier called name.
func NotifierFunc(name string, fn func(context.Context, Message) error) Notifier {
	return &funcNotifier{name: name, fn: fn}
}

func (n *funcNotifier) Name() string { return n.name }

func (n *funcNotifier) Notify(ctx context.Context, msg Message) error {
	return n.fn(ctx, msg)
}

// =============================================================================
// Dispatcher
// =============================================================================

// DispatcherConfig controls notification delivery.
type DispatcherConfig struct {
	// QueueSize bounds pending messages; Enqueue drops when full.
	QueueSize int

	// Retries is the number of retries after the first failed attempt.
	Retries int

	// Backoff is the delay before the first retry, doubled for each next one.
	Backoff time.Duration

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
}

// DefaultDispatcherConfig returns the default delivery settings.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		QueueSize: 256,
		Retries:   3,
		Backoff:   500 * time.Millisecond,
		Timeout:   10 * time.Second,
	}
}

// Dispatcher delivers messages to every notifier off the detection path.
// Failures are retried with bounded backoff, then logged and dropped.
type Dispatcher struct {
	notifiers []Notifier
	cfg       DispatcherConfig
	queue     chan Message
	logger    *logging.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher over notifiers. Run must be called for
// queued messages to be delivered.
func NewDispatcher(cfg *DispatcherConfig, notifiers ...Notifier) *Dispatcher {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	c := *cfg
	def := DefaultDispatcherConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = def.Backoff
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return &Dispatcher{
		notifiers: notifiers,
		cfg:       c,
		queue:     make(chan Message, c.QueueSize),
		logger:    logging.AlertLogger(),
	}
}

// Channels returns the configured notifier names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

// Enqueue schedules msg without blocking. It reports false when the message
// was dropped because the queue is full or no notifier is configured.
func (d *Dispatcher) Enqueue(msg Message) bool {
	if len(d.notifiers) == 0 {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.dropped.Add(1)
		metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
		d.logger.Warn("notification queue full, dropping message", "subject", msg.Subject)
		return false
	}
}

// Run delivers queued messages until ctx is done, then drains whatever is
// still queued within one delivery timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case msg := <-d.queue:
			d.Send(ctx, msg)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	for {
		select {
		case msg := <-d.queue:
			if ctx.Err() != nil {
				d.dropped.Add(1)
				metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
				d.logger.Warn("shutdown drain timed out, dropping message", "subject", msg.Subject)
				continue
			}
			d.Send(ctx, msg)
		default:
			return
		}
	}
}

// Send delivers msg to every notifier synchronously, retrying each one
// independently. Errors are logged, never returned.
func (d *Dispatcher) Send(ctx context.Context, msg Message) {
	for _, n := range d.notifiers {
		d.deliver(ctx, n, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, msg Message) {
	backoff := d.cfg.Backoff
	var err error
	for attempt := 0; attempt <= d.cfg.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				d.fail(n, msg, ctx.Err())
				return
			case <-t.C:
			}
			backoff *= 2
		}

		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		err = n.Notify(actx, msg)
		cancel()
		if err == nil {
			d.delivered.Add(1)
			metrics.Notifications.WithLabelValues(n.Name(), "sent").Inc()
			return
		}
		metrics.Notifications.WithLabelValues(n.Name(), "retry").Inc()
		d.logger.Debug("notification attempt failed",
			"channel", n.Name(), "attempt", attempt+1, logging.Err(err))
	}
	d.fail(n, msg, err)
}

func (d *Dispatcher) fail(n Notifier, msg Message, err error) {
	d.failed.Add(1)
	metrics.Notifications.WithLabelValues(n.Name(), "failed").Inc()
	d.logger.Warn("notification failed",
		"channel", n.Name(), "subject", msg.Subject, logging.Err(err))
}

// Stats returns delivered, failed and dropped message counts.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}
