package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AlexYaroshenko/cowin-notifier/internal/metrics"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
	"github.com/AlexYaroshenko/cowin-notifier/internal/scan"
	"github.com/AlexYaroshenko/cowin-notifier/internal/store"
)

// Notification result labels.
const (
	ResultSent       = "sent"
	ResultSuppressed = "suppressed"
	ResultFailed     = "failed"
	ResultWelcome    = "welcome"
)

// Delivery is one message handed to the transport.
type Delivery struct {
	Recipient string   `json:"recipient"`
	Region    string   `json:"region"`
	Centers   []string `json:"centers"`
	Err       error    `json:"-"`
}

// Report summarizes a Decide call.
type Report struct {
	Deliveries []Delivery `json:"deliveries"`
	// Centers counts (recipient, center) pairs included in a notification.
	Centers int `json:"centers"`
	// Suppressed counts pairs skipped because they are still in cooldown.
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
	// Canceled is set when ctx ended before every recipient was handled.
	Canceled bool `json:"canceled,omitempty"`
}

// Notified returns the number of messages handed to the transport.
func (r Report) Notified() int { return len(r.Deliveries) }

// Engine applies the per (recipient, center) cooldown and dispatches
// notifications. It mutates history and must be driven from one goroutine.
type Engine struct {
	history   *store.History
	transport Transport
	cooldown  time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over history.
func NewEngine(history *store.History, t Transport, cooldown time.Duration, opts ...Option) *Engine {
	e := &Engine{
		history:   history,
		transport: t,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// History returns the history the engine mutates.
func (e *Engine) History() *store.History { return e.history }

// Transport returns the delivery transport.
func (e *Engine) Transport() Transport { return e.transport }

// Register greets every recipient not yet registered. Transports that cannot
// greet mark recipients registered without sending anything. A failed
// welcome leaves the recipient unregistered so it is retried next cycle.
// It returns the number of recipients newly registered.
func (e *Engine) Register(ctx context.Context, subs *registry.Subscriptions) int {
	welcomer, canWelcome := e.transport.(Welcomer)
	n := 0
	for _, r := range subs.Recipients() {
		if e.history.IsRegistered(r) {
			continue
		}
		if ctx.Err() != nil {
			return n
		}
		if canWelcome {
			regions := subs.RegionsOf(r)
			keys := make([]string, len(regions))
			for i, reg := range regions {
				keys[i] = reg.Key
			}
			if err := welcomer.Welcome(ctx, r, keys); err != nil {
				e.logger.Warn("welcome failed", "recipient", r, "transport", e.transport.Name(), "error", err)
				e.metrics.AddNotifications(ResultFailed, 1)
				continue
			}
			e.metrics.AddNotifications(ResultWelcome, 1)
		}
		e.history.MarkRegistered(r)
		n++
	}
	return n
}

// Decide runs the cooldown rule over the available centers of each region
// and dispatches one message per recipient and region with something new.
// History is updated after each send, even when delivery fails, unless the
// send was cut short by ctx. Dispatch stops once ctx is done.
func (e *Engine) Decide(ctx context.Context, regions []scan.Availability) Report {
	var rep Report
	cooldown := e.cooldown.Seconds()

dispatch:
	for _, av := range regions {
		if len(av.Centers) == 0 {
			continue
		}
		for _, recipient := range av.Recipients {
			if ctx.Err() != nil {
				rep.Canceled = true
				break dispatch
			}
			now := store.Timestamp(e.now())
			var batch []string
			for _, center := range av.Centers {
				last, seen := e.history.LastNotified(recipient, center)
				if seen && now-last <= cooldown {
					rep.Suppressed++
					continue
				}
				batch = append(batch, center)
			}
			if len(batch) == 0 {
				continue
			}

			d := Delivery{Recipient: recipient, Region: av.Region.String(), Centers: batch}
			err := e.transport.Send(ctx, recipient, batch)
			if err != nil {
				d.Err = err
				rep.Failed++
				e.logger.Warn("notification failed",
					"recipient", recipient, "region", d.Region, "transport", e.transport.Name(), "error", err)
			}
			rep.Centers += len(batch)
			rep.Deliveries = append(rep.Deliveries, d)

			if isInterrupted(err) {
				// Not delivered: keep the pairs eligible for the next run.
				continue
			}
			for _, center := range batch {
				e.history.SetLastNotified(recipient, center, now)
			}
		}
	}

	e.metrics.AddNotifications(ResultSent, rep.Notified()-rep.Failed)
	e.metrics.AddNotifications(ResultFailed, rep.Failed)
	e.metrics.AddNotifications(ResultSuppressed, rep.Suppressed)
	return rep
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
