// Package scheduler drives the poll loop: scan every region, notify, persist
// history, sleep, and drain on shutdown.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AlexYaroshenko/cowin-notifier/internal/metrics"
	"github.com/AlexYaroshenko/cowin-notifier/internal/notify"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
	"github.com/AlexYaroshenko/cowin-notifier/internal/scan"
	"github.com/AlexYaroshenko/cowin-notifier/internal/store"
)

// drainTimeout bounds the final save.
const drainTimeout = 10 * time.Second

// State is a scheduler phase.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateSleeping
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateSleeping:
		return "sleeping"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Scanner runs the fetch and evaluate phases of a cycle.
type Scanner interface {
	Scan(ctx context.Context, subs *registry.Subscriptions, now time.Time) scan.Result
}

// Options tune the loop.
type Options struct {
	Interval time.Duration
	// Cooldown is also the prune horizon of history.
	Cooldown time.Duration
	// Once runs a single cycle and drains.
	Once bool
}

// CycleSummary describes one finished cycle.
type CycleSummary struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration_ns"`
	Queries    int           `json:"queries"`
	Failures   int           `json:"failures"`
	Available  int           `json:"available_regions"`
	Registered int           `json:"registered"`
	Notified   int           `json:"notified"`
	Centers    int           `json:"centers"`
	Suppressed int           `json:"suppressed"`
	Failed     int           `json:"failed"`
	Pruned     int           `json:"pruned"`
	Saved      bool          `json:"saved"`
	Canceled   bool          `json:"canceled"`
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State     State         `json:"state"`
	Cycles    int           `json:"cycles"`
	LastCycle *CycleSummary `json:"last_cycle,omitempty"`
	History   store.Stats   `json:"history"`
	Regions   int           `json:"regions"`
}

// Scheduler owns the history and is the only goroutine that mutates it.
type Scheduler struct {
	subs    *registry.Subscriptions
	scanner Scanner
	engine  *notify.Engine
	store   store.Store
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	state atomic.Int32

	mu     sync.RWMutex
	last   *CycleSummary
	cycles int
	stats  store.Stats
}

// New wires a scheduler. The engine must operate on the history loaded from
// st.
func New(subs *registry.Subscriptions, sc Scanner, engine *notify.Engine, st store.Store, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		subs:    subs,
		scanner: sc,
		engine:  engine,
		store:   st,
		opts:    opts,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		stats:   engine.History().Stats(),
	}
	m.SetHistoryPairs(s.stats.Pairs)
	return s
}

// State returns the current phase. Safe for concurrent use.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.logger.Debug("scheduler state", "from", prev, "to", st)
	}
}

// Status returns a snapshot for reporting. Safe for concurrent use.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{State: s.State(), Cycles: s.cycles, History: s.stats, Regions: s.subs.Len()}
	if s.last != nil {
		last := *s.last
		st.LastCycle = &last
	}
	return st
}

// Run loops until ctx is done, then saves history. It returns nil after a
// clean drain and the save error otherwise.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"regions", s.subs.Len(), "recipients", len(s.subs.Recipients()),
		"interval", s.opts.Interval, "cooldown", s.opts.Cooldown)

	for {
		s.setState(StateScanning)
		s.cycle(ctx)
		if ctx.Err() != nil || s.opts.Once {
			break
		}

		s.setState(StateSleeping)
		if !s.sleep(ctx) {
			break
		}
	}
	return s.drain()
}

// sleep waits for the interval and reports false when ctx ended first.
func (s *Scheduler) sleep(ctx context.Context) bool {
	t := time.NewTimer(s.opts.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	started := s.now()
	sum := CycleSummary{ID: uuid.NewString(), Started: started}
	logger := s.logger.With("cycle", sum.ID)

	sum.Registered = s.engine.Register(ctx, s.subs)

	res := s.scanner.Scan(ctx, s.subs, started)
	sum.Queries = res.Queries
	sum.Failures = len(res.Failures)
	sum.Canceled = res.Canceled
	avail := res.Available()
	sum.Available = len(avail)

	if res.Canceled {
		logger.Info("cycle interrupted, skipping notifications", "queries", res.Queries)
	} else {
		rep := s.engine.Decide(ctx, avail)
		sum.Notified = rep.Notified()
		sum.Centers = rep.Centers
		sum.Suppressed = rep.Suppressed
		sum.Failed = rep.Failed
		sum.Canceled = rep.Canceled
	}

	h := s.engine.History()
	sum.Pruned = h.Prune(store.Timestamp(s.now()), s.opts.Cooldown.Seconds())
	if h.Dirty() && ctx.Err() == nil {
		if err := s.save(ctx); err != nil {
			logger.Error("saving history failed", "error", err)
		} else {
			sum.Saved = true
		}
	}

	sum.Duration = s.now().Sub(started)
	s.metrics.ObserveCycle(sum.Duration)
	s.publish(sum)

	logger.Info("cycle finished",
		"duration", sum.Duration.Round(time.Millisecond),
		"queries", sum.Queries, "failures", sum.Failures, "available_regions", sum.Available,
		"notified", sum.Notified, "centers", sum.Centers, "suppressed", sum.Suppressed,
		"failed", sum.Failed, "registered", sum.Registered, "pruned", sum.Pruned, "saved", sum.Saved)
}

func (s *Scheduler) publish(sum CycleSummary) {
	stats := s.engine.History().Stats()
	s.metrics.SetHistoryPairs(stats.Pairs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &sum
	s.cycles++
	s.stats = stats
}

func (s *Scheduler) save(ctx context.Context) error {
	h := s.engine.History()
	if err := s.store.Save(ctx, h); err != nil {
		return err
	}
	h.MarkClean()
	return nil
}

// drain persists history with a fresh context so an already canceled run
// context does not abort the final write.
func (s *Scheduler) drain() error {
	s.setState(StateDraining)
	defer s.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	h := s.engine.History()
	h.Prune(store.Timestamp(s.now()), s.opts.Cooldown.Seconds())
	if err := s.save(ctx); err != nil {
		s.logger.Error("final history save failed", "error", err)
		return fmt.Errorf("save history on shutdown: %w", err)
	}
	stats := h.Stats()
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	s.logger.Info("history saved, exiting", "recipients", stats.Recipients, "pairs", stats.Pairs)
	return nil
}
