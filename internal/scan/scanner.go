// Package scan fetches calendar responses for every subscribed region and
// reduces them to the set of centers that currently have an eligible slot.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AlexYaroshenko/cowin-notifier/internal/cowin"
	"github.com/AlexYaroshenko/cowin-notifier/internal/metrics"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

// Fetcher is the subset of the CoWIN client used by the scanner.
type Fetcher interface {
	CalendarByPin(ctx context.Context, pincode, date string) ([]cowin.Center, error)
	CalendarByDistrict(ctx context.Context, districtID, date string) ([]cowin.Center, error)
}

// Pacer is implemented by fetchers that throttle requests. The scanner waits
// for admission before starting the per-request timeout, so time spent queued
// behind the throttle never counts against a request.
type Pacer interface {
	Pace(ctx context.Context) (context.Context, error)
}

// Options tune a Scanner.
type Options struct {
	Policy         Policy
	Weeks          int
	Concurrency    int
	RequestTimeout time.Duration
}

// Availability is the outcome of one region for a cycle.
type Availability struct {
	Region     registry.Region
	Recipients []string
	// Centers holds eligible center names, first-seen order, no duplicates.
	Centers []string
}

// Failure is a query that produced no usable response.
type Failure struct {
	Query Query
	Err   error
}

// Result is the outcome of a full scan.
type Result struct {
	Regions  []Availability
	Queries  int
	Failures []Failure
	// Canceled is set when the context ended before every query ran.
	Canceled bool
	Duration time.Duration
}

// Available returns only the regions with at least one eligible center.
func (r Result) Available() []Availability {
	var out []Availability
	for _, a := range r.Regions {
		if len(a.Centers) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// Scanner runs the fetch and evaluate phases of a cycle.
type Scanner struct {
	fetcher Fetcher
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a scanner. m may be nil.
func New(f Fetcher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Scanner{fetcher: f, opts: opts, metrics: m, logger: logger}
}

type queryResult struct {
	centers []string
	err     error
	done    bool
}

// Scan queries every (region, date) pair and aggregates eligible centers per
// region. A failing query is logged and counted; it never aborts the others.
// No new query starts once ctx is done.
func (s *Scanner) Scan(ctx context.Context, subs *registry.Subscriptions, now time.Time) Result {
	start := time.Now()
	dates := DateWindow(now, s.opts.Weeks)
	queries := Plan(subs, dates)
	results := make([]queryResult, len(queries))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	canceled := false
	for i, q := range queries {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			centers, err := s.fetch(ctx, q)
			results[i] = queryResult{centers: centers, err: err, done: true}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Queries: len(queries), Canceled: canceled || ctx.Err() != nil}
	byRegion := make(map[registry.Region]int)
	seen := make(map[registry.Region]map[string]bool)
	for _, sub := range subs.All() {
		byRegion[sub.Region] = len(res.Regions)
		seen[sub.Region] = make(map[string]bool)
		res.Regions = append(res.Regions, Availability{Region: sub.Region, Recipients: sub.Recipients})
	}

	for i, q := range queries {
		r := results[i]
		if !r.done {
			continue
		}
		if r.err != nil {
			res.Failures = append(res.Failures, Failure{Query: q, Err: r.err})
			continue
		}
		a := &res.Regions[byRegion[q.Region]]
		for _, name := range r.centers {
			if !seen[q.Region][name] {
				seen[q.Region][name] = true
				a.Centers = append(a.Centers, name)
			}
		}
	}
	res.Duration = time.Since(start)
	return res
}

// fetch runs one query with its own timeout and applies the policy.
func (s *Scanner) fetch(ctx context.Context, q Query) ([]string, error) {
	kind := q.Region.Kind.String()
	if p, ok := s.fetcher.(Pacer); ok {
		paced, err := p.Pace(ctx)
		if err != nil {
			s.metrics.ObserveRequest(kind, outcomeOf(err), 0)
			s.logger.Warn("calendar request not started",
				"region", q.Region.String(), "date", q.Date, "error", err)
			return nil, err
		}
		ctx = paced
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	var (
		centers []cowin.Center
		err     error
	)
	if q.Region.Kind == registry.KindPincode {
		centers, err = s.fetcher.CalendarByPin(reqCtx, q.Region.Key, q.Date)
	} else {
		centers, err = s.fetcher.CalendarByDistrict(reqCtx, q.Region.Key, q.Date)
	}
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.ObserveRequest(kind, outcomeOf(err), elapsed)
		var se *cowin.StatusError
		if errors.As(err, &se) {
			s.logger.Warn("calendar request rejected",
				"region", q.Region.String(), "date", q.Date,
				"status", se.Code, "body", se.Summary)
		} else {
			s.logger.Warn("calendar request failed",
				"region", q.Region.String(), "date", q.Date, "error", err)
		}
		return nil, err
	}
	s.metrics.ObserveRequest(kind, metrics.OutcomeOK, elapsed)

	names := EligibleCenters(centers, s.opts.Policy)
	s.logger.Debug("calendar checked",
		"region", q.Region.String(), "date", q.Date,
		"centers", len(centers), "eligible", len(names))
	return names, nil
}

func outcomeOf(err error) string {
	var se *cowin.StatusError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &se):
		return metrics.OutcomeHTTPError
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return metrics.OutcomeDecodeError
	default:
		return metrics.OutcomeTransport
	}
}
