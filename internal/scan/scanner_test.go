package scan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexYaroshenko/cowin-notifier/internal/cowin"
	"github.com/AlexYaroshenko/cowin-notifier/internal/metrics"
	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

var scanNow = time.Date(2024, time.March, 29, 9, 0, 0, 0, time.UTC)

// fakeFetcher answers from a table keyed by "kind:key:date".
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]cowin.Center
	errs      map[string]error
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: map[string][]cowin.Center{}, errs: map[string]error{}}
}

func (f *fakeFetcher) answer(kind, key, date string) ([]cowin.Center, error) {
	id := fmt.Sprintf("%s:%s:%s", kind, key, date)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	return f.responses[id], nil
}

func (f *fakeFetcher) CalendarByPin(_ context.Context, pincode, date string) ([]cowin.Center, error) {
	return f.answer("pincode", pincode, date)
}

func (f *fakeFetcher) CalendarByDistrict(_ context.Context, districtID, date string) ([]cowin.Center, error) {
	return f.answer("district", districtID, date)
}

func openCenter(name string) cowin.Center {
	return cowin.Center{Name: name, Sessions: []cowin.Session{{MinAgeLimit: 18, AvailableCapacity: capacity(4)}}}
}

func closedCenter(name string) cowin.Center {
	return cowin.Center{Name: name, Sessions: []cowin.Session{{MinAgeLimit: 45, AvailableCapacity: capacity(4)}}}
}

func testOptions() Options {
	return Options{Policy: Policy{MinAge: 25, RequireCapacity: true}, Weeks: 2, Concurrency: 3, RequestTimeout: time.Second}
}

func TestScanAggregatesAcrossDates(t *testing.T) {
	f := newFakeFetcher()
	f.responses["pincode:560001:29-03-2024"] = []cowin.Center{openCenter("Hospital B"), closedCenter("Senior Camp")}
	f.responses["pincode:560001:05-04-2024"] = []cowin.Center{openCenter("Hospital A"), openCenter("Hospital B")}

	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "9000000001")

	res := New(f, testOptions(), nil, nil).Scan(context.Background(), subs, scanNow)

	require.Len(t, res.Regions, 1)
	assert.Equal(t, 2, res.Queries)
	assert.Empty(t, res.Failures)
	assert.False(t, res.Canceled)
	assert.Equal(t, []string{"Hospital B", "Hospital A"}, res.Regions[0].Centers)
	assert.Equal(t, []string{"9000000001"}, res.Regions[0].Recipients)
}

func TestScanContinuesPastFailingRegion(t *testing.T) {
	f := newFakeFetcher()
	f.errs["pincode:560001:29-03-2024"] = &cowin.StatusError{Path: "calendarByPin", Code: http.StatusInternalServerError, Summary: "boom"}
	f.errs["pincode:560001:05-04-2024"] = &cowin.StatusError{Path: "calendarByPin", Code: http.StatusInternalServerError, Summary: "boom"}
	f.responses["district:265:29-03-2024"] = []cowin.Center{openCenter("District Hospital")}

	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")
	subs.Add(registry.District(265), "b")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	res := New(f, testOptions(), m, nil).Scan(context.Background(), subs, scanNow)

	assert.Len(t, res.Failures, 2)
	for _, fail := range res.Failures {
		assert.ErrorIs(t, fail.Err, cowin.ErrUnexpectedStatus)
		assert.Equal(t, registry.Pincode("560001"), fail.Query.Region)
	}

	avail := res.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, registry.District(265), avail[0].Region)
	assert.Equal(t, []string{"District Hospital"}, avail[0].Centers)

	assert.InDelta(t, 2, testutil.ToFloat64(m.APIRequests.WithLabelValues("pincode", metrics.OutcomeHTTPError)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.APIRequests.WithLabelValues("district", metrics.OutcomeOK)), 0)
}

func TestScanStartsNothingAfterCancel(t *testing.T) {
	f := newFakeFetcher()
	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(f, testOptions(), nil, nil).Scan(ctx, subs, scanNow)
	assert.True(t, res.Canceled)
	assert.Empty(t, f.calls)
	assert.Empty(t, res.Available())
}

func TestScanAppliesRequestTimeout(t *testing.T) {
	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")

	slow := &blockingFetcher{}
	opts := testOptions()
	opts.Weeks = 1
	opts.RequestTimeout = 20 * time.Millisecond

	res := New(slow, opts, nil, nil).Scan(context.Background(), subs, scanNow)
	require.Len(t, res.Failures, 1)
	assert.True(t, errors.Is(res.Failures[0].Err, context.DeadlineExceeded))
	assert.False(t, res.Canceled)
}

// blockingFetcher waits for the request context to end.
type blockingFetcher struct{}

func (blockingFetcher) CalendarByPin(ctx context.Context, _, _ string) ([]cowin.Center, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingFetcher) CalendarByDistrict(ctx context.Context, _, _ string) ([]cowin.Center, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// pacingFetcher holds every request in its throttle for delay.
type pacingFetcher struct {
	*fakeFetcher
	delay time.Duration
}

func (p pacingFetcher) Pace(ctx context.Context) (context.Context, error) {
	select {
	case <-ctx.Done():
		return ctx, ctx.Err()
	case <-time.After(p.delay):
		return ctx, nil
	}
}

func TestScanStartsTimeoutAfterThrottle(t *testing.T) {
	f := newFakeFetcher()
	f.responses["pincode:560001:29-03-2024"] = []cowin.Center{openCenter("Hospital A")}
	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")

	opts := testOptions()
	opts.Weeks = 1
	opts.RequestTimeout = 20 * time.Millisecond

	res := New(pacingFetcher{fakeFetcher: f, delay: 60 * time.Millisecond}, opts, nil, nil).
		Scan(context.Background(), subs, scanNow)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Available(), 1)
}

func TestScanThrottledClientWithShortTimeout(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	httpmock.RegisterRegexpResponder(http.MethodGet, regexp.MustCompile(`/calendarByPin\?`),
		httpmock.NewStringResponder(http.StatusOK, `{"centers":[{"name":"Hospital A","sessions":[{"min_age_limit":18,"available_capacity":2}]}]}`))

	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")

	// Ten requests per second against a 50ms timeout: the later requests
	// queue longer than the timeout before they are admitted.
	client := cowin.NewClient(cowin.DefaultBaseURL, 600, time.Second, nil)
	opts := testOptions()
	opts.Weeks = 3
	opts.RequestTimeout = 50 * time.Millisecond

	res := New(client, opts, nil, nil).Scan(context.Background(), subs, scanNow)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 3, res.Queries)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestScanWithHTTPClient(t *testing.T) {
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	base := cowin.DefaultBaseURL + "/api/v2/appointment/sessions/public/"
	httpmock.RegisterResponderWithQuery(http.MethodGet, base+"calendarByPin",
		map[string]string{"pincode": "560001", "date": "29-03-2024"},
		httpmock.NewStringResponder(http.StatusOK, `{"centers":[{"name":"Hospital A","sessions":[{"min_age_limit":18,"available_capacity":2}]}]}`))
	httpmock.RegisterResponderWithQuery(http.MethodGet, base+"calendarByDistrict",
		map[string]string{"district_id": "265", "date": "29-03-2024"},
		httpmock.NewStringResponder(http.StatusInternalServerError, `{"error":"internal"}`))

	subs := registry.NewSubscriptions()
	subs.Add(registry.Pincode("560001"), "a")
	subs.Add(registry.District(265), "b")

	client := cowin.NewClient(cowin.DefaultBaseURL, 0, time.Second, nil)
	opts := testOptions()
	opts.Weeks = 1
	res := New(client, opts, nil, nil).Scan(context.Background(), subs, scanNow)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, registry.District(265), res.Failures[0].Query.Region)
	avail := res.Available()
	require.Len(t, avail, 1)
	assert.Equal(t, []string{"Hospital A"}, avail[0].Centers)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}
