// Package cowin is a small client for the public CoWIN appointment API.
//
// Only the unauthenticated endpoints are used: the calendar lookups by pincode
// and district, and the location listings needed to build district metadata.
// Requests are throttled with a token bucket since the public host enforces a
// per-IP quota.
package cowin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public CDN host for the v2 API.
const DefaultBaseURL = "https://cdn-api.co-vin.in"

const (
	calendarByPinPath      = "/api/v2/appointment/sessions/public/calendarByPin"
	calendarByDistrictPath = "/api/v2/appointment/sessions/public/calendarByDistrict"
	statesPath             = "/api/v2/admin/location/states"
	districtsPath          = "/api/v2/admin/location/districts/"

	// The CDN answers bare clients with a 403 page.
	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_10_1) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/39.0.2171.95 Safari/537.36"
)

// ErrUnexpectedStatus is wrapped by every *StatusError.
var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError reports a non-2xx answer. Summary is a short, log-friendly
// rendering of the body (HTML error pages are reduced to their title).
type StatusError struct {
	Path    string
	Code    int
	Summary string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Path, e.Code, e.Summary)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Client talks to the CoWIN API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a client. requestsPerMinute <= 0 disables throttling and
// timeout bounds every single request.
func NewClient(baseURL string, requestsPerMinute int, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// CalendarByPin returns the centers of a pincode for the week starting at date
// (dd-mm-yyyy).
func (c *Client) CalendarByPin(ctx context.Context, pincode, date string) ([]Center, error) {
	return c.calendar(ctx, calendarByPinPath, url.Values{"pincode": {pincode}, "date": {date}})
}

// CalendarByDistrict returns the centers of a district for the week starting
// at date (dd-mm-yyyy).
func (c *Client) CalendarByDistrict(ctx context.Context, districtID, date string) ([]Center, error) {
	return c.calendar(ctx, calendarByDistrictPath, url.Values{"district_id": {districtID}, "date": {date}})
}

func (c *Client) calendar(ctx context.Context, path string, params url.Values) ([]Center, error) {
	var res CalendarResponse
	if err := c.get(ctx, path, params, &res); err != nil {
		return nil, err
	}
	return res.Centers, nil
}

// States lists all states known to the API.
func (c *Client) States(ctx context.Context) ([]State, error) {
	var res statesResponse
	if err := c.get(ctx, statesPath, nil, &res); err != nil {
		return nil, err
	}
	return res.States, nil
}

// Districts lists the districts of a state.
func (c *Client) Districts(ctx context.Context, stateID int) ([]District, error) {
	var res districtsResponse
	if err := c.get(ctx, fmt.Sprintf("%s%d", districtsPath, stateID), nil, &res); err != nil {
		return nil, err
	}
	return res.Districts, nil
}

type pacedKey struct{}

// Pace blocks until the throttle admits one more request. The returned
// context carries that admission, so the next call made with it (or with a
// context derived from it) does not wait again. Callers that bound requests
// with a deadline should pace first and derive the deadline afterwards.
func (c *Client) Pace(ctx context.Context) (context.Context, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ctx, fmt.Errorf("rate limit wait: %w", err)
	}
	return context.WithValue(ctx, pacedKey{}, true), nil
}

// get performs a throttled GET and decodes a JSON body into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if paced, _ := ctx.Value(pacedKey{}).(bool); !paced {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en_US")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debug("cowin response",
		"path", path, "query", params.Encode(),
		"status", resp.StatusCode, "bytes", len(body),
		"duration", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Path: path, Code: resp.StatusCode, Summary: summarizeBody(body)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// summarizeBody renders an error body for logs. CloudFront and nginx error
// pages are HTML, so their title and first heading carry the useful part.
func summarizeBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "<empty body>"
	}
	if trimmed[0] != '<' {
		return truncate(string(trimmed), 200)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return truncate(string(trimmed), 200)
	}

	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	if heading := strings.TrimSpace(doc.Find("h1, h2").First().Text()); heading != "" && (len(parts) == 0 || heading != parts[0]) {
		parts = append(parts, heading)
	}
	if len(parts) == 0 {
		text := strings.Join(strings.Fields(doc.Text()), " ")
		if text == "" {
			return "<html body>"
		}
		return truncate(text, 200)
	}
	return truncate(strings.Join(parts, ": "), 200)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
