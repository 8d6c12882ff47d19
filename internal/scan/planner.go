package scan

import (
	"time"

	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

// DateLayout is the dd-mm-yyyy format expected by the calendar endpoints.
const DateLayout = "02-01-2006"

// Query is one (region, date) calendar lookup.
type Query struct {
	Region registry.Region
	Date   string
}

// DateWindow returns weeks dates spaced seven days apart starting at now.
// Each calendar response covers the seven days from its date.
func DateWindow(now time.Time, weeks int) []string {
	dates := make([]string, 0, max(weeks, 0))
	for i := 0; i < weeks; i++ {
		dates = append(dates, now.AddDate(0, 0, 7*i).Format(DateLayout))
	}
	return dates
}

// Plan expands subscriptions into queries: pincodes first, then districts,
// every region once per date.
func Plan(subs *registry.Subscriptions, dates []string) []Query {
	all := subs.All()
	queries := make([]Query, 0, len(all)*len(dates))
	for _, sub := range all {
		for _, d := range dates {
			queries = append(queries, Query{Region: sub.Region, Date: d})
		}
	}
	return queries
}
