package scan

import "github.com/AlexYaroshenko/cowin-notifier/internal/cowin"

// Policy is the session filter applied to every response.
type Policy struct {
	// MinAge is the operator's age threshold: a session is usable when its own
	// age floor is at or below it.
	MinAge int
	// RequireCapacity additionally demands available_capacity > 0 whenever the
	// response carries the field.
	RequireCapacity bool
}

// IsEligible reports whether any session passes the policy.
func IsEligible(sessions []cowin.Session, p Policy) bool {
	for _, s := range sessions {
		if s.MinAgeLimit > p.MinAge {
			continue
		}
		if p.RequireCapacity && s.AvailableCapacity != nil && *s.AvailableCapacity <= 0 {
			continue
		}
		return true
	}
	return false
}

// EligibleCenters returns the names of eligible centers in response order.
func EligibleCenters(centers []cowin.Center, p Policy) []string {
	var names []string
	for _, c := range centers {
		if IsEligible(c.Sessions, p) {
			names = append(names, c.Name)
		}
	}
	return names
}
