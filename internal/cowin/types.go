package cowin

// Session is a single vaccination session offered by a center on a date.
// AvailableCapacity is nil when the response omits the field.
type Session struct {
	SessionID         string `json:"session_id,omitempty"`
	Date              string `json:"date,omitempty"`
	MinAgeLimit       int    `json:"min_age_limit"`
	AvailableCapacity *int   `json:"available_capacity,omitempty"`
	Vaccine           string `json:"vaccine,omitempty"`
}

// Center is a vaccination center as returned by the calendar endpoints.
type Center struct {
	CenterID int       `json:"center_id,omitempty"`
	Name     string    `json:"name"`
	Address  string    `json:"address,omitempty"`
	Pincode  int       `json:"pincode,omitempty"`
	Sessions []Session `json:"sessions"`
}

// CalendarResponse is the body of calendarByPin and calendarByDistrict.
type CalendarResponse struct {
	Centers []Center `json:"centers"`
}

// State is an entry of the admin/location/states listing.
type State struct {
	StateID   int    `json:"state_id"`
	StateName string `json:"state_name"`
}

// District is an entry of the admin/location/districts listing.
type District struct {
	DistrictID   int    `json:"district_id"`
	DistrictName string `json:"district_name"`
}

type statesResponse struct {
	States []State `json:"states"`
}

type districtsResponse struct {
	Districts []District `json:"districts"`
}
