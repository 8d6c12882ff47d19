// Package registry turns the operator's recipient sheet into region
// subscriptions.
//
// A region selector is either a pincode (all digits, used verbatim as the
// query key) or a district name resolved through the state metadata.
package registry

import (
	"fmt"
	"strconv"
)

// RegionKind tells which calendar endpoint serves a region.
type RegionKind int

const (
	KindPincode RegionKind = iota
	KindDistrict
)

func (k RegionKind) String() string {
	switch k {
	case KindPincode:
		return "pincode"
	case KindDistrict:
		return "district"
	default:
		return "unknown"
	}
}

// Region is an availability query key.
type Region struct {
	Kind RegionKind
	Key  string
}

// Pincode returns a pincode region.
func Pincode(code string) Region { return Region{Kind: KindPincode, Key: code} }

// District returns a district region.
func District(id int) Region { return Region{Kind: KindDistrict, Key: strconv.Itoa(id)} }

func (r Region) String() string { return r.Kind.String() + ":" + r.Key }

// ClassifySelector resolves one selector of a registry row. The state is only
// consulted for district names.
func ClassifySelector(meta Metadata, state, selector string) (Region, error) {
	sel := normalizeName(selector)
	if sel == "" {
		return Region{}, fmt.Errorf("empty selector")
	}
	if isNumeric(sel) {
		return Pincode(sel), nil
	}
	id, err := meta.DistrictID(state, sel)
	if err != nil {
		return Region{}, err
	}
	return District(id), nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Subscription is a region and the recipients watching it.
type Subscription struct {
	Region     Region
	Recipients []string
}

// Subscriptions is the immutable region → recipients mapping built at
// startup. Pincodes and districts keep their first-seen order.
type Subscriptions struct {
	pincodes  []Subscription
	districts []Subscription
	index     map[Region]int
	seen      map[Region]map[string]bool
}

// NewSubscriptions returns an empty mapping.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		index: make(map[Region]int),
		seen:  make(map[Region]map[string]bool),
	}
}

// Add subscribes recipient to region. Duplicates are ignored.
func (s *Subscriptions) Add(region Region, recipient string) {
	if s.seen[region][recipient] {
		return
	}
	list := &s.pincodes
	if region.Kind == KindDistrict {
		list = &s.districts
	}
	i, ok := s.index[region]
	if !ok {
		*list = append(*list, Subscription{Region: region})
		i = len(*list) - 1
		s.index[region] = i
		s.seen[region] = make(map[string]bool)
	}
	(*list)[i].Recipients = append((*list)[i].Recipients, recipient)
	s.seen[region][recipient] = true
}

// Pincodes returns the pincode subscriptions.
func (s *Subscriptions) Pincodes() []Subscription { return s.pincodes }

// Districts returns the district subscriptions.
func (s *Subscriptions) Districts() []Subscription { return s.districts }

// All returns pincodes first, then districts.
func (s *Subscriptions) All() []Subscription {
	out := make([]Subscription, 0, len(s.pincodes)+len(s.districts))
	out = append(out, s.pincodes...)
	return append(out, s.districts...)
}

// Recipients returns every distinct recipient in first-seen order.
func (s *Subscriptions) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sub := range s.All() {
		for _, r := range sub.Recipients {
			if !seen[r] {
				seen[r] = true
				out = append(out, r)
			}
		}
	}
	return out
}

// RegionsOf returns the regions a recipient is subscribed to.
func (s *Subscriptions) RegionsOf(recipient string) []Region {
	var out []Region
	for _, sub := range s.All() {
		if s.seen[sub.Region][recipient] {
			out = append(out, sub.Region)
		}
	}
	return out
}

// Len returns the number of distinct regions.
func (s *Subscriptions) Len() int { return len(s.pincodes) + len(s.districts) }
