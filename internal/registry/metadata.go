package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrUnknownState means the registry row names a state missing from metadata.
	ErrUnknownState = errors.New("unknown state")
	// ErrUnknownDistrict means the district is not listed under the row's state.
	ErrUnknownDistrict = errors.New("unknown district")
)

// StateInfo is the metadata of a single state.
type StateInfo struct {
	StateID   int            `json:"state_id"`
	Districts map[string]int `json:"districts"`
}

// Metadata maps a lowercased state name to its id and districts.
type Metadata map[string]StateInfo

// LoadMetadata reads a metadata JSON file. Keys are normalized to lower case
// so lookups are case-insensitive.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", path, err)
	}
	return m.normalize(), nil
}

func (m Metadata) normalize() Metadata {
	out := make(Metadata, len(m))
	for state, info := range m {
		districts := make(map[string]int, len(info.Districts))
		for name, id := range info.Districts {
			districts[normalizeName(name)] = id
		}
		out[normalizeName(state)] = StateInfo{StateID: info.StateID, Districts: districts}
	}
	return out
}

// DistrictID resolves a district name within a state.
func (m Metadata) DistrictID(state, district string) (int, error) {
	info, ok := m[normalizeName(state)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownState, state)
	}
	id, ok := info.Districts[normalizeName(district)]
	if !ok {
		return 0, fmt.Errorf("%w: %q in %q", ErrUnknownDistrict, district, state)
	}
	return id, nil
}

// DistrictCount returns the number of districts across all states.
func (m Metadata) DistrictCount() int {
	n := 0
	for _, info := range m {
		n += len(info.Districts)
	}
	return n
}

// WriteFile stores the metadata as indented JSON.
func (m Metadata) WriteFile(path string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
