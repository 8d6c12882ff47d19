package cowin

import (
	"context"
	"fmt"
	"strings"

	"github.com/AlexYaroshenko/cowin-notifier/internal/registry"
)

// FetchMetadata walks every state and its districts and builds the lookup
// table used to resolve district names in the recipient registry.
func (c *Client) FetchMetadata(ctx context.Context) (registry.Metadata, error) {
	states, err := c.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}

	meta := make(registry.Metadata, len(states))
	for _, st := range states {
		c.logger.Info("querying districts", "state", st.StateName, "state_id", st.StateID)
		districts, err := c.Districts(ctx, st.StateID)
		if err != nil {
			return nil, fmt.Errorf("list districts of %s: %w", st.StateName, err)
		}
		info := registry.StateInfo{
			StateID:   st.StateID,
			Districts: make(map[string]int, len(districts)),
		}
		for _, d := range districts {
			info.Districts[strings.ToLower(d.DistrictName)] = d.DistrictID
		}
		meta[strings.ToLower(st.StateName)] = info
	}
	return meta, nil
}
