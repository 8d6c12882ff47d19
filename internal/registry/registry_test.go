package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() Metadata {
	return Metadata{
		"karnataka": {StateID: 16, Districts: map[string]int{"bangalore": 265, "mysore": 266}},
		"kerala":    {StateID: 17, Districts: map[string]int{"ernakulam": 307}},
	}
}

func TestClassifySelector(t *testing.T) {
	meta := testMetadata()

	tests := []struct {
		name     string
		state    string
		selector string
		want     Region
		wantErr  error
	}{
		{"pincode", "karnataka", "560001", Pincode("560001"), nil},
		{"pincode ignores state", "nowhere", " 560001 ", Pincode("560001"), nil},
		{"district", "karnataka", "bangalore", District(265), nil},
		{"district case-insensitive", "Karnataka", "BANGALORE", District(265), nil},
		{"unknown district", "karnataka", "atlantis", Region{}, ErrUnknownDistrict},
		{"unknown state", "narnia", "bangalore", Region{}, ErrUnknownState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifySelector(meta, tt.state, tt.selector)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegionString(t *testing.T) {
	assert.Equal(t, "pincode:560001", Pincode("560001").String())
	assert.Equal(t, "district:265", District(265).String())
}

func TestParseRecipients(t *testing.T) {
	input := strings.Join([]string{
		"name,phone,email,state,district_or_pin",
		"Asha,9000000001,asha@example.com,Karnataka,560001; Bangalore",
		"Ravi,9000000002,ravi@example.com,karnataka,bangalore;atlantis",
		"Meena,9000000003,meena@example.com,Narnia,mysore",
		"Short,9000000004,short@example.com",
		"NoPhone,,nophone@example.com,kerala,ernakulam",
		"Dup,9000000001,asha@example.com,karnataka,560001",
		"Empty,9000000005,empty@example.com,kerala, ; ",
	}, "\n")

	subs, report, err := ParseRecipients(strings.NewReader(input), testMetadata(), ChannelSMS)
	require.NoError(t, err)

	require.Len(t, subs.Pincodes(), 1)
	assert.Equal(t, Pincode("560001"), subs.Pincodes()[0].Region)
	assert.Equal(t, []string{"9000000001"}, subs.Pincodes()[0].Recipients, "duplicate subscriptions collapse")

	require.Len(t, subs.Districts(), 1)
	assert.Equal(t, District(265), subs.Districts()[0].Region)
	assert.Equal(t, []string{"9000000001", "9000000002"}, subs.Districts()[0].Recipients)

	assert.Equal(t, 7, report.Rows)
	assert.Equal(t, 3, report.Accepted)
	counts := report.ReasonCounts()
	assert.Equal(t, 1, counts[ReasonUnknownDistrict])
	assert.Equal(t, 1, counts[ReasonUnknownState])
	assert.Equal(t, 1, counts[ReasonColumns])
	assert.Equal(t, 1, counts[ReasonNoRecipient])
	assert.Equal(t, 1, counts[ReasonNoSelectors])
	assert.Contains(t, report.Summary(), "rows=7 accepted=3 skipped=5")
}

func TestParseRecipientsEmailChannel(t *testing.T) {
	input := "name,phone,email,state,district_or_pin\nAsha,9000000001, Asha@Example.com ,karnataka,560001\n"

	subs, report, err := ParseRecipients(strings.NewReader(input), testMetadata(), ChannelEmail)
	require.NoError(t, err)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, []string{"asha@example.com"}, subs.Recipients())
}

func TestParseRecipientsEmptyInput(t *testing.T) {
	subs, report, err := ParseRecipients(strings.NewReader(""), testMetadata(), ChannelSMS)
	require.NoError(t, err)
	assert.Zero(t, subs.Len())
	assert.Zero(t, report.Rows)
}

func TestSubscriptionsOrderAndLookup(t *testing.T) {
	subs := NewSubscriptions()
	subs.Add(District(265), "b")
	subs.Add(Pincode("560001"), "a")
	subs.Add(District(265), "a")
	subs.Add(Pincode("560002"), "c")

	all := subs.All()
	require.Len(t, all, 3)
	assert.Equal(t, Pincode("560001"), all[0].Region, "pincodes come first")
	assert.Equal(t, Pincode("560002"), all[1].Region)
	assert.Equal(t, District(265), all[2].Region)
	assert.Equal(t, []string{"a", "c", "b"}, subs.Recipients())
	assert.Equal(t, []Region{Pincode("560001"), District(265)}, subs.RegionsOf("a"))
}

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	meta := Metadata{"Karnataka": {StateID: 16, Districts: map[string]int{"Bangalore": 265}}}
	require.NoError(t, meta.WriteFile(path))

	loaded, err := LoadMetadata(path)
	require.NoError(t, err)
	id, err := loaded.DistrictID("KARNATAKA", "bangalore")
	require.NoError(t, err)
	assert.Equal(t, 265, id)
	assert.Equal(t, 1, loaded.DistrictCount())
}

func TestLoadMetadataErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadMetadata(filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadMetadata(bad)
	require.Error(t, err)
}
