package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Channel selects which registry column identifies a recipient.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Registry columns, in order.
const (
	colName = iota
	colPhone
	colEmail
	colState
	colSelectors
	numColumns
)

// Skip reasons recorded in the validation report.
const (
	ReasonColumns         = "wrong column count"
	ReasonNoRecipient     = "missing recipient"
	ReasonNoSelectors     = "no region selectors"
	ReasonUnknownState    = "unknown state"
	ReasonUnknownDistrict = "unknown district"
	ReasonBadSelector     = "invalid selector"
	ReasonMalformed       = "malformed row"
)

// LoadRecipients opens and parses the registry CSV.
func LoadRecipients(path string, meta Metadata, channel Channel) (*Subscriptions, *Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open registry: %w", err)
	}
	defer f.Close()
	return ParseRecipients(f, meta, channel)
}

// ParseRecipients reads the registry: a header row followed by name, phone,
// email, state and a semicolon separated list of selectors. Bad rows and
// unresolvable selectors are recorded in the report and skipped; only an
// unreadable input is an error.
func ParseRecipients(r io.Reader, meta Metadata, channel Channel) (*Subscriptions, *Report, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	subs := NewSubscriptions()
	report := &Report{}

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return subs, report, nil
		}
		return nil, nil, fmt.Errorf("read registry header: %w", err)
	}

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				report.Rows++
				report.skip(perr.StartLine, "", ReasonMalformed)
				continue
			}
			return nil, nil, fmt.Errorf("read registry: %w", err)
		}
		line, _ := cr.FieldPos(0)
		report.Rows++
		parseRow(record, line, meta, channel, subs, report)
	}
	return subs, report, nil
}

func parseRow(record []string, line int, meta Metadata, channel Channel, subs *Subscriptions, report *Report) {
	if len(record) != numColumns {
		report.skip(line, "", ReasonColumns)
		return
	}

	recipient := strings.ToLower(strings.TrimSpace(record[colPhone]))
	if channel == ChannelEmail {
		recipient = strings.ToLower(strings.TrimSpace(record[colEmail]))
	}
	if recipient == "" {
		report.skip(line, "", ReasonNoRecipient)
		return
	}

	state := record[colState]
	var selectors []string
	for _, sel := range strings.Split(record[colSelectors], ";") {
		if sel = normalizeName(sel); sel != "" {
			selectors = append(selectors, sel)
		}
	}
	if len(selectors) == 0 {
		report.skip(line, "", ReasonNoSelectors)
		return
	}

	added := 0
	for _, sel := range selectors {
		region, err := ClassifySelector(meta, state, sel)
		if err != nil {
			report.skip(line, sel, skipReason(err))
			continue
		}
		subs.Add(region, recipient)
		added++
	}
	if added > 0 {
		report.Accepted++
	}
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownState):
		return ReasonUnknownState
	case errors.Is(err, ErrUnknownDistrict):
		return ReasonUnknownDistrict
	default:
		return ReasonBadSelector
	}
}
