package geo

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Parsed is the lookup-free result of reading a label sequence.
type Parsed struct {
	Skip         bool
	BlockedBy    string
	Address      string
	DistrictName string
	StationName  string
	WalkMinutes  *int
}

// The labels are read positionally: everything before the first district label
// is the locality prefix, everything after it is the address.
type parseState int

const (
	stateBeforeDistrict parseState = iota
	stateInAddress
)

// Parse classifies labels without touching reference data.
func Parse(labels []string, rules Rules) (Parsed, error) {
	m, err := compile(rules)
	if err != nil {
		return Parsed{}, err
	}
	return m.parse(labels), nil
}

func (m *matcher) parse(labels []string) Parsed {
	var p Parsed

	if term, ok := m.blocked(labels); ok {
		p.Skip = true
		p.BlockedBy = term
		return p
	}

	var locality, address []string
	metroSeen := false
	state := stateBeforeDistrict

	for _, raw := range labels {
		label := strings.Join(strings.Fields(raw), " ")
		if label == "" {
			continue
		}

		if station, minutes, ok := m.metro(label); ok {
			if !metroSeen {
				p.StationName = station
				p.WalkMinutes = minutes
				metroSeen = true
			}
			continue
		}

		switch state {
		case stateBeforeDistrict:
			if name, ok := m.district(label); ok {
				p.DistrictName = name
				state = stateInAddress
				continue
			}
			locality = append(locality, label)
		case stateInAddress:
			address = append(address, label)
		}
	}

	// With no district every non-metro label is address. A district with
	// nothing after it keeps the locality prefix as the address.
	if state == stateBeforeDistrict || len(address) == 0 {
		address = locality
	}
	p.Address = strings.Join(address, ", ")
	return p
}

func (m *matcher) metro(label string) (string, *int, bool) {
	runes := []rune(label)
	start, end, ok := findAny(runes, m.stopWords)
	if !ok {
		return "", nil, false
	}

	rest := string(runes[end:])
	var minutes *int
	if loc := m.minutes.FindStringSubmatchIndex(rest); loc != nil {
		if n, err := strconv.Atoi(rest[loc[2]:loc[3]]); err == nil {
			minutes = &n
		}
		rest = rest[:loc[0]]
	}

	station := trimLabel(rest)
	if station == "" {
		station = trimLabel(string(runes[:start]))
	}
	return station, minutes, true
}

func (m *matcher) district(label string) (string, bool) {
	runes := []rune(label)
	start, end, ok := findAny(runes, m.markers)
	if !ok {
		return "", false
	}
	name := trimLabel(string(runes[:start]) + " " + string(runes[end:]))
	if name == "" {
		return "", false
	}
	return name, true
}

// fold builds a fresh Caser per call: Casers keep state and are not safe for concurrent use.
func fold(s string) string {
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}
