package crawl

import "fmt"

// cityGraph lists the forward edges a City may follow during normal work.
// Recovery and operator reset edges are applied by dedicated store
// operations and are listed separately below.
var cityGraph = map[CityStatus][]CityStatus{
	CityPending:       {CityFetchingList},
	CityFetchingList:  {CityListed, CityListingFailed},
	CityListed:        {CityScraping},
	CityScraping:      {CityCompleted, CityScraping},
	CityCompleted:     nil,
	CityListingFailed: nil,
}

// recoveryGraph holds the edges only the startup sweep may follow.
var recoveryGraph = map[CityStatus][]CityStatus{
	CityScraping:     {CityListed},
	CityFetchingList: {CityPending},
}

// ParseCityStatus validates a raw status value.
func ParseCityStatus(raw string) (CityStatus, error) {
	s := CityStatus(raw)
	if _, ok := cityGraph[s]; !ok {
		return "", fmt.Errorf("unknown city status %q", raw)
	}
	return s, nil
}

// ParsePropertyStatus validates a raw status value. Empty input yields an
// empty status, which filters nothing.
func ParsePropertyStatus(raw string) (PropertyStatus, error) {
	switch s := PropertyStatus(raw); s {
	case "", PropertyPending, PropertyScraping, PropertyScraped, PropertyFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown property status %q", raw)
	}
}

// CanTransition reports whether from -> to is a normal forward edge.
func CanTransition(from, to CityStatus) bool {
	for _, next := range cityGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanRecover reports whether from -> to is a crash-recovery edge.
func CanRecover(from, to CityStatus) bool {
	for _, next := range recoveryGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status with a forward edge into to.
func AllowedFrom(to CityStatus) []CityStatus {
	var out []CityStatus
	for _, from := range []CityStatus{
		CityPending, CityFetchingList, CityListed, CityScraping, CityCompleted, CityListingFailed,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Terminal reports whether no forward edge leaves s.
func (s CityStatus) Terminal() bool {
	return len(cityGraph[s]) == 0
}
