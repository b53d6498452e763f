package crawl

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// CityRef is a parsed portal URL.
type CityRef struct {
	URL            string
	Label          string
	MunicipalityID string
}

// ParseCityURL splits a portal URL such as
// https://portail.geocentralis.com/public/sig-web/mrc-abitibi/88022 into its
// MRC label and municipality id.
func ParseCityURL(raw string) (CityRef, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return CityRef{}, fmt.Errorf("parse city url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return CityRef{}, fmt.Errorf("city url %q: missing scheme or host", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return CityRef{}, fmt.Errorf("city url %q: expected .../<mrc>/<municipality>", raw)
	}
	return CityRef{
		URL:            strings.TrimRight(raw, "/"),
		Label:          parts[len(parts)-2],
		MunicipalityID: parts[len(parts)-1],
	}, nil
}

// ReadCityLines returns the non-empty, non-comment lines of r.
func ReadCityLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read city list: %w", err)
	}
	return lines, nil
}
