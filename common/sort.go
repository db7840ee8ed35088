package common

import "strings"

// SortMode selects which listing of the subreddit is fetched.
type SortMode string

const (
	SortHot      SortMode = "hot"
	SortNew      SortMode = "new"
	SortRising   SortMode = "rising"
	SortTopAll   SortMode = "top_all"
	SortTopHour  SortMode = "top_hour"
	SortTopDay   SortMode = "top_day"
	SortTopWeek  SortMode = "top_week"
	SortTopMonth SortMode = "top_month"
	SortTopYear  SortMode = "top_year"
	SortRandom   SortMode = "random"
)

var sortModes = map[SortMode]struct{}{
	SortHot: {}, SortNew: {}, SortRising: {},
	SortTopAll: {}, SortTopHour: {}, SortTopDay: {}, SortTopWeek: {}, SortTopMonth: {}, SortTopYear: {},
	SortRandom: {},
}

// ParseSortMode parses a configured sort name. Unknown names are a
// configuration error.
func ParseSortMode(s string) (SortMode, error) {
	mode := SortMode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := sortModes[mode]; !ok {
		return "", &ConfigError{Field: "reddit.sort", Reason: "unknown sort mode " + s}
	}
	return mode, nil
}

// TimeFilter returns the listing name and the "t" period for top_* modes.
func (m SortMode) TimeFilter() (listing string, period string) {
	if strings.HasPrefix(string(m), "top_") {
		return "top", strings.TrimPrefix(string(m), "top_")
	}
	return string(m), ""
}
