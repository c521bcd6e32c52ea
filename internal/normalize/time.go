package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// timeLayouts are tried in order for string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"20060102-15:04:05",
	"20060102 15:04:05",
	"2006-01-02 15:04:05",
	"20060102;150405",
	time.UnixDate,
	"2006-01-02",
	"20060102",
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds. Second
// counts stay below it until the year 5138.
const epochMillisCutoff = 100_000_000_000

// parseTime reads a timestamp from a JSON number (epoch seconds or
// milliseconds) or one of the string layouts. The result is in UTC.
func parseTime(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		return fromEpoch(v.Int()), nil
	case gjson.String:
		return parseTimeString(v.Str)
	}
	return time.Time{}, fmt.Errorf("timestamp must be a number or string, got %s", v.Type)
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if isDigits(s) && len(s) != 8 {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return fromEpoch(n), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// parseDate returns the civil date a value names, without shifting it
// through UTC: "2024-03-01" and "Fri Mar 01 00:00:00 EST 2024" both yield
// "2024-03-01".
func parseDate(v gjson.Result) (string, error) {
	if v.Type == gjson.String {
		s := strings.TrimSpace(v.Str)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
	}
	t, err := parseTime(v)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

func fromEpoch(n int64) time.Time {
	if n >= epochMillisCutoff || n <= -epochMillisCutoff {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
