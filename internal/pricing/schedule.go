package pricing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a local wall-clock time expressed in seconds since midnight.
type TimeOfDay int

const secondsPerDay = 24 * 60 * 60

// NewTimeOfDay builds a TimeOfDay from hours and minutes.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60)
}

// TimeOfDayOf extracts the wall-clock time of t in its own location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return TimeOfDayOf(t), nil
		}
	}
	return 0, fmt.Errorf("pricing: invalid time of day %q", value)
}

// String renders HH:MM, or HH:MM:SS when seconds are set.
func (t TimeOfDay) String() string {
	h, rem := int(t)/3600, int(t)%3600
	m, s := rem/60, rem%60
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// MarshalJSON encodes the time as a "HH:MM" string.
func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a "HH:MM" string.
func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Schedule gates a tariff by weekday and a local time window.
// An empty Days set means every day. Start == End covers the whole day and
// Start > End wraps past midnight.
type Schedule struct {
	Days  []time.Weekday `json:"daysOfWeek"`
	Start TimeOfDay      `json:"timeStart"`
	End   TimeOfDay      `json:"timeEnd"`
}

// Covers reports whether the schedule includes the instant at.
func (s Schedule) Covers(at time.Time) bool {
	if len(s.Days) > 0 {
		day := at.Weekday()
		found := false
		for _, d := range s.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	now := TimeOfDayOf(at)
	switch {
	case s.Start == s.End:
		return true
	case s.Start < s.End:
		return s.Start <= now && now < s.End
	default:
		return now >= s.Start || now < s.End
	}
}

// AppliesToStore reports whether the scope includes storeID or the wildcard.
func (sc Scope) AppliesToStore(storeID string) bool {
	for _, id := range sc.StoreIDs {
		if strings.EqualFold(id, AllStores) || id == storeID {
			return true
		}
	}
	return false
}

// IsActive reports whether tariff applies to storeID at the given instant.
// An empty day set means every day and Start == End means the whole day.
func IsActive(tariff Tariff, storeID string, at time.Time) bool {
	if !tariff.Active {
		return false
	}
	if !tariff.Scope.AppliesToStore(storeID) {
		return false
	}
	return tariff.Schedule.Covers(at)
}
