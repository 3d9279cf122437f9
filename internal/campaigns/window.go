package campaigns

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"
)

// LocalTime is a wall-clock time of day with minute precision.
type LocalTime struct {
	Hour   int
	Minute int
}

// ParseLocalTime parses "HH:MM" (24h). A trailing ":SS" is accepted and
// ignored so Postgres TIME text round-trips.
func ParseLocalTime(s string) (LocalTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return LocalTime{}, fmt.Errorf("invalid local time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return LocalTime{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return LocalTime{}, fmt.Errorf("invalid minute in %q", s)
	}
	return LocalTime{Hour: h, Minute: m}, nil
}

func (t LocalTime) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t LocalTime) minutes() int { return t.Hour*60 + t.Minute }

// CallWindow is the daily window in which a campaign may place calls.
// Both ends are inclusive, evaluated in Timezone (IANA name, UTC if empty).
type CallWindow struct {
	Start    LocalTime `json:"start"`
	End      LocalTime `json:"end"`
	Timezone string    `json:"timezone,omitempty"`
}

// Contains reports whether now falls inside the window in the campaign's
// time zone. An unknown zone fails closed.
func (w CallWindow) Contains(now time.Time) bool {
	loc, err := loadLocation(w.Timezone)
	if err != nil {
		return false
	}
	local := now.In(loc)
	m := local.Hour()*60 + local.Minute()
	return m >= w.Start.minutes() && m <= w.End.minutes()
}

var locations sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	locations.Store(name, loc)
	return loc, nil
}
