package digest

import (
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // IANA database independent of the host image
)

const (
	minutesPerDay           = 24 * 60
	DefaultToleranceMinutes = 15
	MinToleranceMinutes     = 1
	MaxToleranceMinutes     = 60
)

var locations sync.Map // name -> *time.Location

// ResolveLocation loads an IANA zone, caching the result. Empty means UTC.
func ResolveLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locations.Store(name, loc)
	return loc, nil
}

// locationOrUTC never fails; unknown zones fall back to UTC.
func locationOrUTC(name string) *time.Location {
	loc, err := ResolveLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDue reports whether now, seen on the wall clock of timezone, lies within
// toleranceMinutes of hour:minute. Distance wraps around midnight.
func IsDue(hour, minute int, timezone string, now time.Time, toleranceMinutes int) bool {
	local := now.In(locationOrUTC(timezone))
	preferred := hour*60 + minute
	current := local.Hour()*60 + local.Minute()
	return minuteDistance(preferred, current) <= toleranceMinutes
}

func minuteDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	d %= minutesPerDay
	if alt := minutesPerDay - d; alt < d {
		return alt
	}
	return d
}

// SlotDate is the local date of the hour:minute occurrence nearest to now.
// A window straddling midnight resolves to one date on both sides, so it
// keys the daily delivery mark.
func SlotDate(hour, minute int, timezone string, now time.Time) string {
	local := now.In(locationOrUTC(timezone))
	offset := slotOffset(hour*60+minute, local.Hour()*60+local.Minute())
	return local.Add(time.Duration(offset) * time.Minute).Format(time.DateOnly)
}

// slotOffset is the signed minutes from current to the nearest preferred,
// in (-720, 720].
func slotOffset(preferred, current int) int {
	d := ((preferred-current)%minutesPerDay + minutesPerDay) % minutesPerDay
	if d > minutesPerDay/2 {
		d -= minutesPerDay
	}
	return d
}

// ClampTolerance applies the default and bounds a requested tolerance.
func ClampTolerance(minutes int) int {
	switch {
	case minutes == 0:
		return DefaultToleranceMinutes
	case minutes < MinToleranceMinutes:
		return MinToleranceMinutes
	case minutes > MaxToleranceMinutes:
		return MaxToleranceMinutes
	default:
		return minutes
	}
}
