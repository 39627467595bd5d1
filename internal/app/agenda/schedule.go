package agenda

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// SendWindowMinutes is the tolerance after a user's preferred send time
// during which an hourly run still counts as on time.
const SendWindowMinutes = 60

const minutesPerDay = 24 * 60

var ErrInvalidClock = errors.New("expected HH:MM")

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, ErrInvalidClock
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, ErrInvalidClock
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, ErrInvalidClock
	}
	return h*60 + m, nil
}

// FormatMinutes returns HH:MM for minutes since midnight.
func FormatMinutes(mins int) string {
	if mins < 0 {
		mins = 0
	}
	mins %= minutesPerDay
	h := mins / 60
	m := mins % 60
	return twoDigits(h) + ":" + twoDigits(m)
}

func twoDigits(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// InSendWindow reports whether localM (minutes since midnight) falls in
// [preferredM, preferredM+SendWindowMinutes), wrapping past midnight
// when the window crosses it.
func InSendWindow(localM, preferredM int) bool {
	end := preferredM + SendWindowMinutes
	if end <= minutesPerDay {
		return localM >= preferredM && localM < end
	}
	// wrap: [preferred..1440) U [0..end-1440)
	return localM >= preferredM || localM < end-minutesPerDay
}

// ResolveZone picks the effective timezone: profile zone first, then
// the notification-settings zone, then the default. Unknown zone names
// fall through to the next candidate rather than failing the run.
func ResolveZone(profileTZ, settingsTZ string, fallback *time.Location) *time.Location {
	for _, name := range []string{profileTZ, settingsTZ} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if fallback != nil {
		return fallback
	}
	return time.UTC
}

// MinutesOfDay returns t's minutes since midnight in t's location.
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
