package domain

import (
	"strings"
	"time"
)

// DayMask is a 7-bit weekday set: Sunday=1, Monday=2, ... Saturday=64.
type DayMask uint8

const (
	Sunday DayMask = 1 << iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday

	AllDays  = Sunday | Monday | Tuesday | Wednesday | Thursday | Friday | Saturday
	Weekdays = Monday | Tuesday | Wednesday | Thursday | Friday
)

// DayBit maps a weekday to its mask bit.
func DayBit(d time.Weekday) DayMask { return DayMask(1) << uint(d) }

func (m DayMask) Has(d time.Weekday) bool { return m&DayBit(d) != 0 }

func (m DayMask) Set(d time.Weekday) DayMask { return m | DayBit(d) }

func (m DayMask) Clear(d time.Weekday) DayMask { return m &^ DayBit(d) }

// With sets or clears a single day.
func (m DayMask) With(d time.Weekday, on bool) DayMask {
	if on {
		return m.Set(d)
	}
	return m.Clear(d)
}

func (m DayMask) Valid() bool { return m&^AllDays == 0 }

func (m DayMask) Days() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (m DayMask) String() string {
	switch m {
	case 0:
		return "none"
	case AllDays:
		return "every day"
	case Weekdays:
		return "weekdays"
	}
	names := make([]string, 0, 7)
	for _, d := range m.Days() {
		names = append(names, d.String()[:3])
	}
	return strings.Join(names, ",")
}
