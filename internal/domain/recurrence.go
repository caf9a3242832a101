package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day // fixed offset, not calendar months
)

// ShouldSendNow reports whether the item is due at now.
func ShouldSendNow(it ScheduledItem, now time.Time) bool {
	if !it.IsActive {
		return false
	}
	if it.RepeatType == RepeatOnce && it.IsSent {
		return false
	}
	if it.RepeatType == RepeatCustomDays && !it.RepeatDays.Has(now.In(anchorLoc(it)).Weekday()) {
		return false
	}
	return !now.Before(NextScheduledTime(it))
}

// NextScheduledTime returns the next fire time. Recurring items advance from
// LastSentTime; an item that never fired uses its anchor.
func NextScheduledTime(it ScheduledItem) time.Time {
	if it.RepeatType == RepeatOnce {
		return it.ScheduledTime
	}
	if it.LastSentTime.IsZero() {
		if it.RepeatType == RepeatCustomDays {
			return firstCustomDay(it)
		}
		return it.ScheduledTime
	}

	base := it.LastSentTime
	switch it.RepeatType {
	case RepeatDaily:
		return base.Add(day)
	case RepeatWeekly:
		return base.Add(week)
	case RepeatMonthly:
		return base.Add(month)
	case RepeatCustomDays:
		return nextCustomDay(it, base)
	}
	return it.ScheduledTime
}

func firstCustomDay(it ScheduledItem) time.Time {
	anchor := it.ScheduledTime
	mask := it.RepeatDays & AllDays
	if mask == 0 {
		return anchor
	}
	if mask.Has(anchor.Weekday()) {
		return anchor
	}
	for i := 1; i < 7; i++ {
		t := atAnchorClock(anchor.AddDate(0, 0, i), anchor)
		if mask.Has(t.Weekday()) {
			return t
		}
	}
	return anchor
}

// nextCustomDay scans at most seven days starting the calendar day after base.
// With no eligible day it returns the scan start.
func nextCustomDay(it ScheduledItem, base time.Time) time.Time {
	anchor := it.ScheduledTime
	start := atAnchorClock(base.In(anchor.Location()).AddDate(0, 0, 1), anchor)
	mask := it.RepeatDays & AllDays
	if mask == 0 {
		return start
	}
	for i := 0; i < 7; i++ {
		t := atAnchorClock(start.AddDate(0, 0, i), anchor)
		if mask.Has(t.Weekday()) {
			return t
		}
	}
	return start
}

// atAnchorClock puts day's date at the anchor's hour:minute in the anchor's location.
func atAnchorClock(day, anchor time.Time) time.Time {
	loc := anchor.Location()
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), anchor.Hour(), anchor.Minute(), 0, 0, loc)
}

func anchorLoc(it ScheduledItem) *time.Location {
	if loc := it.ScheduledTime.Location(); loc != nil {
		return loc
	}
	return time.Local
}

// DisplayRecipients renders the recipient list for compact listings.
func DisplayRecipients(it ScheduledItem) string {
	names := make([]string, 0, len(it.Recipients))
	for _, r := range it.Recipients {
		n := r.Name
		if n == "" {
			n = r.JID
		}
		names = append(names, n)
	}
	switch {
	case len(names) == 0:
		return ""
	case len(names) <= 3:
		return strings.Join(names, ", ")
	default:
		return names[0] + " +" + strconv.Itoa(len(names)-1)
	}
}
