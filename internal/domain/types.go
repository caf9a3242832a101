package domain

import (
	"fmt"
	"strings"
	"time"
)

type RepeatType int

const (
	RepeatOnce RepeatType = iota
	RepeatDaily
	RepeatWeekly
	RepeatMonthly
	RepeatCustomDays
)

var repeatNames = [...]string{"once", "daily", "weekly", "monthly", "custom_days"}

func (r RepeatType) Valid() bool { return r >= RepeatOnce && r <= RepeatCustomDays }

func (r RepeatType) String() string {
	if !r.Valid() {
		return fmt.Sprintf("repeat(%d)", int(r))
	}
	return repeatNames[r]
}

// ParseRepeatType accepts the lower-case names used by the API ("daily", "custom_days", ...).
func ParseRepeatType(s string) (RepeatType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range repeatNames {
		if s == n {
			return RepeatType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown repeat type %q", s)
}

// ChannelVariant selects which host application identity sends the message.
type ChannelVariant int

const (
	ChannelNormal ChannelVariant = iota
	ChannelBusiness
)

type Recipient struct {
	JID  string `json:"jid"`
	Name string `json:"name"`
}

// ScheduledItem is one queued message. ID 0 means not yet persisted and a zero
// LastSentTime means it never fired.
type ScheduledItem struct {
	ID             int64
	Recipients     []Recipient
	Message        string
	MediaPath      string
	ScheduledTime  time.Time
	RepeatType     RepeatType
	RepeatDays     DayMask
	IsActive       bool
	IsSent         bool
	LastSentTime   time.Time
	CreatedTime    time.Time
	ChannelVariant ChannelVariant
}

func (it ScheduledItem) HasMedia() bool { return it.MediaPath != "" }

// NewScheduledItem returns an active, never-sent item created at now.
func NewScheduledItem(recipients []Recipient, message string, at time.Time, repeat RepeatType, days DayMask, now time.Time) ScheduledItem {
	it := ScheduledItem{
		Recipients:    recipients,
		Message:       message,
		ScheduledTime: at,
		RepeatType:    repeat,
		RepeatDays:    days,
		IsActive:      true,
		CreatedTime:   now,
	}
	return Normalize(it)
}

// Normalize clears a day mask that does not apply and retires a sent one-shot item.
func Normalize(it ScheduledItem) ScheduledItem {
	if it.RepeatType != RepeatCustomDays {
		it.RepeatDays = 0
	}
	if it.RepeatType == RepeatOnce && it.IsSent {
		it.IsActive = false
	}
	return it
}
