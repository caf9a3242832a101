package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-01-01 is a Monday.
var monday0900 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func recurring(rt RepeatType, days DayMask) ScheduledItem {
	return NewScheduledItem([]Recipient{{JID: "a@x", Name: "Ann"}}, "hi", monday0900, rt, days, monday0900.Add(-time.Hour))
}

func TestNextScheduledTimeFixedOffsets(t *testing.T) {
	t.Parallel()
	last := time.UnixMilli(1_700_000_000_000).UTC()
	tests := []struct {
		name string
		rt   RepeatType
		want int64
	}{
		{"daily", RepeatDaily, 86_400_000},
		{"weekly", RepeatWeekly, 604_800_000},
		{"monthly", RepeatMonthly, 30 * 86_400_000},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			it := recurring(tt.rt, 0)
			it.IsSent = true
			it.LastSentTime = last
			got := NextScheduledTime(it)
			assert.Equal(t, last.UnixMilli()+tt.want, got.UnixMilli())
		})
	}
}

func TestNextScheduledTimeNeverSentUsesAnchor(t *testing.T) {
	t.Parallel()
	for _, rt := range []RepeatType{RepeatOnce, RepeatDaily, RepeatWeekly, RepeatMonthly} {
		assert.Equal(t, monday0900, NextScheduledTime(recurring(rt, 0)), rt.String())
	}
}

func TestNextScheduledTimeOnceIgnoresLastSent(t *testing.T) {
	t.Parallel()
	it := recurring(RepeatOnce, 0)
	it.LastSentTime = monday0900.Add(48 * time.Hour)
	assert.Equal(t, monday0900, NextScheduledTime(it))
}

func TestNextScheduledTimeCustomDays(t *testing.T) {
	t.Parallel()

	t.Run("wednesday after monday send", func(t *testing.T) {
		it := recurring(RepeatCustomDays, Wednesday)
		it.IsSent = true
		it.LastSentTime = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), NextScheduledTime(it))
	})

	t.Run("late send keeps anchor clock", func(t *testing.T) {
		it := recurring(RepeatCustomDays, Wednesday|Friday)
		it.LastSentTime = time.Date(2024, 1, 10, 9, 0, 42, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC), NextScheduledTime(it))
	})

	t.Run("single day wraps a full week", func(t *testing.T) {
		it := recurring(RepeatCustomDays, Monday)
		it.LastSentTime = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), NextScheduledTime(it))
	})

	t.Run("first occurrence on anchor day", func(t *testing.T) {
		it := recurring(RepeatCustomDays, Monday|Thursday)
		assert.Equal(t, monday0900, NextScheduledTime(it))
	})

	t.Run("first occurrence later in week", func(t *testing.T) {
		it := recurring(RepeatCustomDays, Wednesday)
		assert.Equal(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), NextScheduledTime(it))
	})

	t.Run("empty mask never advances", func(t *testing.T) {
		it := recurring(RepeatCustomDays, 0)
		assert.Equal(t, monday0900, NextScheduledTime(it))

		it.LastSentTime = time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2024, 1, 9, 9, 0, 0, 0, time.UTC), NextScheduledTime(it))
	})
}

func TestNextAfterSendIsLater(t *testing.T) {
	t.Parallel()
	sent := time.Date(2024, 3, 5, 22, 17, 3, 0, time.UTC)
	for _, rt := range []RepeatType{RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatCustomDays} {
		for _, mask := range []DayMask{0, Sunday, Tuesday, AllDays} {
			it := recurring(rt, mask)
			it.IsSent = true
			it.LastSentTime = sent
			assert.True(t, NextScheduledTime(it).After(sent), "%s mask=%s", rt, mask)
		}
	}
}

func TestShouldSendNowInactive(t *testing.T) {
	t.Parallel()
	for _, rt := range []RepeatType{RepeatOnce, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatCustomDays} {
		it := recurring(rt, AllDays)
		it.IsActive = false
		for _, now := range []time.Time{monday0900.Add(-time.Hour), monday0900, monday0900.AddDate(1, 0, 0)} {
			assert.False(t, ShouldSendNow(it, now))
		}
	}
}

func TestShouldSendNowOnceLifecycle(t *testing.T) {
	t.Parallel()
	it := recurring(RepeatOnce, 0)

	assert.False(t, ShouldSendNow(it, monday0900.Add(-time.Millisecond)))
	assert.True(t, ShouldSendNow(it, monday0900))

	it.IsSent = true
	it.LastSentTime = monday0900
	it = Normalize(it)
	assert.False(t, it.IsActive)
	for _, d := range []time.Duration{0, time.Hour, 365 * day} {
		assert.False(t, ShouldSendNow(it, monday0900.Add(d)))
	}
}

func TestShouldSendNowOnceSentButActive(t *testing.T) {
	t.Parallel()
	it := recurring(RepeatOnce, 0)
	it.IsSent = true
	assert.False(t, ShouldSendNow(it, monday0900.Add(time.Hour)))
}

func TestShouldSendNowCustomDaysRequiresWeekday(t *testing.T) {
	t.Parallel()
	it := recurring(RepeatCustomDays, Wednesday)
	it.LastSentTime = time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)

	// next is Wed 2024-01-10 09:00; Thursday after that is still not eligible.
	assert.False(t, ShouldSendNow(it, time.Date(2024, 1, 10, 8, 59, 0, 0, time.UTC)))
	assert.True(t, ShouldSendNow(it, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)))
	assert.False(t, ShouldSendNow(it, time.Date(2024, 1, 11, 9, 0, 0, 0, time.UTC)))
}

func TestShouldSendNowDailyOverdue(t *testing.T) {
	t.Parallel()
	it := recurring(RepeatDaily, 0)
	it.IsSent = true
	it.LastSentTime = monday0900
	assert.False(t, ShouldSendNow(it, monday0900.Add(23*time.Hour)))
	assert.True(t, ShouldSendNow(it, monday0900.Add(24*time.Hour)))
	assert.True(t, ShouldSendNow(it, monday0900.Add(72*time.Hour)))
}

func TestDayMaskIndependence(t *testing.T) {
	t.Parallel()
	for m := DayMask(0); m <= AllDays; m++ {
		for d := time.Sunday; d <= time.Saturday; d++ {
			others := AllDays &^ DayBit(d)
			require.Equal(t, m&others, m.Set(d)&others)
			require.Equal(t, m&others, m.Clear(d)&others)
			require.True(t, m.Set(d).Has(d))
			require.False(t, m.Clear(d).Has(d))
		}
	}
}

func TestDayBitMapping(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DayMask(1), DayBit(time.Sunday))
	assert.Equal(t, DayMask(2), DayBit(time.Monday))
	assert.Equal(t, DayMask(8), DayBit(time.Wednesday))
	assert.Equal(t, DayMask(64), DayBit(time.Saturday))
	assert.Equal(t, "Mon,Wed", (Monday | Wednesday).String())
	assert.Equal(t, []time.Weekday{time.Sunday, time.Saturday}, (Sunday | Saturday).Days())
}

func TestDisplayRecipients(t *testing.T) {
	t.Parallel()
	mk := func(names ...string) ScheduledItem {
		var rs []Recipient
		for i, n := range names {
			rs = append(rs, Recipient{JID: string(rune('a'+i)) + "@x", Name: n})
		}
		return ScheduledItem{Recipients: rs}
	}
	assert.Equal(t, "", DisplayRecipients(mk()))
	assert.Equal(t, "Ann", DisplayRecipients(mk("Ann")))
	assert.Equal(t, "Ann, Bo", DisplayRecipients(mk("Ann", "Bo")))
	assert.Equal(t, "Ann, Bo, Cy", DisplayRecipients(mk("Ann", "Bo", "Cy")))
	assert.Equal(t, "Ann +3", DisplayRecipients(mk("Ann", "Bo", "Cy", "Di")))
	assert.Equal(t, "b@x", DisplayRecipients(ScheduledItem{Recipients: []Recipient{{JID: "b@x"}}}))
}

func TestNormalizeClearsMask(t *testing.T) {
	t.Parallel()
	it := Normalize(ScheduledItem{RepeatType: RepeatDaily, RepeatDays: Monday, IsActive: true})
	assert.Zero(t, it.RepeatDays)
	assert.True(t, it.IsActive)
}

func TestParseRepeatType(t *testing.T) {
	t.Parallel()
	rt, err := ParseRepeatType(" Custom_Days ")
	require.NoError(t, err)
	assert.Equal(t, RepeatCustomDays, rt)
	_, err = ParseRepeatType("yearly")
	assert.Error(t, err)
}
