package domain

import (
	"fmt"
	"strings"
)

// ValidationError is returned for items that must not be persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks the persist-time invariants. The store trusts its callers and
// does not call this itself.
func Validate(it ScheduledItem) error {
	if len(it.Recipients) == 0 {
		return &ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	for i, r := range it.Recipients {
		if strings.TrimSpace(r.JID) == "" {
			return &ValidationError{Field: "recipients", Reason: fmt.Sprintf("recipient %d has no jid", i)}
		}
	}
	if strings.TrimSpace(it.Message) == "" && !it.HasMedia() {
		return &ValidationError{Field: "message", Reason: "message or media is required"}
	}
	if !it.RepeatType.Valid() {
		return &ValidationError{Field: "repeat_type", Reason: it.RepeatType.String()}
	}
	if !it.RepeatDays.Valid() {
		return &ValidationError{Field: "repeat_days", Reason: "mask must be within 0..127"}
	}
	if it.RepeatType != RepeatCustomDays && it.RepeatDays != 0 {
		return &ValidationError{Field: "repeat_days", Reason: "only allowed for custom_days"}
	}
	if it.ScheduledTime.IsZero() {
		return &ValidationError{Field: "scheduled_time", Reason: "required"}
	}
	if it.ChannelVariant != ChannelNormal && it.ChannelVariant != ChannelBusiness {
		return &ValidationError{Field: "channel_variant", Reason: "must be 0 or 1"}
	}
	return nil
}
