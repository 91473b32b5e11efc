package sync

import (
	"time"

	"github.com/osagaming/avito-crm/internal/store"
)

// LatestUnanswered returns the timestamp of the newest inbound message that
// is newer than every outbound one. ok is false when the conversation has no
// unanswered inbound message.
func LatestUnanswered(msgs []store.Message) (time.Time, bool) {
	var lastIn, lastOut time.Time
	for _, m := range msgs {
		switch m.Direction {
		case store.DirectionIn:
			if m.Timestamp.After(lastIn) {
				lastIn = m.Timestamp
			}
		case store.DirectionOut:
			if m.Timestamp.After(lastOut) {
				lastOut = m.Timestamp
			}
		}
	}
	if lastIn.IsZero() || !lastIn.After(lastOut) {
		return time.Time{}, false
	}
	return lastIn, true
}

// TimerMinutes computes the response timer: whole minutes the newest
// unanswered inbound message has been waiting, zero when nothing waits.
func TimerMinutes(msgs []store.Message, now time.Time) int {
	at, ok := LatestUnanswered(msgs)
	if !ok {
		return 0
	}
	mins := int(now.Sub(at) / time.Minute)
	if mins < 0 {
		return 0
	}
	return mins
}

// Derived recomputes the chat fields that follow from the stored message
// set: the preview (text of the newest message), the unread count (inbound
// messages newer than the last outbound one) and the last-activity time.
func Derived(msgs []store.Message) (preview string, unread int, lastAt time.Time) {
	var lastOut time.Time
	for _, m := range msgs {
		if m.Direction == store.DirectionOut && m.Timestamp.After(lastOut) {
			lastOut = m.Timestamp
		}
	}
	var newest store.Message
	for _, m := range msgs {
		if !m.Timestamp.Before(newest.Timestamp) {
			newest = m
		}
		if m.Direction == store.DirectionIn && m.Timestamp.After(lastOut) {
			unread++
		}
	}
	return newest.Text, unread, newest.Timestamp
}
