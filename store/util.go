package store

import (
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RoomId returns the private room of two participants; RoomId(a, b) == RoomId(b, a).
func RoomId(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// StartOfDay returns the local midnight that begins the day of t.
func StartOfDay(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time) time.Time {
	d := StartOfDay(t)
	// AddDate instead of 24h: days around DST switches are not 24h long.
	return d.AddDate(0, 0, 1)
}

// Prepare fills id, server timestamp and room of a message being created.
func Prepare(m *Message, now time.Time) {
	if m.Id == "" {
		m.Id = NewMessageId(now)
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
	if m.Mode == ModeJungle {
		m.RecipientId = ""
	}
	m.RoomId = m.Room()
}

// NewMessageId returns a lexicographically time ordered id.
func NewMessageId(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func sortMessages(slice []*Message) {
	sort.SliceStable(slice, func(i, j int) bool {
		ti, tj := slice[i].Time(), slice[j].Time()
		if ti != tj {
			return ti < tj
		}
		return slice[i].Id < slice[j].Id
	})
}

func tail(slice []*Message, limit int) []*Message {
	if limit > 0 && len(slice) > limit {
		return slice[len(slice)-limit:]
	}
	return slice
}

func sortUsers(slice []*User) {
	sort.Slice(slice, func(i, j int) bool {
		if c := strings.Compare(slice[i].Name, slice[j].Name); c != 0 {
			return c < 0
		}
		return slice[i].Id < slice[j].Id
	})
}

func copyMessage(m *Message) *Message {
	c := *m
	return &c
}

func copyUser(u *User) *User {
	c := *u
	return &c
}
