// Package quota counts private messages per local calendar day and gates sending.
package quota

import (
	"context"
	"time"

	"github.com/mqy/junglevibe/store"
)

// DefaultDailyLimit is the number of private messages a room may carry per local day.
const DefaultDailyLimit = 10

type State string

const (
	CanSend   State = "CAN_SEND"
	Exhausted State = "EXHAUSTED"
)

// Status is the gate as reported to clients.
type Status struct {
	Count     int   `json:"count"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	State     State `json:"state"`
}

// Window returns the local day [start, end) containing now.
func Window(now time.Time) (time.Time, time.Time) {
	return store.StartOfDay(now), store.NextMidnight(now)
}

// CountToday counts messages of the private room of the two users within the current local day.
func CountToday(userId, counterpartId string, msgs []*store.Message) int {
	return CountTodayAt(userId, counterpartId, msgs, time.Now())
}

// CountTodayAt is CountToday with an explicit clock. JUNGLE messages never count.
func CountTodayAt(userId, counterpartId string, msgs []*store.Message, now time.Time) int {
	roomId := store.RoomId(userId, counterpartId)
	start, end := Window(now)
	from, to := start.UnixMilli(), end.UnixMilli()

	n := 0
	for _, m := range msgs {
		if m.Mode != store.ModeNormal || m.Room() != roomId {
			continue
		}
		if ts := m.Time(); ts >= from && ts < to {
			n++
		}
	}
	return n
}

// GateState reports whether one more message may be sent.
func GateState(mode store.ChatMode, count, limit int) State {
	if mode == store.ModeJungle || count < limit {
		return CanSend
	}
	return Exhausted
}

func NewStatus(mode store.ChatMode, count, limit int) *Status {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		State:     GateState(mode, count, limit),
	}
}

// Accountant returns today's count of the private room of two users.
type Accountant interface {
	CountToday(ctx context.Context, userId, counterpartId string) (int, error)
}

// ScanAccountant re-reads the whole room and counts on every call.
type ScanAccountant struct {
	Store store.IMessageStore
	Now   func() time.Time
}

func NewScanAccountant(s store.IMessageStore) *ScanAccountant {
	return &ScanAccountant{Store: s, Now: time.Now}
}

func (a *ScanAccountant) CountToday(ctx context.Context, userId, counterpartId string) (int, error) {
	msgs, err := a.Store.Query(ctx, store.RoomId(userId, counterpartId), 0)
	if err != nil {
		return 0, err
	}
	return CountTodayAt(userId, counterpartId, msgs, a.Now()), nil
}
