package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/junglevibe/anon"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/store"
)

var (
	alice = &store.User{Id: "alice", Name: "Alice", Role: store.RoleUser, AvatarUrl: anon.AvatarsFemale[0]}
	bob   = &store.User{Id: "bob", Name: "Bob", Role: store.RoleUser, AvatarUrl: anon.AvatarsMale[1]}
	root  = &store.User{Id: "root", Name: "Root", Role: store.RoleAdmin}
)

type updates struct {
	sync.Mutex
	list []*Update
}

func (u *updates) push(x *Update) {
	u.Lock()
	u.list = append(u.list, x)
	u.Unlock()
}

func (u *updates) lastQuota() *quota.Status {
	u.Lock()
	defer u.Unlock()
	for i := len(u.list) - 1; i >= 0; i-- {
		if u.list[i].Quota != nil {
			return u.list[i].Quota
		}
	}
	return nil
}

func (u *updates) lastSnapshot() *Snapshot {
	u.Lock()
	defer u.Unlock()
	for i := len(u.list) - 1; i >= 0; i-- {
		if u.list[i].Snapshot != nil {
			return u.list[i].Snapshot
		}
	}
	return nil
}

func (u *updates) challenge() string {
	u.Lock()
	defer u.Unlock()
	for _, x := range u.list {
		if x.Challenge != "" {
			return x.Challenge
		}
	}
	return ""
}

func (u *updates) len() int {
	u.Lock()
	defer u.Unlock()
	return len(u.list)
}

type fixedChallenge string

func (c fixedChallenge) Generate(ctx context.Context) string {
	return string(c)
}

type brokenAccountant struct{}

func (brokenAccountant) CountToday(ctx context.Context, userId, counterpartId string) (int, error) {
	return 0, errors.New("unavailable")
}

func newDeps(t *testing.T, limit int) *Deps {
	live := store.NewLive(store.NewMemoryStore(), 100)
	for _, u := range []*store.User{alice, bob, root} {
		require.NoError(t, live.PutUser(context.Background(), u))
	}
	return &Deps{
		Live:       live,
		Accountant: quota.NewScanAccountant(live),
		Sink:       &StoreSink{Store: live},
		Challenger: fixedChallenge("Would you rather swim or fly?"),
		DailyLimit: limit,
	}
}

func TestRenderJungle(t *testing.T) {
	msgs := []*store.Message{
		{Id: "m1", SenderId: "alice", Text: "hi", Mode: store.ModeJungle, RealSenderName: "Alice", Timestamp: 1},
		{Id: "m2", SenderId: "bob", Text: "yo", Mode: store.ModeJungle, RealSenderName: "Bob", Timestamp: 2},
	}

	views := Render(msgs, alice, nil)
	require.Len(t, views, 2)
	assert.True(t, views[0].IsMe)
	assert.Equal(t, anon.SelfLabel, views[0].DisplayName)
	assert.Equal(t, anon.Derive("m1").AvatarUrl, views[0].AvatarUrl)
	assert.False(t, views[1].IsMe)
	assert.Equal(t, anon.Derive("m2").DisplayName, views[1].DisplayName)
	for _, v := range views {
		assert.Empty(t, v.SenderId)
		assert.Empty(t, v.RealSenderName)
	}

	views = Render(msgs, root, nil)
	assert.Equal(t, "alice", views[0].SenderId)
	assert.Equal(t, "Alice", views[0].RealSenderName)
	assert.Equal(t, anon.Derive("m1").DisplayName, views[0].DisplayName)
}

func TestRenderNormal(t *testing.T) {
	msgs := []*store.Message{
		{Id: "m1", SenderId: "alice", RecipientId: "bob", Text: "hi", Mode: store.ModeNormal, RealSenderName: "Alice", Timestamp: 1},
		{Id: "m2", SenderId: "bob", RecipientId: "alice", Text: "yo", Mode: store.ModeNormal, Timestamp: 2},
	}

	views := Render(msgs, alice, bob)
	assert.True(t, views[0].IsMe)
	assert.Empty(t, views[0].DisplayName)
	assert.Equal(t, unknownSenderName, views[1].DisplayName)
	assert.Equal(t, bob.AvatarUrl, views[1].AvatarUrl)

	views = Render(msgs, bob, alice)
	assert.Equal(t, "Alice", views[0].DisplayName)
	assert.Equal(t, alice.AvatarUrl, views[0].AvatarUrl)
	assert.Empty(t, views[0].RealSenderName)
}

func TestSurfaceQuota(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 3)

	var au, bu updates
	a := NewSurface(deps, alice, au.push)
	b := NewSurface(deps, bob, bu.push)
	defer a.Leave()
	defer b.Leave()

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	require.NoError(t, b.Enter(ctx, store.ModeNormal, "alice"))
	assert.Equal(t, &quota.Status{Count: 0, Limit: 3, Remaining: 3, State: quota.CanSend}, au.lastQuota())

	_, err := a.Send(ctx, "hello")
	require.NoError(t, err)
	_, err = b.Send(ctx, "hey")
	require.NoError(t, err)
	_, err = a.Send(ctx, "how are you")
	require.NoError(t, err)

	// Both directions count and both sides agree.
	assert.Equal(t, quota.Exhausted, au.lastQuota().State)
	assert.Equal(t, quota.Exhausted, bu.lastQuota().State)
	assert.Equal(t, 3, b.Status().Count)

	_, err = b.Send(ctx, "one more")
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	snap := bu.lastSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, store.RoomId("alice", "bob"), snap.RoomId)
	require.Len(t, snap.Views, 3)
	assert.Equal(t, "Alice", snap.Views[0].DisplayName)
	assert.True(t, snap.Views[1].IsMe)
}

func TestSurfaceJungleUnlimited(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 1)

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()

	require.NoError(t, a.Enter(ctx, store.ModeJungle, ""))
	for i := 0; i < 3; i++ {
		_, err := a.Send(ctx, "roar")
		require.NoError(t, err)
	}
	assert.Equal(t, quota.CanSend, a.Status().State)

	snap := au.lastSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, store.WildRoomId, snap.RoomId)
	require.Len(t, snap.Views, 3)
	assert.Equal(t, anon.SelfLabel, snap.Views[2].DisplayName)

	assert.Eventually(t, func() bool {
		return au.challenge() == "Would you rather swim or fly?"
	}, time.Second, 10*time.Millisecond)
}

func TestSurfaceValidation(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 10)

	var au updates
	a := NewSurface(deps, alice, au.push)

	_, err := a.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.ErrorIs(t, a.Refresh(ctx), ErrNoConversation)
	assert.Nil(t, a.Status())

	assert.ErrorIs(t, a.Enter(ctx, store.ModeNormal, "alice"), ErrInvalidPeer)
	assert.ErrorIs(t, a.Enter(ctx, store.ModeNormal, "nobody"), ErrInvalidPeer)
	assert.ErrorIs(t, a.Enter(ctx, store.ChatMode("GROUP"), ""), ErrInvalidMode)

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	_, err = a.Send(ctx, "  \n ")
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = a.Send(ctx, string(make([]rune, MaxTextLen+1)))
	assert.ErrorIs(t, err, ErrTextTooLong)
	a.Leave()
}

func TestSurfaceLeaveStopsUpdates(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 10)

	var au, bu updates
	a := NewSurface(deps, alice, au.push)
	b := NewSurface(deps, bob, bu.push)
	defer b.Leave()

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	require.NoError(t, b.Enter(ctx, store.ModeNormal, "alice"))
	a.Leave()
	n := au.len()

	_, err := b.Send(ctx, "anyone?")
	require.NoError(t, err)
	assert.Equal(t, n, au.len())
}

func TestSurfaceSwitchRooms(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 10)

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	_, err := a.Send(ctx, "private")
	require.NoError(t, err)

	require.NoError(t, a.Enter(ctx, store.ModeJungle, ""))
	snap := au.lastSnapshot()
	assert.Equal(t, store.WildRoomId, snap.RoomId)
	assert.Empty(t, snap.Views)
	assert.NotNil(t, snap.Views)

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	snap = au.lastSnapshot()
	require.Len(t, snap.Views, 1)
	assert.Equal(t, 1, a.Status().Count)
}

func TestSurfaceAccountantErrors(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 1)
	deps.Accountant = brokenAccountant{}

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()

	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	assert.Equal(t, 0, au.lastQuota().Count)

	_, err := a.Send(ctx, "still works")
	require.NoError(t, err)
}

// queueSink accepts messages and saves them only when flushed, as the kafka ingest does.
type queueSink struct {
	sync.Mutex
	live   *store.Live
	queued []*store.Message
	err    error
}

func (q *queueSink) Send(ctx context.Context, m *store.Message) error {
	q.Lock()
	defer q.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, m)
	return nil
}

func (q *queueSink) flush(t *testing.T) {
	q.Lock()
	queued := q.queued
	q.queued = nil
	q.Unlock()

	for _, m := range queued {
		_, err := q.live.Save(context.Background(), m)
		require.NoError(t, err)
	}
}

func TestSurfaceQuotaWithQueuedSink(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 3)
	sink := &queueSink{live: deps.Live}
	deps.Sink = sink

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()
	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))

	accepted := 0
	for i := 0; i < 6; i++ {
		_, err := a.Send(ctx, "hi")
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrQuotaExhausted)
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, &quota.Status{Count: 3, Limit: 3, Remaining: 0, State: quota.Exhausted}, au.lastQuota())

	// saved messages are not counted twice.
	sink.flush(t)
	assert.Equal(t, 3, a.Status().Count)
	assert.Equal(t, 3, au.lastQuota().Count)

	_, err := a.Send(ctx, "still no")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}

func TestSurfaceSinkErrorReleasesQuota(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t, 1)
	sink := &queueSink{live: deps.Live, err: errors.New("broker down")}
	deps.Sink = sink

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()
	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))

	_, err := a.Send(ctx, "lost")
	assert.Error(t, err)
	assert.Equal(t, 0, a.Status().Count)

	sink.err = nil
	_, err = a.Send(ctx, "delivered")
	require.NoError(t, err)
	assert.Equal(t, quota.Exhausted, a.Status().State)
}

type clock struct {
	sync.Mutex
	t time.Time
}

func (c *clock) now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.Lock()
	c.t = t
	c.Unlock()
}

func TestSurfaceMidnightReset(t *testing.T) {
	ctx := context.Background()
	lastEvening := time.Date(2024, 5, 1, 23, 59, 59, 0, time.Local)
	c := &clock{t: lastEvening.Add(800 * time.Millisecond)}

	deps := newDeps(t, 2)
	deps.Now = c.now
	deps.Accountant = &quota.ScanAccountant{Store: deps.Live, Now: c.now}
	for _, m := range []*store.Message{
		{SenderId: "alice", RecipientId: "bob", Text: "late", Mode: store.ModeNormal, Timestamp: lastEvening.UnixMilli()},
		{SenderId: "bob", RecipientId: "alice", Text: "later", Mode: store.ModeNormal, Timestamp: lastEvening.UnixMilli()},
	} {
		_, err := deps.Live.Save(ctx, m)
		require.NoError(t, err)
	}

	var au updates
	a := NewSurface(deps, alice, au.push)
	defer a.Leave()
	require.NoError(t, a.Enter(ctx, store.ModeNormal, "bob"))
	assert.Equal(t, quota.Exhausted, au.lastQuota().State)

	_, err := a.Send(ctx, "too late")
	assert.ErrorIs(t, err, ErrQuotaExhausted)

	// nothing but the midnight tracker recounts from here on.
	c.set(lastEvening.Add(1100 * time.Millisecond))
	assert.Eventually(t, func() bool {
		q := au.lastQuota()
		return q.State == quota.CanSend && q.Count == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = a.Send(ctx, "good morning")
	require.NoError(t, err)
}
