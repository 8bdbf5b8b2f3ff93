// Package chat drives one user's chat screen: the conversation being watched, the rendered
// message list, the daily quota gate of private rooms and the wild room challenge.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"

	"github.com/mqy/junglevibe/challenge"
	"github.com/mqy/junglevibe/metrics"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/store"
)

const (
	MaxTextLen = 1000

	challengeTimeout = 15 * time.Second
)

var (
	ErrNoConversation = errors.New("no conversation: enter one first")
	ErrInvalidMode    = errors.New("mode: should be NORMAL or JUNGLE")
	ErrInvalidPeer    = errors.New("peer: should be another registered user")
	ErrEmptyText      = errors.New("text: should not be empty")
	ErrTextTooLong    = errors.New("text: exceeds 1000 characters")
	ErrQuotaExhausted = errors.New("daily message quota exhausted")
)

// Sink accepts a new message for storage.
type Sink interface {
	Send(ctx context.Context, m *store.Message) error
}

// StoreSink saves directly into the (live) store.
type StoreSink struct {
	Store store.IMessageStore
}

func (s *StoreSink) Send(ctx context.Context, m *store.Message) error {
	_, err := s.Store.Save(ctx, m)
	return err
}

// Deps are shared by all surfaces.
type Deps struct {
	Live       *store.Live
	Accountant quota.Accountant
	Sink       Sink
	Challenger challenge.Generator // optional
	DailyLimit int
	Now        func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

type Snapshot struct {
	Mode   store.ChatMode `json:"mode"`
	RoomId string         `json:"roomId"`
	Peer   *store.User    `json:"peer,omitempty"`
	Views  []*View        `json:"views"`
}

// Update is pushed to the viewer; exactly one field is set.
type Update struct {
	Snapshot  *Snapshot     `json:"snapshot,omitempty"`
	Quota     *quota.Status `json:"quota,omitempty"`
	Challenge string        `json:"challenge,omitempty"`
}

// Surface is the chat screen of one session. Every Enter starts a new generation; callbacks
// of earlier generations are dropped.
//
// The quota count of a private room is the highest recount of the day plus the messages this
// session sent that have not shown up in a room snapshot yet, since sinks may save
// asynchronously. Only the midnight reset lowers it.
type Surface struct {
	sync.Mutex

	deps    *Deps
	viewer  *store.User
	push    func(*Update)
	tracker *quota.Tracker

	gen         uint64
	mode        store.ChatMode
	peer        *store.User
	roomId      string
	saved       int
	pending     map[string]struct{}
	newest      *store.Message
	unsubscribe func()
}

func NewSurface(deps *Deps, viewer *store.User, push func(*Update)) *Surface {
	return &Surface{
		deps:    deps,
		viewer:  viewer,
		push:    push,
		tracker: quota.NewTracker(deps.Now),
	}
}

func (s *Surface) Viewer() *store.User {
	return s.viewer
}

// Enter leaves the current conversation and starts watching another one.
func (s *Surface) Enter(ctx context.Context, mode store.ChatMode, peerId string) error {
	var peer *store.User
	var roomId string

	switch mode {
	case store.ModeNormal:
		if peerId == "" || peerId == s.viewer.Id {
			return ErrInvalidPeer
		}
		p, err := s.deps.Live.GetUser(ctx, peerId)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidPeer
		} else if err != nil {
			return err
		}
		peer, roomId = p, store.RoomId(s.viewer.Id, peerId)
	case store.ModeJungle:
		roomId = store.WildRoomId
	default:
		return ErrInvalidMode
	}

	s.Lock()
	s.leaveLocked()
	s.gen++
	gen := s.gen
	s.mode, s.peer, s.roomId, s.saved, s.pending, s.newest = mode, peer, roomId, 0, nil, nil
	s.Unlock()

	glog.V(5).Infof("surface: %s enters %s room %s", s.viewer.Id, mode, roomId)

	if mode == store.ModeNormal {
		s.refreshQuota(ctx, gen)
		s.tracker.Schedule(func() {
			glog.V(5).Infof("surface: midnight quota reset, viewer: %s, room: %s", s.viewer.Id, roomId)
			s.resetQuota(gen)
		})
	}

	unsubscribe := s.deps.Live.Subscribe(roomId, func(msgs []*store.Message) {
		s.onSnapshot(gen, msgs)
	})

	s.Lock()
	if s.gen != gen {
		s.Unlock()
		unsubscribe()
		return nil
	}
	s.unsubscribe = unsubscribe
	s.Unlock()

	if mode == store.ModeJungle {
		go s.pushChallenge(gen)
	}
	return nil
}

// Leave stops watching the current conversation.
func (s *Surface) Leave() {
	s.Lock()
	s.leaveLocked()
	s.gen++
	s.mode, s.peer, s.roomId, s.saved, s.pending, s.newest = "", nil, "", 0, nil, nil
	s.Unlock()
}

func (s *Surface) leaveLocked() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.tracker.Stop()
}

// Send sends text into the current conversation. Private rooms are gated by the daily quota.
func (s *Surface) Send(ctx context.Context, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if utf8.RuneCountInString(text) > MaxTextLen {
		return nil, ErrTextTooLong
	}

	s.Lock()
	gen, mode, peer, roomId := s.gen, s.mode, s.peer, s.roomId
	s.Unlock()

	if roomId == "" {
		return nil, ErrNoConversation
	}

	now := s.deps.now()
	m := &store.Message{
		Id:             store.NewMessageId(now),
		SenderId:       s.viewer.Id,
		RoomId:         roomId,
		Text:           text,
		Mode:           mode,
		RealSenderName: s.viewer.Name,
		CreatedAt:      now.UnixMilli(),
	}

	if mode == store.ModeNormal {
		m.RecipientId = peer.Id

		n, err := s.deps.Accountant.CountToday(ctx, s.viewer.Id, peer.Id)
		if err != nil {
			glog.Errorf("surface: count today error, room: %s, err: %v", roomId, err)
		}
		if err := s.reserve(gen, n, err == nil, m.Id); err != nil {
			if err == ErrQuotaExhausted {
				metrics.SendRejected.WithLabelValues("quota").Inc()
				s.pushQuota(gen)
			}
			return nil, err
		}
	}

	if err := s.deps.Sink.Send(ctx, m); err != nil {
		metrics.SendRejected.WithLabelValues("sink").Inc()
		if mode == store.ModeNormal {
			s.release(gen, m.Id)
		}
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(string(mode)).Inc()

	if mode == store.ModeNormal {
		s.pushQuota(gen)
	}
	return m, nil
}

// reserve gates a private send on the recount n (ignored when !fresh) plus the pending sends,
// and marks id pending when the gate is open.
func (s *Surface) reserve(gen uint64, n int, fresh bool, id string) error {
	s.Lock()
	defer s.Unlock()

	if s.gen != gen {
		return ErrNoConversation
	}
	if fresh && n > s.saved {
		s.saved = n
	}
	if quota.GateState(s.mode, s.countLocked(), s.deps.DailyLimit) == quota.Exhausted {
		return ErrQuotaExhausted
	}
	if s.pending == nil {
		s.pending = make(map[string]struct{})
	}
	s.pending[id] = struct{}{}
	return nil
}

func (s *Surface) release(gen uint64, id string) {
	s.Lock()
	if s.gen == gen {
		delete(s.pending, id)
	}
	s.Unlock()
}

func (s *Surface) countLocked() int {
	return s.saved + len(s.pending)
}

// Refresh recounts the quota of a private room or asks for a new challenge in the wild room.
func (s *Surface) Refresh(ctx context.Context) error {
	s.Lock()
	gen, mode := s.gen, s.mode
	s.Unlock()

	switch mode {
	case store.ModeNormal:
		s.refreshQuota(ctx, gen)
	case store.ModeJungle:
		go s.pushChallenge(gen)
	default:
		return ErrNoConversation
	}
	return nil
}

// Status returns the gate of the current conversation, nil when none.
func (s *Surface) Status() *quota.Status {
	s.Lock()
	defer s.Unlock()
	if s.roomId == "" {
		return nil
	}
	return quota.NewStatus(s.mode, s.countLocked(), s.deps.DailyLimit)
}

// onSnapshot drops stale generations and snapshots older than one already pushed, which
// happens when two saves into the room race.
func (s *Surface) onSnapshot(gen uint64, msgs []*store.Message) {
	var newest *store.Message
	if len(msgs) > 0 {
		newest = msgs[len(msgs)-1]
	}

	s.Lock()
	if s.gen != gen {
		s.Unlock()
		return
	}
	for _, m := range msgs {
		delete(s.pending, m.Id)
	}
	if olderThan(newest, s.newest) {
		s.Unlock()
		return
	}
	s.newest = newest
	mode, peer, roomId := s.mode, s.peer, s.roomId
	s.Unlock()

	s.push(&Update{Snapshot: &Snapshot{
		Mode:   mode,
		RoomId: roomId,
		Peer:   peer,
		Views:  Render(msgs, s.viewer, peer),
	}})

	if mode == store.ModeNormal {
		s.refreshQuota(context.Background(), gen)
	}
}

func olderThan(a, b *store.Message) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	if a.Time() != b.Time() {
		return a.Time() < b.Time()
	}
	return a.Id < b.Id
}

// refreshQuota keeps the cached count on accountant errors.
func (s *Surface) refreshQuota(ctx context.Context, gen uint64) {
	s.Lock()
	if s.gen != gen || s.mode != store.ModeNormal {
		s.Unlock()
		return
	}
	peerId := s.peer.Id
	s.Unlock()

	n, err := s.deps.Accountant.CountToday(ctx, s.viewer.Id, peerId)
	if err != nil {
		glog.Errorf("surface: count today error, viewer: %s, peer: %s, err: %v", s.viewer.Id, peerId, err)
	}
	s.setCount(gen, n)
}

// resetQuota starts a new day: sends still pending belong to the day that ended.
func (s *Surface) resetQuota(gen uint64) {
	s.Lock()
	if s.gen == gen {
		s.saved, s.pending = 0, nil
	}
	s.Unlock()
	s.refreshQuota(context.Background(), gen)
}

func (s *Surface) setCount(gen uint64, n int) {
	s.Lock()
	if s.gen != gen {
		s.Unlock()
		return
	}
	if n > s.saved {
		s.saved = n
	}
	s.Unlock()

	s.pushQuota(gen)
}

func (s *Surface) pushQuota(gen uint64) {
	s.Lock()
	if s.gen != gen {
		s.Unlock()
		return
	}
	status := quota.NewStatus(s.mode, s.countLocked(), s.deps.DailyLimit)
	s.Unlock()

	s.push(&Update{Quota: status})
}

func (s *Surface) pushChallenge(gen uint64) {
	if s.deps.Challenger == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), challengeTimeout)
	defer cancel()
	text := s.deps.Challenger.Generate(ctx)

	s.Lock()
	current := s.gen == gen
	s.Unlock()
	if current {
		s.push(&Update{Challenge: text})
	}
}
