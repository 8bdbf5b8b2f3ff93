package store

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const liveQueryTimeout = 3 * time.Second

// Live adds live queries to a store: subscribers of a room receive the latest window of
// the room on subscribe and after every saved message of that room. Online user subscribers
// receive the full online list after every presence change.
//
// Callbacks run on the goroutine of the mutating call, outside of any Live lock, and must
// treat the delivered slice as read-only.
type Live struct {
	IStore

	window int

	mu      sync.Mutex
	nextId  int
	rooms   map[string]map[int]func([]*Message)
	online  map[int]func([]*User)
	onSaved []func(*Message)
}

func NewLive(s IStore, window int) *Live {
	return &Live{
		IStore: s,
		window: window,
		rooms:  make(map[string]map[int]func([]*Message)),
		online: make(map[int]func([]*User)),
	}
}

// OnSaved registers an observer of newly saved messages. Not safe to call after serving starts.
func (l *Live) OnSaved(fn func(*Message)) {
	l.onSaved = append(l.onSaved, fn)
}

func (l *Live) Save(ctx context.Context, m *Message) (*Message, error) {
	saved, err := l.IStore.Save(ctx, m)
	if err != nil {
		return nil, err
	}
	for _, fn := range l.onSaved {
		fn(saved)
	}
	l.notifyRoom(saved.RoomId)
	return saved, nil
}

// Subscribe watches a room; the returned func unsubscribes and is idempotent.
func (l *Live) Subscribe(roomId string, cb func([]*Message)) func() {
	l.mu.Lock()
	id := l.nextId
	l.nextId++
	subs, ok := l.rooms[roomId]
	if !ok {
		subs = make(map[int]func([]*Message))
		l.rooms[roomId] = subs
	}
	subs[id] = cb
	l.mu.Unlock()

	cb(l.snapshot(roomId))

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if subs, ok := l.rooms[roomId]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(l.rooms, roomId)
				}
			}
			l.mu.Unlock()
		})
	}
}

// SubscribeOnline watches online users; the returned func unsubscribes.
func (l *Live) SubscribeOnline(cb func([]*User)) func() {
	l.mu.Lock()
	id := l.nextId
	l.nextId++
	l.online[id] = cb
	l.mu.Unlock()

	cb(l.onlineSnapshot())

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.online, id)
			l.mu.Unlock()
		})
	}
}

func (l *Live) PutUser(ctx context.Context, u *User) error {
	if err := l.IStore.PutUser(ctx, u); err != nil {
		return err
	}
	l.notifyOnline()
	return nil
}

func (l *Live) SetOnline(ctx context.Context, uid string, online bool) error {
	if err := l.IStore.SetOnline(ctx, uid, online); err != nil {
		return err
	}
	l.notifyOnline()
	return nil
}

// snapshot degrades to an empty room on store errors.
func (l *Live) snapshot(roomId string) []*Message {
	ctx, cancel := context.WithTimeout(context.Background(), liveQueryTimeout)
	defer cancel()
	slice, err := l.IStore.Query(ctx, roomId, l.window)
	if err != nil {
		glog.Errorf("live: query room %s error: %v", roomId, err)
		return nil
	}
	return slice
}

func (l *Live) onlineSnapshot() []*User {
	ctx, cancel := context.WithTimeout(context.Background(), liveQueryTimeout)
	defer cancel()
	slice, err := l.IStore.OnlineUsers(ctx)
	if err != nil {
		glog.Errorf("live: query online users error: %v", err)
		return nil
	}
	return slice
}

func (l *Live) notifyRoom(roomId string) {
	l.mu.Lock()
	cbs := make([]func([]*Message), 0, len(l.rooms[roomId]))
	for _, cb := range l.rooms[roomId] {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()

	if len(cbs) == 0 {
		return
	}

	slice := l.snapshot(roomId)
	glog.V(5).Infof("live: notify room %s, %d subscribers, %d messages", roomId, len(cbs), len(slice))
	for _, cb := range cbs {
		cb(slice)
	}
}

func (l *Live) notifyOnline() {
	l.mu.Lock()
	cbs := make([]func([]*User), 0, len(l.online))
	for _, cb := range l.online {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()

	if len(cbs) == 0 {
		return
	}

	slice := l.onlineSnapshot()
	for _, cb := range cbs {
		cb(slice)
	}
}
