package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory, for development and tests.
type memoryStore struct {
	sync.RWMutex
	rooms map[string][]*Message
	ids   map[string]*Message
	users map[string]*User
}

func NewMemoryStore() *memoryStore {
	return &memoryStore{
		rooms: make(map[string][]*Message),
		ids:   make(map[string]*Message),
		users: make(map[string]*User),
	}
}

func (s *memoryStore) Close() error {
	return nil
}

func (s *memoryStore) Save(ctx context.Context, m *Message) (*Message, error) {
	m = copyMessage(m)
	Prepare(m, time.Now())

	s.Lock()
	defer s.Unlock()

	if old, ok := s.ids[m.Id]; ok {
		if old.sameContent(m) {
			return copyMessage(old), nil
		}
		return nil, ErrDuplicateId
	}

	s.ids[m.Id] = m
	s.rooms[m.RoomId] = append(s.rooms[m.RoomId], m)
	return copyMessage(m), nil
}

func (s *memoryStore) Query(ctx context.Context, roomId string, limit int) ([]*Message, error) {
	s.RLock()
	slice := make([]*Message, 0, len(s.rooms[roomId]))
	for _, m := range s.rooms[roomId] {
		slice = append(slice, copyMessage(m))
	}
	s.RUnlock()

	sortMessages(slice)
	return tail(slice, limit), nil
}

func (s *memoryStore) PutUser(ctx context.Context, u *User) error {
	s.Lock()
	s.users[u.Id] = copyUser(u)
	s.Unlock()
	return nil
}

func (s *memoryStore) GetUser(ctx context.Context, uid string) (*User, error) {
	s.RLock()
	defer s.RUnlock()
	if u, ok := s.users[uid]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (s *memoryStore) SetOnline(ctx context.Context, uid string, online bool) error {
	s.Lock()
	defer s.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	return nil
}

func (s *memoryStore) OnlineUsers(ctx context.Context) ([]*User, error) {
	s.RLock()
	var out []*User
	for _, u := range s.users {
		if u.IsOnline {
			out = append(out, copyUser(u))
		}
	}
	s.RUnlock()

	sortUsers(out)
	return out, nil
}
