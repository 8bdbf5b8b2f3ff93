package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	roomsBucket = []byte("rooms")
	usersBucket = []byte("users")
)

// boltStore persists messages in a local bbolt file: one nested bucket per room, keyed by
// message id. Ids are ULIDs, so key order is creation order.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open `%s`: %v", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt init buckets: %v", err)
	}

	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func (s *boltStore) Save(ctx context.Context, m *Message) (*Message, error) {
	m = copyMessage(m)
	Prepare(m, time.Now())

	value, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var out *Message
	err = s.db.Update(func(tx *bbolt.Tx) error {
		room, err := tx.Bucket(roomsBucket).CreateBucketIfNotExists([]byte(m.RoomId))
		if err != nil {
			return err
		}

		key := []byte(m.Id)
		if old := room.Get(key); old != nil {
			var v Message
			if err := json.Unmarshal(old, &v); err != nil {
				return err
			}
			if !v.sameContent(m) {
				return ErrDuplicateId
			}
			out = &v
			return nil
		}

		out = m
		return room.Put(key, value)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Query(ctx context.Context, roomId string, limit int) ([]*Message, error) {
	var slice []*Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		room := tx.Bucket(roomsBucket).Bucket([]byte(roomId))
		if room == nil {
			return nil
		}

		// Walk backwards from the newest key so that a limited query stops early.
		c := room.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				glog.Errorf("bolt: skip bad message, room: %s, key: %s, err: %v", roomId, k, err)
				continue
			}
			slice = append(slice, &m)
			if limit > 0 && len(slice) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortMessages(slice)
	return slice, nil
}

func (s *boltStore) PutUser(ctx context.Context, u *User) error {
	value, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(usersBucket).Put([]byte(u.Id), value)
	})
}

func (s *boltStore) GetUser(ctx context.Context, uid string) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(uid))
		if v == nil {
			return ErrNotFound
		}
		u = &User{}
		return json.Unmarshal(v, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *boltStore) SetOnline(ctx context.Context, uid string, online bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(usersBucket)
		v := b.Get([]byte(uid))
		if v == nil {
			return ErrNotFound
		}
		var u User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		u.IsOnline = online
		value, err := json.Marshal(&u)
		if err != nil {
			return err
		}
		return b.Put([]byte(uid), value)
	})
}

func (s *boltStore) OnlineUsers(ctx context.Context) ([]*User, error) {
	var out []*User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(usersBucket).ForEach(func(k, v []byte) error {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				glog.Errorf("bolt: skip bad user, key: %s, err: %v", k, err)
				return nil
			}
			if u.IsOnline {
				out = append(out, &u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortUsers(out)
	return out, nil
}
