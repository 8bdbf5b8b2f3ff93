package server

import (
	"sort"
	"sync"
	"time"
)

const (
	// duration to delete a session since last kickoff
	deleteSinceKickoffTTL = 60 // seconds
)

// sessionStore tracks the sessions of the local hub.
type sessionStore struct {
	sync.Mutex
	kv    map[string]*Session // sid -> session
	quota int
}

func newSessionStore(quota int) *sessionStore {
	return &sessionStore{
		kv:    make(map[string]*Session),
		quota: quota,
	}
}

// add returns true if sess is the first live session of the user.
func (s *sessionStore) add(sess *Session) bool {
	s.Lock()
	defer s.Unlock()
	first := s.liveCountLocked(sess.Uid) == 0
	s.kv[sess.Sid] = sess
	return first
}

// del returns the uid of the deleted session and whether that was its last live session.
func (s *sessionStore) del(sid string) (string, bool) {
	s.Lock()
	defer s.Unlock()
	sess, ok := s.kv[sid]
	if !ok {
		return "", false
	}
	delete(s.kv, sid)
	return sess.Uid, sess.KickoffTime == 0 && s.liveCountLocked(sess.Uid) == 0
}

func (s *sessionStore) liveCountLocked(uid string) int {
	n := 0
	for _, sess := range s.kv {
		if sess.Uid == uid && sess.KickoffTime == 0 {
			n++
		}
	}
	return n
}

// markKickoff marks sessions as kicked off and returns their ids.
func (s *sessionStore) markKickoff(slice []*Session, now time.Time) []string {
	s.Lock()
	defer s.Unlock()
	sids := make([]string, 0, len(slice))
	for _, sess := range slice {
		sess.KickoffTime = now.Unix()
		sids = append(sids, sess.Sid)
	}
	return sids
}

// order by ctime asc.
func (s *sessionStore) getUserSessionsToKickoff(uid string) []*Session {
	var slice []*Session
	s.Lock()
	for _, sess := range s.kv {
		if sess.Uid == uid && sess.KickoffTime == 0 {
			slice = append(slice, sess)
		}
	}
	s.Unlock()
	return oldestBeyondQuota(slice, s.quota)
}

// gc deletes sessions kicked off long ago, and returns live sessions to kickoff.
func (s *sessionStore) gc(now time.Time) []*Session {
	s.Lock()
	defer s.Unlock()

	for sid, sess := range s.kv {
		if sess.KickoffTime > 0 && now.Unix() > sess.KickoffTime+deleteSinceKickoffTTL {
			delete(s.kv, sid)
		}
	}

	userSessions := make(map[string][]*Session)
	for _, sess := range s.kv {
		if sess.KickoffTime == 0 {
			userSessions[sess.Uid] = append(userSessions[sess.Uid], sess)
		}
	}

	var kickoff []*Session
	for _, slice := range userSessions {
		kickoff = append(kickoff, oldestBeyondQuota(slice, s.quota)...)
	}
	return kickoff
}

func (s *sessionStore) size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.kv)
}

func oldestBeyondQuota(slice []*Session, quota int) []*Session {
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].CreateTime != slice[j].CreateTime {
			return slice[i].CreateTime < slice[j].CreateTime
		}
		return slice[i].Sid < slice[j].Sid
	})
	return slice[:n]
}
