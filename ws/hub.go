package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/junglevibe/auth"
	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/server"
	"github.com/mqy/junglevibe/store"
)

// Hub works as a hub that manages and serves sessions.
type Hub struct {
	deps       *chat.Deps
	authClient auth.Client
	hstore     *HandlerStore
	online     atomic.Bool

	mu     sync.RWMutex
	eventC chan<- *server.HubEvent
}

var _ server.IHub = (*Hub)(nil)

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, deps *chat.Deps) *Hub {
	return &Hub{
		deps:       deps,
		authClient: authClient,
		hstore:     newHandlerStore(),
	}
}

// Run implements `server.IHub.Run`.
func (h *Hub) Run(ctx context.Context, eventC chan<- *server.HubEvent, cmdC <-chan *server.HubCmd,
	stopDoneNotifyC chan<- struct{}) {
	h.mu.Lock()
	h.eventC = eventC
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			glog.Infof("close connections ...")
			h.hstore.close()
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case cmd, ok := <-cmdC:
			if !ok {
				return
			}
			for _, sid := range cmd.Kickoff {
				h.kickoff(sid)
			}
		}
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() || h.events() == nil {
		http.Error(w, "Server is not ready", http.StatusServiceUnavailable)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	viewer, err := h.deps.Live.GetUser(r.Context(), uid)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Profile is not completed", http.StatusForbidden)
		return
	} else if err != nil {
		glog.Errorf("ServeHTTP(): get user error, uid: %s, err: %v", uid, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	sess := &server.Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, dataChanSize),
		session:  sess,
		conn:     conn,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		return nil
	})

	h.addHandler(handler)
	handler.start(viewer)
}

func (h *Hub) events() chan<- *server.HubEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.eventC
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	h.events() <- &server.HubEvent{SessionOnline: handler.session}
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		h.events() <- &server.HubEvent{SessionOffline: sid}
	}
}

// Online implements `server.IHub.Online`
func (h *Hub) Online() {
	glog.Infof("Online()")
	h.online.Store(true)
}

// Offline implements `server.IHub.Offline`
func (h *Hub) Offline() {
	glog.Infof("Offline()")
	h.online.Store(false)
}

func (h *Hub) kickoff(sid string) {
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("kickoff local session: %s", s)
		s.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Kickoff: true}})
		h.hstore.del(sid)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
