package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/server"
	"github.com/mqy/junglevibe/store"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	SlowConsumer SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	dataChanSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: check origin against a configured allow list.
		return true
	},
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *server.Session
	conn    *websocket.Conn
	surface *chat.Surface

	unsubscribeOnline func()

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	return fmt.Sprintf("sid: %s, uid: %s, ip: %s", h.session.Sid, h.session.Uid, h.session.Ip)
}

// start wires the session to the live store, then runs the loops.
func (h *Handler) start(viewer *store.User) {
	h.surface = chat.NewSurface(h.hub.deps, viewer, func(u *chat.Update) {
		h.appendDataChan(&SessionData{ServerMsg: fromUpdate(u)})
	})
	h.unsubscribeOnline = h.hub.deps.Live.SubscribeOnline(func(users []*store.User) {
		h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Online: users}})
	})

	go h.recvLoop()
	go h.sendLoop()
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.dataChan)
	h.Unlock()

	// sendLoop may be writing: only control frames and Close are safe concurrently.
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = h.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	h.conn.Close()

	// Outside the lock: live callbacks in flight may be waiting for it.
	if h.surface != nil {
		h.surface.Leave()
	}
	if h.unsubscribeOnline != nil {
		h.unsubscribeOnline()
	}

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

// appendDataChan never blocks: a session that can not keep up is closed.
func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		glog.Errorf("session data chan is full, closing. %s", h)
		go h.close(SlowConsumer)
	}
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosing() {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		resp, e := serve(h.surface, &req)
		if e != nil {
			glog.Errorf("recvLoop(): request error: %+v, session: %s", e, h)
			interceptError(e)
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Error: e}})
			continue
		}
		if resp != nil {
			h.appendDataChan(&SessionData{ServerMsg: resp})
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h)
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
