package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/junglevibe/auth"
	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/server"
	"github.com/mqy/junglevibe/store"
)

type testHub struct {
	*Hub
	srv    *httptest.Server
	eventC chan *server.HubEvent
	cmdC   chan *server.HubCmd
}

func newTestHub(t *testing.T, limit int) *testHub {
	ctx, cancel := context.WithCancel(context.Background())

	live := store.NewLive(store.NewMemoryStore(), 100)
	for _, u := range []*store.User{
		{Id: "alice", Name: "Alice", Role: store.RoleUser, IsOnline: true},
		{Id: "bob", Name: "Bob", Role: store.RoleUser, IsOnline: true},
	} {
		require.NoError(t, live.PutUser(ctx, u))
	}

	deps := &chat.Deps{
		Live:       live,
		Accountant: quota.NewScanAccountant(live),
		Sink:       &chat.StoreSink{Store: live},
		DailyLimit: limit,
	}

	th := &testHub{
		Hub:    NewHub(&auth.MockClient{}, deps),
		eventC: make(chan *server.HubEvent, 64),
		cmdC:   make(chan *server.HubCmd, 1),
	}

	stopC := make(chan struct{}, 1)
	go th.Run(ctx, th.eventC, th.cmdC, stopC)
	th.Online()
	require.Eventually(t, func() bool { return th.events() != nil }, time.Second, time.Millisecond)

	th.srv = httptest.NewServer(th.Hub)
	t.Cleanup(func() {
		cancel()
		<-stopC
		th.srv.Close()
	})
	return th
}

func (th *testHub) dial(t *testing.T, uid string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(th.srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Uid": []string{uid}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(*ServerMsg) bool) *ServerMsg {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg ServerMsg
		require.NoError(t, conn.ReadJSON(&msg))
		if match(&msg) {
			return &msg
		}
	}
}

func TestHubRejects(t *testing.T) {
	th := newTestHub(t, 10)

	resp, err := http.Get(th.srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, th.srv.URL, nil)
	req.Header.Set("X-Uid", "ghost")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	th.Offline()
	req.Header.Set("X-Uid", "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubPrivateChat(t *testing.T) {
	th := newTestHub(t, 2)

	a := th.dial(t, "alice")
	b := th.dial(t, "bob")

	e := <-th.eventC
	require.NotNil(t, e.SessionOnline)

	online := readUntil(t, a, func(m *ServerMsg) bool { return len(m.Online) > 0 })
	assert.Len(t, online.Online, 2)

	require.NoError(t, a.WriteJSON(&ClientMsg{Enter: &EnterReq{Mode: store.ModeNormal, Peer: "bob"}}))
	q := readUntil(t, a, func(m *ServerMsg) bool { return m.Quota != nil })
	assert.Equal(t, 2, q.Quota.Remaining)

	require.NoError(t, b.WriteJSON(&ClientMsg{Enter: &EnterReq{Mode: store.ModeNormal, Peer: "alice"}}))
	readUntil(t, b, func(m *ServerMsg) bool { return m.Messages != nil })

	require.NoError(t, a.WriteJSON(&ClientMsg{Send: &SendReq{Text: "hi bob"}}))
	sent := readUntil(t, a, func(m *ServerMsg) bool { return m.Send != nil })
	assert.NotEmpty(t, sent.Send.Id)

	got := readUntil(t, b, func(m *ServerMsg) bool { return m.Messages != nil && len(m.Messages.Views) == 1 })
	v := got.Messages.Views[0]
	assert.Equal(t, sent.Send.Id, v.Id)
	assert.Equal(t, "hi bob", v.Text)
	assert.Equal(t, "Alice", v.DisplayName)
	assert.False(t, v.IsMe)

	require.NoError(t, b.WriteJSON(&ClientMsg{Send: &SendReq{Text: "hi alice"}}))
	q = readUntil(t, a, func(m *ServerMsg) bool { return m.Quota != nil && m.Quota.Count == 2 })
	assert.Equal(t, quota.Exhausted, q.Quota.State)

	require.NoError(t, a.WriteJSON(&ClientMsg{Send: &SendReq{Text: "one more"}}))
	errMsg := readUntil(t, a, func(m *ServerMsg) bool { return m.Error != nil })
	assert.Equal(t, ErrorCodeInvalidArguments, errMsg.Error.Code)
	assert.Equal(t, []string{chat.ErrQuotaExhausted.Error()}, errMsg.Error.Params)
}

func TestHubRequestErrors(t *testing.T) {
	th := newTestHub(t, 10)
	a := th.dial(t, "alice")

	require.NoError(t, a.WriteJSON(&ClientMsg{Send: &SendReq{Text: "hello?"}}))
	errMsg := readUntil(t, a, func(m *ServerMsg) bool { return m.Error != nil })
	assert.Equal(t, ErrorCodeInvalidArguments, errMsg.Error.Code)
	assert.NotNil(t, errMsg.Error.Req.Send)

	require.NoError(t, a.WriteJSON(&ClientMsg{}))
	errMsg = readUntil(t, a, func(m *ServerMsg) bool { return m.Error != nil })
	assert.Equal(t, []string{"unsupported request"}, errMsg.Error.Params)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	readUntil(t, a, func(m *ServerMsg) bool { return m.Error != nil })
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
}

func TestHubKickoff(t *testing.T) {
	th := newTestHub(t, 10)
	a := th.dial(t, "alice")

	e := <-th.eventC
	require.NotNil(t, e.SessionOnline)
	th.cmdC <- &server.HubCmd{Kickoff: []string{e.SessionOnline.Sid}}

	readUntil(t, a, func(m *ServerMsg) bool { return m.Kickoff })
	_, _, err := a.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return th.hstore.get(e.SessionOnline.Sid) == nil }, time.Second, 10*time.Millisecond)
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-FORWARDED-FOR", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-REAL-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}

func TestHandlerCloseWhileSending(t *testing.T) {
	th := newTestHub(t, 10)
	a := th.dial(t, "alice")

	e := <-th.eventC
	require.NotNil(t, e.SessionOnline)
	h := th.hstore.get(e.SessionOnline.Sid)
	require.NotNil(t, h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < dataChanSize/2; i++ {
			h.appendDataChan(&SessionData{ServerMsg: &ServerMsg{Send: &SendResp{Id: "m"}}})
		}
	}()
	h.close(ServerStop)
	<-done

	a.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for err == nil {
		_, _, err = a.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err: %v", err)
}
