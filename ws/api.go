package ws

import (
	"context"
	"errors"
	"time"

	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/store"
)

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13

	requestTimeout = 5 * time.Second
)

// ClientMsg is a request from client; exactly one field is set.
type ClientMsg struct {
	Enter     *EnterReq `json:"enter,omitempty"`
	Send      *SendReq  `json:"send,omitempty"`
	Leave     *struct{} `json:"leave,omitempty"`
	Challenge *struct{} `json:"challenge,omitempty"`
	Refresh   *struct{} `json:"refresh,omitempty"`
}

type EnterReq struct {
	Mode store.ChatMode `json:"mode"`
	Peer string         `json:"peer,omitempty"`
}

type SendReq struct {
	Text string `json:"text"`
}

type SendResp struct {
	Id string `json:"id"`
}

// ServerMsg is pushed to client.
type ServerMsg struct {
	Messages  *chat.Snapshot `json:"messages,omitempty"`
	Quota     *quota.Status  `json:"quota,omitempty"`
	Challenge string         `json:"challenge,omitempty"`
	Online    []*store.User  `json:"online,omitempty"`
	Send      *SendResp      `json:"send,omitempty"`
	Error     *Error         `json:"error,omitempty"`
	Kickoff   bool           `json:"kickoff,omitempty"`
}

type Error struct {
	Code   int        `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func fromUpdate(u *chat.Update) *ServerMsg {
	return &ServerMsg{
		Messages:  u.Snapshot,
		Quota:     u.Quota,
		Challenge: u.Challenge,
	}
}

// serve runs one client request against the session's surface.
// A nil message and nil error means nothing to reply.
func serve(surface *chat.Surface, req *ClientMsg) (*ServerMsg, *Error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	var resp *ServerMsg

	if v := req.Enter; v != nil {
		err = surface.Enter(ctx, v.Mode, v.Peer)
	} else if v := req.Send; v != nil {
		var m *store.Message
		if m, err = surface.Send(ctx, v.Text); err == nil {
			resp = &ServerMsg{Send: &SendResp{Id: m.Id}}
		}
	} else if req.Leave != nil {
		surface.Leave()
	} else if req.Challenge != nil || req.Refresh != nil {
		err = surface.Refresh(ctx)
	} else {
		return nil, newInvalidArgumentError(req, "unsupported request")
	}

	if err != nil {
		if isClientError(err) {
			return nil, newInvalidArgumentError(req, err.Error())
		}
		return nil, newInternalError(req, err.Error())
	}
	return resp, nil
}

func isClientError(err error) bool {
	for _, e := range []error{
		chat.ErrNoConversation,
		chat.ErrInvalidMode,
		chat.ErrInvalidPeer,
		chat.ErrEmptyText,
		chat.ErrTextTooLong,
		chat.ErrQuotaExhausted,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func newInvalidArgumentError(req *ClientMsg, errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *ClientMsg, err string) *Error {
	return &Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func interceptError(err *Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
