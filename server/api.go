package server

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// IHub provides interfaces of the local websocket hub.
type IHub interface {
	Run(context.Context, chan<- *HubEvent, <-chan *HubCmd, chan<- struct{})
	Online()
	Offline()
}

// Session is one websocket connection of a user.
type Session struct {
	Sid         string `json:"sid"`
	Uid         string `json:"uid"`
	Ip          string `json:"ip,omitempty"`
	CreateTime  int64  `json:"ctime"`
	KickoffTime int64  `json:"kickoff_time,omitempty"`
}

// HubEvent is sent from hub to server; exactly one field is set.
type HubEvent struct {
	SessionOnline  *Session
	SessionOffline string // sid
	ServerShutdown bool
}

// HubCmd is sent from server to hub.
type HubCmd struct {
	Kickoff []string // sids
}
