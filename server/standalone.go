package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mqy/junglevibe/metrics"
	"github.com/mqy/junglevibe/store"
)

const (
	presenceTimeout = 3 * time.Second
	gcInterval      = 5 * time.Minute
)

type Config struct {
	Addr    string
	Hub     IHub
	Handler http.Handler
	H2c     bool

	Users store.IUserStore

	// Ingest is enabled when KafkaReader is set.
	Store         store.IMessageStore
	KafkaReader   IKafkaReader
	MaxValueBytes int
	MaxAge        time.Duration

	SessionQuota int
}

// Standalone is a single node server: http server, websocket hub, session bookkeeping
// and the optional kafka ingest.
type Standalone struct {
	conf       *Config
	httpServer *http.Server
	sessions   *sessionStore
	ingest     *ingest

	eventC chan *HubEvent
	cmdC   chan *HubCmd
}

func NewStandalone(conf *Config) *Standalone {
	handler := conf.Handler
	if conf.H2c {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s := &Standalone{
		conf:       conf,
		httpServer: &http.Server{Handler: handler},
		sessions:   newSessionStore(conf.SessionQuota),
		eventC:     make(chan *HubEvent),
		cmdC:       make(chan *HubCmd, 8),
	}
	if conf.KafkaReader != nil {
		s.ingest = newIngest(conf.Store, conf.KafkaReader, conf.MaxValueBytes, conf.MaxAge)
	}
	return s
}

func (s *Standalone) Run(ctx context.Context, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone server is starting")

	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		err := fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
		glog.Error(err)
		panic(err)
	}

	go func() {
		glog.Infof("http server is listening %v", s.conf.Addr)
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	ticker := time.NewTicker(gcInterval)

	ingestStopDoneC := make(chan struct{}, 1)
	hubStopDoneC := make(chan struct{}, 1)

	defer func() {
		ticker.Stop()
		s.httpServer.Shutdown(context.Background())
		glog.Infof("standalone server: http server shutdown done")

		if s.ingest != nil {
			<-ingestStopDoneC
			glog.Infof("standalone server: ingest stopped")
		}

		<-hubStopDoneC
		glog.Infof("standalone server: hub stopped")

		close(s.cmdC)
		glog.Infof("standalone server: stopped")
		stopNotifyCh <- struct{}{}
	}()

	if s.ingest != nil {
		go s.ingest.run(ctx, ingestStopDoneC)
	}
	go s.conf.Hub.Run(ctx, s.eventC, s.cmdC, hubStopDoneC)
	s.conf.Hub.Online()

	for {
		select {
		case <-ctx.Done():
			s.conf.Hub.Offline()
			glog.Infof("standalone server is stopping")
			return
		case <-ticker.C:
			if slice := s.sessions.gc(time.Now()); len(slice) > 0 {
				s.kickoff(slice)
			}
		case e := <-s.eventC:
			s.handleEvent(e)
			if e.ServerShutdown {
				return
			}
		}
	}
}

func (s *Standalone) handleEvent(e *HubEvent) {
	if v := e.SessionOnline; v != nil {
		if s.sessions.add(v) {
			s.setOnline(v.Uid, true)
		}
		metrics.SessionsOnline.Inc()
		if slice := s.sessions.getUserSessionsToKickoff(v.Uid); len(slice) > 0 {
			s.kickoff(slice)
		}
	} else if v := e.SessionOffline; v != "" {
		uid, last := s.sessions.del(v)
		if uid != "" {
			metrics.SessionsOnline.Dec()
		}
		if last {
			s.setOnline(uid, false)
		}
	} else if !e.ServerShutdown {
		panic(fmt.Sprintf("unknown hub event: %#+v", e))
	}
}

func (s *Standalone) kickoff(slice []*Session) {
	sids := s.sessions.markKickoff(slice, time.Now())
	glog.V(5).Infof("standalone server: kickoff %d sessions", len(sids))
	metrics.SessionsKickedOff.Add(float64(len(sids)))
	s.cmdC <- &HubCmd{Kickoff: sids}
}

// setOnline ignores users who have not completed their profile yet.
func (s *Standalone) setOnline(uid string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := s.conf.Users.SetOnline(ctx, uid, online); errors.Is(err, store.ErrNotFound) {
		glog.V(5).Infof("standalone server: presence of unknown user %s", uid)
	} else if err != nil {
		glog.Errorf("standalone server: set online %v error, uid: %s, err: %v", online, uid, err)
	}
}
