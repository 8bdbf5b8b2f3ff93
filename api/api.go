// Package api serves the REST lobby: profile, presence, quota and history reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/mqy/junglevibe/auth"
	"github.com/mqy/junglevibe/challenge"
	"github.com/mqy/junglevibe/chat"
	"github.com/mqy/junglevibe/profile"
	"github.com/mqy/junglevibe/quota"
	"github.com/mqy/junglevibe/store"
)

type ctxKey struct{}

type Api struct {
	authClient auth.Client
	live       *store.Live
	accountant quota.Accountant
	challenger challenge.Generator
	dailyLimit int
	window     int
}

func New(authClient auth.Client, deps *chat.Deps, window int) *Api {
	return &Api{
		authClient: authClient,
		live:       deps.Live,
		accountant: deps.Accountant,
		challenger: deps.Challenger,
		dailyLimit: deps.DailyLimit,
		window:     window,
	}
}

// Register mounts the api under /api.
func (a *Api) Register(r *mux.Router) {
	s := r.PathPrefix("/api").Subrouter()
	s.Use(a.authMiddleware)

	s.HandleFunc("/me", a.getMe).Methods(http.MethodGet)
	s.HandleFunc("/me", a.putMe).Methods(http.MethodPut)
	s.HandleFunc("/logout", a.logout).Methods(http.MethodPost)
	s.HandleFunc("/users/online", a.onlineUsers).Methods(http.MethodGet)
	s.HandleFunc("/avatars/{gender}", a.avatars).Methods(http.MethodGet)
	s.HandleFunc("/quota/{peer}", a.getQuota).Methods(http.MethodGet)
	s.HandleFunc("/challenge", a.getChallenge).Methods(http.MethodGet)
	s.HandleFunc("/rooms/{peer}/messages", a.roomMessages).Methods(http.MethodGet)
	s.HandleFunc("/wild/messages", a.wildMessages).Methods(http.MethodGet)
}

func (a *Api) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := a.authClient.Auth(r)
		if err != nil {
			glog.V(5).Infof("api: authenticate error: %v", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

func uidOf(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKey{}).(string)
	return uid
}

type errorResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("api: write response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorResp{Error: msg})
}

// writeStoreError hides internal errors from clients.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	glog.Errorf("api: %s %s error: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, "temp storage error")
}

// viewer loads the caller, whose profile must be completed.
func (a *Api) viewer(w http.ResponseWriter, r *http.Request) *store.User {
	u, err := a.live.GetUser(r.Context(), uidOf(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusForbidden, "profile is not completed")
		return nil
	} else if err != nil {
		writeStoreError(w, r, err)
		return nil
	}
	return u
}

// peer loads the other participant of a private room.
func (a *Api) peer(w http.ResponseWriter, r *http.Request, viewer *store.User) *store.User {
	peerId := mux.Vars(r)["peer"]
	if peerId == viewer.Id || !auth.ValidUid(peerId) {
		writeError(w, http.StatusBadRequest, chat.ErrInvalidPeer.Error())
		return nil
	}
	p, err := a.live.GetUser(r.Context(), peerId)
	if err != nil {
		writeStoreError(w, r, err)
		return nil
	}
	return p
}

func (a *Api) getMe(w http.ResponseWriter, r *http.Request) {
	u, err := a.live.GetUser(r.Context(), uidOf(r))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type profileReq struct {
	Name      string       `json:"name"`
	Gender    store.Gender `json:"gender"`
	AvatarUrl string       `json:"avatarUrl"`
}

func (a *Api) putMe(w http.ResponseWriter, r *http.Request) {
	var req profileReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	u, err := profile.Complete(r.Context(), a.live, uidOf(r), req.Name, req.Gender, req.AvatarUrl)
	switch {
	case errors.Is(err, profile.ErrInvalidName), errors.Is(err, profile.ErrInvalidGender), errors.Is(err, profile.ErrInvalidAvatar):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeStoreError(w, r, err)
	default:
		glog.V(5).Infof("api: profile completed, uid: %s", u.Id)
		writeJSON(w, http.StatusOK, u)
	}
}

func (a *Api) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.live.SetOnline(r.Context(), uidOf(r), false); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Api) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.live.OnlineUsers(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if users == nil {
		users = []*store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *Api) avatars(w http.ResponseWriter, r *http.Request) {
	slice := profile.Avatars(store.Gender(mux.Vars(r)["gender"]))
	if slice == nil {
		writeError(w, http.StatusNotFound, profile.ErrInvalidGender.Error())
		return
	}
	writeJSON(w, http.StatusOK, slice)
}

func (a *Api) getQuota(w http.ResponseWriter, r *http.Request) {
	viewer := a.viewer(w, r)
	if viewer == nil {
		return
	}
	peer := a.peer(w, r, viewer)
	if peer == nil {
		return
	}

	n, err := a.accountant.CountToday(r.Context(), viewer.Id, peer.Id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quota.NewStatus(store.ModeNormal, n, a.dailyLimit))
}

type challengeResp struct {
	Text string `json:"text"`
}

func (a *Api) getChallenge(w http.ResponseWriter, r *http.Request) {
	if a.challenger == nil {
		writeError(w, http.StatusNotFound, "challenges are disabled")
		return
	}
	writeJSON(w, http.StatusOK, &challengeResp{Text: a.challenger.Generate(r.Context())})
}

func (a *Api) roomMessages(w http.ResponseWriter, r *http.Request) {
	viewer := a.viewer(w, r)
	if viewer == nil {
		return
	}
	peer := a.peer(w, r, viewer)
	if peer == nil {
		return
	}

	msgs, err := a.live.Query(r.Context(), store.RoomId(viewer.Id, peer.Id), a.window)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat.Render(msgs, viewer, peer))
}

func (a *Api) wildMessages(w http.ResponseWriter, r *http.Request) {
	viewer := a.viewer(w, r)
	if viewer == nil {
		return
	}

	msgs, err := a.live.Query(r.Context(), store.WildRoomId, a.window)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat.Render(msgs, viewer, nil))
}
