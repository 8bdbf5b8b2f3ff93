package ws

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	hs.handlers[handler.session.Sid] = handler
	hs.Unlock()
}

// close closes all handlers and empties the store.
func (hs *HandlerStore) close() {
	hs.Lock()
	slice := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		slice = append(slice, h)
	}
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()

	for _, h := range slice {
		h.close(ServerStop)
	}
}
