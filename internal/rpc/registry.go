package rpc

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quadtile/drover/internal/wire"
)

// Dropped request ids are remembered for a while so the late replies of a
// finished or torn-down request are told apart from stray traffic.
const (
	droppedTTL             = 10 * time.Minute
	droppedCleanupInterval = 30 * time.Minute
)

type routeResult int

const (
	routeOK routeResult = iota
	routeDropped
	routeUnknown
)

type registry struct {
	mu        sync.Mutex
	mailboxes map[string]*ReplyMailbox
	dropped   *gocache.Cache
}

func newRegistry() *registry {
	return &registry{
		mailboxes: make(map[string]*ReplyMailbox),
		dropped:   gocache.New(droppedTTL, droppedCleanupInterval),
	}
}

func (r *registry) register(requestID string, mb *ReplyMailbox) {
	r.mu.Lock()
	r.mailboxes[requestID] = mb
	r.mu.Unlock()
}

func (r *registry) route(reply wire.Reply) routeResult {
	r.mu.Lock()
	mb, ok := r.mailboxes[reply.RequestID]
	r.mu.Unlock()
	if ok {
		mb.Push(reply)
		return routeOK
	}
	if _, dropped := r.dropped.Get(reply.RequestID); dropped {
		return routeDropped
	}
	return routeUnknown
}

func (r *registry) drop(requestID string) {
	r.mu.Lock()
	delete(r.mailboxes, requestID)
	r.mu.Unlock()
	r.dropped.SetDefault(requestID, struct{}{})
}
