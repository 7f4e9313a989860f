// Package fanout fans out per-thread update notifications to WebSocket
// clients. It generalizes the teacher's internal/hub session registry (a
// mutex-guarded map with non-blocking fan-out sends) to one entry per
// thread, each backed by exactly one upstream Redis pubsub subscription
// shared across all of that thread's subscribers, grounded on
// routes/websocket_manager.rs's subscribe/unsubscribe/idle-teardown model.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddist-go/eddist/internal/bbslog"
)

// PubSub is the subset of Redis pubsub the hub needs: subscribe to a
// channel and receive a stream of raw message payloads until cancelled.
type PubSub interface {
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, err error)
}

// ThreadChecker answers whether a thread is still accepting writes, used
// by the idle check to tear down a subscription for a thread that became
// inactive or archived while clients were still connected.
type ThreadChecker interface {
	IsActiveThread(ctx context.Context, boardKey string, threadNumber int64) (bool, error)
}

const defaultClientBuffer = 32

func threadKey(boardKey string, threadNumber int64) string {
	return fmt.Sprintf("thread:ws:%s:%d", boardKey, threadNumber)
}

// threadSub is one thread's subscriber registry and its single upstream
// Redis listener.
type threadSub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	cancel  context.CancelFunc
}

// Hub fans out thread-update notifications, one upstream subscription per
// thread regardless of how many WebSocket clients are watching it.
type Hub struct {
	mu        sync.Mutex
	threads   map[string]*threadSub
	pubsub    PubSub
	checker   ThreadChecker
	idleCheck time.Duration
}

// New builds a Hub. idleCheck is how often a thread's listener re-verifies
// it still has subscribers and the thread is still active, tearing itself
// down otherwise (the original's 60-second cleanup_interval).
func New(pubsub PubSub, checker ThreadChecker, idleCheck time.Duration) *Hub {
	if idleCheck <= 0 {
		idleCheck = 60 * time.Second
	}
	return &Hub{threads: make(map[string]*threadSub), pubsub: pubsub, checker: checker, idleCheck: idleCheck}
}

// Subscribe returns a channel of raw update payloads for the given thread
// and an unsubscribe function the caller must invoke exactly once. The
// first subscriber for a thread starts its Redis listener; later
// subscribers reuse it.
func (h *Hub) Subscribe(ctx context.Context, boardKey string, threadNumber int64) (<-chan []byte, func(), error) {
	key := threadKey(boardKey, threadNumber)

	h.mu.Lock()
	sub, exists := h.threads[key]
	if !exists {
		listenCtx, cancel := context.WithCancel(context.Background())
		sub = &threadSub{clients: make(map[chan []byte]struct{}), cancel: cancel}
		h.threads[key] = sub
		go h.listen(listenCtx, key, boardKey, threadNumber, sub)
	}
	h.mu.Unlock()

	ch := make(chan []byte, defaultClientBuffer)
	sub.mu.Lock()
	sub.clients[ch] = struct{}{}
	sub.mu.Unlock()

	unsubscribe := func() {
		sub.mu.Lock()
		delete(sub.clients, ch)
		sub.mu.Unlock()
	}
	return ch, unsubscribe, nil
}

// listen runs the single upstream Redis subscription for one thread,
// broadcasting every message to all current clients with a non-blocking
// send, and tearing itself down when idle or the thread stops accepting
// writes.
func (h *Hub) listen(ctx context.Context, key, boardKey string, threadNumber int64, sub *threadSub) {
	log := bbslog.For("fanout").WithField("board_key", boardKey).WithField("thread_number", threadNumber)

	msgs, err := h.pubsub.Subscribe(ctx, key)
	if err != nil {
		log.WithField("error", err).Error("failed to subscribe to thread updates")
		h.teardown(key)
		return
	}

	ticker := time.NewTicker(h.idleCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.teardown(key)
			return
		case payload, ok := <-msgs:
			if !ok {
				h.teardown(key)
				return
			}
			sub.mu.Lock()
			for ch := range sub.clients {
				select {
				case ch <- payload:
				default:
				}
			}
			sub.mu.Unlock()
		case <-ticker.C:
			if h.shouldTeardown(ctx, sub, boardKey, threadNumber) {
				h.teardown(key)
				return
			}
		}
	}
}

func (h *Hub) shouldTeardown(ctx context.Context, sub *threadSub, boardKey string, threadNumber int64) bool {
	sub.mu.Lock()
	n := len(sub.clients)
	sub.mu.Unlock()
	if n == 0 {
		return true
	}
	if h.checker == nil {
		return false
	}
	active, err := h.checker.IsActiveThread(ctx, boardKey, threadNumber)
	if err != nil {
		return false // transient check failure keeps the listener alive
	}
	return !active
}

// teardown removes a thread's subscription entry and closes every
// remaining client channel, cancelling the upstream Redis subscription.
func (h *Hub) teardown(key string) {
	h.mu.Lock()
	sub, ok := h.threads[key]
	if ok {
		delete(h.threads, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.cancel()
	sub.mu.Lock()
	for ch := range sub.clients {
		close(ch)
	}
	sub.clients = nil
	sub.mu.Unlock()
}

// ActiveThreadCount reports how many threads currently have a live
// subscription, for diagnostics/tests.
func (h *Hub) ActiveThreadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.threads)
}
