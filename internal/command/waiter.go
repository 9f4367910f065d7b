package command

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// WaitTimeout bounds how long a pending-reply entry lives before it resolves
// to a TIMED_OUT reply and is evicted.
const WaitTimeout = 2 * time.Second

// ReplyWaiter is the pending-reply table for synchronous accepts. Each entry
// maps a command id to a one-shot channel; a timer fires a timeout value and
// removes the entry so the map never leaks.
type ReplyWaiter struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingReply
}

type pendingReply struct {
	ch    chan Reply
	timer *time.Timer
}

// NewReplyWaiter creates an empty pending-reply table
func NewReplyWaiter() *ReplyWaiter {
	return &ReplyWaiter{pending: make(map[uuid.UUID]*pendingReply)}
}

// Register creates a one-shot channel for the command's reply. The entry
// auto-expires after WaitTimeout, delivering a TIMED_OUT reply.
func (w *ReplyWaiter) Register(id uuid.UUID) <-chan Reply {
	w.mu.Lock()
	defer w.mu.Unlock()

	p := &pendingReply{ch: make(chan Reply, 1)}
	p.timer = time.AfterFunc(WaitTimeout, func() {
		w.resolve(id, Reply{Status: ReplyTimedOut, Error: "reply wait timed out"})
	})
	w.pending[id] = p
	return p.ch
}

// Complete delivers the reply to a registered waiter, if any, and evicts the
// entry. Completions for unknown ids are ignored.
func (w *ReplyWaiter) Complete(id uuid.UUID, reply Reply) {
	w.resolve(id, reply)
}

// Cancel drops a registration without delivering anything
func (w *ReplyWaiter) Cancel(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if p, ok := w.pending[id]; ok {
		p.timer.Stop()
		delete(w.pending, id)
	}
}

// Len reports the number of pending entries, for leak assertions in tests
func (w *ReplyWaiter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *ReplyWaiter) resolve(id uuid.UUID, reply Reply) {
	w.mu.Lock()
	p, ok := w.pending[id]
	if ok {
		p.timer.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	if ok {
		p.ch <- reply
	}
}
