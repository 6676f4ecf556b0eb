package stream

import (
	"errors"
	"sync"

	"github.com/henrik-lindqvist/postgres-async-driver/pkg/message"
)

// ReplyHandler receives the accumulated reply for one request, in arrival
// order, exactly once. It is invoked on the stream's read goroutine (or on
// the sender's goroutine for synchronous policy failures).
type ReplyHandler func([]message.Message)

// pendingEntry is one in-flight request: the caller's handler plus the
// messages accumulated for it so far. The answered flag makes delivery
// exactly-once across the normal, write-failure and broadcast paths.
type pendingEntry struct {
	handler  ReplyHandler
	msgs     []message.Message
	answered bool
}

// Admission failures reported by add.
var (
	errReplyQueueClosed = errors.New("reply queue closed")
	errPipelineBusy     = errors.New("request already outstanding")
)

// pendingQueue is the reply correlator: a FIFO of pending entries where
// only the head receives inbound messages. The accumulate-then-pop step
// runs under one lock so it is atomic with respect to concurrent adds.
// Once failAll runs the queue is closed for good: no read loop exists that
// could ever answer a later entry.
type pendingQueue struct {
	pipeline bool

	l       sync.Mutex
	closed  bool
	entries []*pendingEntry
}

func newPendingQueue(pipeline bool) *pendingQueue {
	return &pendingQueue{pipeline: pipeline}
}

// add registers a new pending entry. It refuses once the queue is closed,
// and with pipelining disabled it admits at most one outstanding entry.
func (q *pendingQueue) add(h ReplyHandler) (*pendingEntry, error) {
	q.l.Lock()
	defer q.l.Unlock()
	if q.closed {
		return nil, errReplyQueueClosed
	}
	if !q.pipeline && len(q.entries) > 0 {
		return nil, errPipelineBusy
	}
	e := &pendingEntry{handler: h}
	q.entries = append(q.entries, e)
	return e, nil
}

// dispatch delivers one inbound non-notification message to the head entry.
// Terminal messages pop the entry and fire its handler outside the lock.
// Reports whether an entry completed.
func (q *pendingQueue) dispatch(m message.Message) bool {
	q.l.Lock()
	if len(q.entries) == 0 {
		q.l.Unlock()
		return false
	}
	head := q.entries[0]
	head.msgs = append(head.msgs, m)
	if !message.IsTerminal(m) {
		q.l.Unlock()
		return false
	}
	q.entries = q.entries[1:]
	deliver := !head.answered
	head.answered = true
	handler, msgs := head.handler, head.msgs
	q.l.Unlock()

	if deliver {
		handler(msgs)
	}
	return true
}

// fail delivers a channel error to one specific entry (the write-failure
// path). The entry stays queued; the answered flag keeps the later
// connection-level broadcast from delivering to it again.
func (q *pendingQueue) fail(e *pendingEntry, cerr *message.ChannelError) {
	q.l.Lock()
	if e.answered {
		q.l.Unlock()
		return
	}
	e.answered = true
	handler := e.handler
	msgs := append(e.msgs, cerr)
	q.l.Unlock()

	handler(msgs)
}

// failAll broadcasts a channel error to every unanswered entry in FIFO
// order, drains the queue and closes it against later adds. This is the
// terminal signal for all outstanding callers on transport failure or
// shutdown.
func (q *pendingQueue) failAll(cerr *message.ChannelError) int {
	q.l.Lock()
	q.closed = true
	entries := q.entries
	q.entries = nil
	q.l.Unlock()

	delivered := 0
	for _, e := range entries {
		q.l.Lock()
		deliver := !e.answered
		e.answered = true
		handler := e.handler
		msgs := append(e.msgs, cerr)
		q.l.Unlock()
		if deliver {
			handler(msgs)
			delivered++
		}
	}
	return delivered
}

// depth reports the number of queued entries.
func (q *pendingQueue) depth() int {
	q.l.Lock()
	defer q.l.Unlock()
	return len(q.entries)
}
