package stream

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationHandler receives the payload of a server push notification.
type NotificationHandler func(payload string)

// notificationRegistry maps channel names to subscriber callbacks keyed by
// unique tokens. It is independent of the reply correlator: push messages
// are recognized before correlation and never touch the pending queue.
// Channels are never pruned; an unsubscribed-empty channel keeps its map.
type notificationRegistry struct {
	mu       sync.RWMutex
	channels map[string]map[string]NotificationHandler
	logger   *zap.Logger
}

func newNotificationRegistry(logger *zap.Logger) *notificationRegistry {
	return &notificationRegistry{
		channels: make(map[string]map[string]NotificationHandler),
		logger:   logger,
	}
}

// subscribe registers fn on channel and returns its token. The first
// subscribe on a channel creates its map; concurrent first-subscribes on
// the same channel are serialized by the lock, so none is lost.
func (r *notificationRegistry) subscribe(channel string, fn NotificationHandler) string {
	token := uuid.NewString()
	r.mu.Lock()
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]NotificationHandler)
		r.channels[channel] = subs
	}
	subs[token] = fn
	r.mu.Unlock()
	return token
}

// unsubscribe removes the (channel, token) subscription. An unknown pair is
// a caller error, not a no-op.
func (r *notificationRegistry) unsubscribe(channel, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.channels[channel]
	if !ok {
		return fmt.Errorf("no subscribers on channel %q", channel)
	}
	if _, ok := subs[token]; !ok {
		return fmt.Errorf("no subscriber on channel %q with token %q", channel, token)
	}
	delete(subs, token)
	return nil
}

// dispatch delivers payload to every current subscriber of channel.
// Handlers run outside the lock and a panicking subscriber does not stop
// delivery to the others.
func (r *notificationRegistry) dispatch(channel, payload string) int {
	r.mu.RLock()
	subs := r.channels[channel]
	handlers := make([]NotificationHandler, 0, len(subs))
	for _, fn := range subs {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		r.invoke(channel, payload, fn)
	}
	return len(handlers)
}

func (r *notificationRegistry) invoke(channel, payload string, fn NotificationHandler) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("notification handler panicked",
				zap.String("channel", channel), zap.Any("panic", p))
		}
	}()
	fn(payload)
}

// subscriberCount reports the current number of subscribers on channel.
func (r *notificationRegistry) subscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
