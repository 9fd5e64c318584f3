package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/observability"
)

const updateBufferSize = 32

// UpdateKind names the store change carried by an Update.
type UpdateKind string

const (
	UpdateMessage       UpdateKind = "chat.message"
	UpdateMessageRead   UpdateKind = "chat.read"
	UpdateConversations UpdateKind = "chat.conversations"
	UpdateNotifications UpdateKind = "notifications"
	UpdateNotification  UpdateKind = "notification"
	UpdatePresence      UpdateKind = "presence"
	UpdateLike          UpdateKind = "like"
	UpdateConnection    UpdateKind = "connection"
	UpdateSession       UpdateKind = "session"
)

// Update is a reconciled state change pushed to the UI layer.
type Update struct {
	Kind    UpdateKind  `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// UpdatePublisher is implemented by UpdateBroker; stores only depend on this.
type UpdatePublisher interface {
	Publish(update Update)
}

// UpdateBroker fans store updates out to stream subscribers. Slow subscribers miss updates
// instead of blocking the stores.
type UpdateBroker struct {
	mu          sync.RWMutex
	subscribers map[chan Update]struct{}
	forward     func(Update)
	logger      zerolog.Logger
}

// NewUpdateBroker constructs an empty broker.
func NewUpdateBroker(logger zerolog.Logger) *UpdateBroker {
	return &UpdateBroker{
		subscribers: make(map[chan Update]struct{}),
		logger:      logger.With().Str("component", "update_broker").Logger(),
	}
}

// Subscribe registers a stream subscriber and returns its channel plus a cleanup func.
func (b *UpdateBroker) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, updateBufferSize)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	observability.SSEClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
			observability.SSEClientsActive().Dec()
		})
	}

	return ch, cleanup
}

// Publish delivers update locally and hands it to the forwarder, if any.
func (b *UpdateBroker) Publish(update Update) {
	if update.At.IsZero() {
		update.At = time.Now().UTC()
	}

	b.deliver(update)

	b.mu.RLock()
	forward := b.forward
	b.mu.RUnlock()
	if forward != nil {
		forward(update)
	}
}

// SetForwarder installs fn to receive every locally published update.
func (b *UpdateBroker) SetForwarder(fn func(Update)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forward = fn
}

// Subscribers returns the number of attached stream subscribers.
func (b *UpdateBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *UpdateBroker) deliver(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- update:
		default:
			b.logger.Debug().Str("kind", string(update.Kind)).Msg("dropping update for slow subscriber")
		}
	}
}
