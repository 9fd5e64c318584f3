package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/repository"
)

// SessionState is published on session updates.
type SessionState struct {
	UserID   string `json:"user_id"`
	Active   bool   `json:"active"`
	Reason   string `json:"reason,omitempty"`
	Realtime string `json:"realtime"`
}

// ConnectionUpdate is published whenever the realtime connection goes up or down.
type ConnectionUpdate struct {
	Connected bool   `json:"connected"`
	Attempt   int    `json:"attempt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Session owns the realtime connection and every store for the signed-in user.
type Session struct {
	manager       *realtime.Manager
	client        *repository.APIClient
	chat          *ChatStore
	presence      *PresenceStore
	notifications *NotificationStore
	likes         *LikeStore
	updates       *UpdateBroker
	logger        zerolog.Logger

	mu           sync.Mutex
	userID       string
	started      bool
	subscription *realtime.Subscription
	endHooks     []func()
}

// SessionDeps groups the collaborators of a Session.
type SessionDeps struct {
	Manager       *realtime.Manager
	Client        *repository.APIClient
	Chat          *ChatStore
	Presence      *PresenceStore
	Notifications *NotificationStore
	Likes         *LikeStore
	Updates       *UpdateBroker
}

// NewSession wires the stores to the connection manager.
func NewSession(deps SessionDeps, userID string, logger zerolog.Logger) *Session {
	session := &Session{
		manager:       deps.Manager,
		client:        deps.Client,
		chat:          deps.Chat,
		presence:      deps.Presence,
		notifications: deps.Notifications,
		likes:         deps.Likes,
		updates:       deps.Updates,
		logger:        logger.With().Str("component", "session").Logger(),
		userID:        userID,
	}

	if deps.Client != nil {
		deps.Client.OnSessionExpired(func() {
			// the hook may run on a goroutine the connection teardown waits for
			go session.end("session_expired")
		})
	}

	return session
}

// Start restores cached state, attaches every store to the shared connection and loads the
// first pages. Backend failures during the initial load are logged, not returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	userID := s.userID
	s.mu.Unlock()

	s.chat.SetUser(userID)
	s.likes.SetUser(userID)

	if err := s.chat.Warm(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to restore chat snapshot")
	}

	subscription := s.manager.Subscribe("")
	subscription.On(realtime.EventConnect, func(event realtime.Event) {
		connected, _ := event.(realtime.ConnectedEvent)
		s.publish(UpdateConnection, ConnectionUpdate{Connected: true, Attempt: connected.Attempt})
	})
	subscription.On(realtime.EventDisconnect, func(event realtime.Event) {
		disconnected, _ := event.(realtime.DisconnectedEvent)
		s.publish(UpdateConnection, ConnectionUpdate{Connected: false, Reason: disconnected.Reason})
	})
	s.chat.Attach(subscription)
	s.notifications.Attach(subscription)
	s.presence.Attach(subscription)
	subscription.Mount(ctx)

	s.mu.Lock()
	s.subscription = subscription
	s.mu.Unlock()

	if _, err := s.chat.LoadConversations(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial conversation load failed")
	}
	if _, err := s.notifications.Fetch(ctx, 1, 0); err != nil {
		s.logger.Warn().Err(err).Msg("initial notification load failed")
	}

	s.publish(UpdateSession, s.State())
	s.logger.Info().Str("user_id", userID).Msg("session started")
	return nil
}

// Logout tears the connection down and clears credentials and every store.
func (s *Session) Logout() {
	s.end("logout")
}

// OnEnd registers fn to run whenever the session ends, before the stores are cleared. Bridge
// state bound to the signed-in user (watched post rooms) is released there.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endHooks = append(s.endHooks, fn)
}

func (s *Session) end(reason string) {
	s.mu.Lock()
	subscription := s.subscription
	s.subscription = nil
	s.started = false
	userID := s.userID
	hooks := append([]func(){}, s.endHooks...)
	s.mu.Unlock()

	if subscription != nil {
		subscription.Unmount()
	}
	for _, hook := range hooks {
		hook()
	}
	s.manager.Close()
	if s.client != nil {
		s.client.ClearTokens()
	}

	s.chat.Reset()
	s.presence.Reset()
	s.notifications.Reset()
	s.likes.Reset()

	s.publish(UpdateSession, SessionState{UserID: userID, Active: false, Reason: reason, Realtime: string(realtime.StatusDisconnected)})
	s.logger.Info().Str("user_id", userID).Str("reason", reason).Msg("session ended")
}

// State reports the session and connection status.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		UserID:   s.userID,
		Active:   s.started,
		Realtime: string(s.manager.Status()),
	}
}

// Manager exposes the shared connection manager.
func (s *Session) Manager() *realtime.Manager { return s.manager }

// Chat exposes the chat store.
func (s *Session) Chat() *ChatStore { return s.chat }

// Presence exposes the presence store.
func (s *Session) Presence() *PresenceStore { return s.presence }

// Notifications exposes the notification store.
func (s *Session) Notifications() *NotificationStore { return s.notifications }

// Likes exposes the like store.
func (s *Session) Likes() *LikeStore { return s.likes }

func (s *Session) publish(kind UpdateKind, payload interface{}) {
	if s.updates == nil {
		return
	}
	s.updates.Publish(Update{Kind: kind, Payload: payload})
}

// ManagerRooms adapts a realtime.Manager to the Rooms interface.
type ManagerRooms struct {
	Manager *realtime.Manager
}

// Subscribe returns a room subscription on the shared connection.
func (r ManagerRooms) Subscribe(room string) RoomSubscription {
	return r.Manager.Subscribe(room)
}
