package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/observability"
)

const defaultSendBuffer = 64

// Status is the connection status of the shared socket.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Config configures the connection manager.
type Config struct {
	URL string
	// Header is evaluated on every dial so refreshed credentials are picked up on reconnect.
	Header       func() http.Header
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	SendBuffer   int
	PingInterval time.Duration
}

// Manager owns the single realtime connection of a client session. Feature modules share it
// through Subscriptions and never create transports of their own.
type Manager struct {
	cfg        Config
	transport  Transport
	decoder    *Decoder
	dispatcher *dispatcher
	rooms      *roomRegistry
	logger     zerolog.Logger

	mu        sync.Mutex
	socket    *Socket
	listeners sync.Once

	// roomMu serialises reference counting with join/leave emission.
	roomMu sync.Mutex
}

// NewManager builds a manager. No connection is made until Initialize.
func NewManager(cfg Config, transport Transport, logger zerolog.Logger) (*Manager, error) {
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	if transport == nil {
		transport = NewWebsocketTransport(0)
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingPeriod
	}

	component := logger.With().Str("component", "realtime_manager").Logger()

	return &Manager{
		cfg:        cfg,
		transport:  transport,
		decoder:    decoder,
		dispatcher: newDispatcher(component),
		rooms:      newRoomRegistry(),
		logger:     component,
	}, nil
}

// Initialize returns the live socket, creating it and starting its connect loop when none exists
// or the previous one was closed. Safe to call from every consumer.
func (m *Manager) Initialize(ctx context.Context) *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.socket != nil && !m.socket.Closed() {
		return m.socket
	}

	m.listeners.Do(m.registerListeners)

	if ctx == nil {
		ctx = context.Background()
	}
	socketCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	socket := &Socket{
		manager: m,
		ctx:     socketCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		joined:  make(map[string]struct{}),
	}
	m.socket = socket

	go socket.run()

	return socket
}

// Socket returns the current socket, or nil when Initialize has not been called since the last Close.
func (m *Manager) Socket() *Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

// Connected reports whether a transport connection is currently established.
func (m *Manager) Connected() bool {
	socket := m.Socket()
	return socket != nil && socket.Connected()
}

// Status reports the connection status.
func (m *Manager) Status() Status {
	if m.Connected() {
		return StatusConnected
	}
	return StatusDisconnected
}

// On registers handler for kind. Every call yields an independent registration and its own unsubscribe.
func (m *Manager) On(kind EventKind, handler Handler) func() {
	return m.dispatcher.on(kind, handler)
}

// Emit sends an event when connected and silently drops it otherwise. The result only says whether
// the frame was handed to the writer; delivery is never guaranteed.
func (m *Manager) Emit(kind EventKind, payload interface{}) bool {
	socket := m.Socket()
	if socket == nil {
		observability.RealtimeDroppedEmits().WithLabelValues(string(kind)).Inc()
		return false
	}
	return socket.Emit(kind, payload)
}

// JoinRoom records interest in room; the join is emitted only for the first interested subscriber.
func (m *Manager) JoinRoom(room string) {
	room = NormalizeRoom(room)
	if room == "" {
		return
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	if !m.rooms.acquire(room) {
		return
	}
	if socket := m.Socket(); socket != nil {
		socket.joinRoom(room)
	}
}

// LeaveRoom drops interest in room; the leave is emitted when the last subscriber is gone and
// only if the room was joined on the current connection.
func (m *Manager) LeaveRoom(room string) {
	room = NormalizeRoom(room)
	if room == "" {
		return
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	if !m.rooms.release(room) {
		return
	}
	if socket := m.Socket(); socket != nil {
		socket.leaveRoom(room)
	}
}

// RoomRefs returns the number of subscribers interested in room.
func (m *Manager) RoomRefs(room string) int {
	return m.rooms.refs(NormalizeRoom(room))
}

// Close tears the connection down (logout, shutdown). It must not be called from an event handler.
func (m *Manager) Close() {
	m.mu.Lock()
	socket := m.socket
	m.socket = nil
	m.mu.Unlock()

	m.roomMu.Lock()
	m.rooms.reset()
	m.roomMu.Unlock()

	if socket != nil {
		socket.close()
	}
}

// Subscribe creates a per-feature subscription, optionally tied to a room.
func (m *Manager) Subscribe(room string) *Subscription {
	return &Subscription{manager: m, room: NormalizeRoom(room)}
}

func (m *Manager) registerListeners() {
	m.dispatcher.on(EventConnect, func(event Event) {
		connected, ok := event.(ConnectedEvent)
		if !ok || connected.socket == nil {
			return
		}
		observability.RealtimeConnected().Set(1)
		m.logger.Info().Int("attempt", connected.Attempt).Msg("realtime connected")

		m.roomMu.Lock()
		defer m.roomMu.Unlock()
		for _, room := range m.rooms.active() {
			connected.socket.joinRoom(room)
		}
	})

	m.dispatcher.on(EventDisconnect, func(event Event) {
		observability.RealtimeConnected().Set(0)
		observability.RealtimeRoomsJoined().Set(0)
		if disconnected, ok := event.(DisconnectedEvent); ok {
			m.logger.Warn().Str("reason", disconnected.Reason).Msg("realtime disconnected")
		}
	})
}

// Socket is one connect/reconnect loop over the transport. Rooms joined are tracked per established
// connection and reset whenever it drops.
type Socket struct {
	manager *Manager
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool

	mu        sync.RWMutex
	conn      Conn
	send      chan []byte
	connected bool
	joined    map[string]struct{}
}

// Connected reports whether the socket currently holds an established connection.
func (s *Socket) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Closed reports whether the socket was torn down.
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// JoinedRooms lists rooms joined on the current connection.
func (s *Socket) JoinedRooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]string, 0, len(s.joined))
	for room := range s.joined {
		rooms = append(rooms, room)
	}
	return rooms
}

// Emit sends an event if connected; otherwise it is a silent no-op.
func (s *Socket) Emit(kind EventKind, payload interface{}) bool {
	frame, err := Encode(kind, payload)
	if err != nil {
		s.manager.logger.Warn().Err(err).Str("event", string(kind)).Msg("dropping unencodable emit")
		observability.RealtimeDroppedEmits().WithLabelValues(string(kind)).Inc()
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enqueueLocked(kind, frame)
}

// enqueueLocked must be called with s.mu held (read or write).
func (s *Socket) enqueueLocked(kind EventKind, frame []byte) bool {
	if !s.connected || s.send == nil {
		observability.RealtimeDroppedEmits().WithLabelValues(string(kind)).Inc()
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.manager.logger.Debug().Str("event", string(kind)).Msg("send buffer full, dropping emit")
		observability.RealtimeDroppedEmits().WithLabelValues(string(kind)).Inc()
		return false
	}
}

func (s *Socket) joinRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.joined[room]; ok {
		return false
	}
	frame, err := Encode(EventJoinRoom, dto.RoomPayload{Room: room})
	if err != nil {
		return false
	}
	if !s.enqueueLocked(EventJoinRoom, frame) {
		return false
	}
	s.joined[room] = struct{}{}
	observability.RealtimeRoomsJoined().Set(float64(len(s.joined)))
	return true
}

func (s *Socket) leaveRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.joined[room]; !ok {
		return false
	}
	delete(s.joined, room)
	observability.RealtimeRoomsJoined().Set(float64(len(s.joined)))

	frame, err := Encode(EventLeaveRoom, dto.RoomPayload{Room: room})
	if err != nil {
		return false
	}
	return s.enqueueLocked(EventLeaveRoom, frame)
}

func (s *Socket) run() {
	defer close(s.done)

	cfg := s.manager.cfg
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.MinBackoff
	policy.MaxInterval = cfg.MaxBackoff
	policy.Reset()

	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}

		attempt++
		if attempt > 1 {
			observability.RealtimeReconnects().Inc()
		}

		var header http.Header
		if cfg.Header != nil {
			header = cfg.Header()
		}

		conn, err := s.manager.transport.Dial(s.ctx, cfg.URL, header)
		if err != nil {
			s.manager.logger.Warn().Err(err).Int("attempt", attempt).Msg("realtime dial failed")
		} else {
			policy.Reset()
			s.serve(conn, attempt)
			attempt = 0
		}

		if s.ctx.Err() != nil {
			return
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop || wait <= 0 {
			wait = cfg.MaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Socket) serve(conn Conn, attempt int) {
	send := make(chan []byte, s.manager.cfg.SendBuffer)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.send = send
	s.connected = true
	s.joined = make(map[string]struct{})
	s.mu.Unlock()

	writerDone := make(chan struct{})
	go s.writer(conn, send, writerDone)

	s.manager.dispatcher.dispatch(ConnectedEvent{Attempt: attempt, socket: s})

	reason := "connection closed"
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			reason = err.Error()
			break
		}

		event, err := s.manager.decoder.Decode(frame)
		if err != nil {
			observability.RealtimeRejected().WithLabelValues(rejectReason(err)).Inc()
			s.manager.logger.Debug().Err(err).Msg("rejected realtime frame")
			continue
		}

		observability.RealtimeEvents().WithLabelValues(string(event.Kind())).Inc()
		s.manager.dispatcher.dispatch(event)
	}

	s.mu.Lock()
	s.connected = false
	s.conn = nil
	s.send = nil
	s.joined = make(map[string]struct{})
	close(send)
	s.mu.Unlock()

	_ = conn.Close()
	<-writerDone

	if s.closed.Load() {
		reason = "closed by client"
	}
	s.manager.dispatcher.dispatch(DisconnectedEvent{Reason: reason})
}

func (s *Socket) writer(conn Conn, send <-chan []byte, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.manager.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(frame); err != nil {
				s.manager.logger.Debug().Err(err).Msg("realtime write failed")
				_ = conn.Close()
				for range send {
				}
				return
			}
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				s.manager.logger.Debug().Err(err).Msg("realtime ping failed")
				_ = conn.Close()
				for range send {
				}
				return
			}
		}
	}
}

func (s *Socket) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}

	<-s.done
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "decode_error"
	}
}
