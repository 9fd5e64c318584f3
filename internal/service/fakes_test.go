package service

import (
	"context"
	"sync"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/realtime"
)

type emission struct {
	kind    realtime.EventKind
	payload interface{}
}

type fakeSource struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	handlers  map[realtime.EventKind]map[int]realtime.Handler
	emitted   []emission
	mounts    int
	unmounts  int
}

func newFakeSource(connected bool) *fakeSource {
	return &fakeSource{
		connected: connected,
		handlers:  make(map[realtime.EventKind]map[int]realtime.Handler),
	}
}

func (f *fakeSource) On(kind realtime.EventKind, handler realtime.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[kind] == nil {
		f.handlers[kind] = make(map[int]realtime.Handler)
	}
	f.handlers[kind][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[kind], id)
	}
}

func (f *fakeSource) Emit(kind realtime.EventKind, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.emitted = append(f.emitted, emission{kind: kind, payload: payload})
	return true
}

func (f *fakeSource) Mount(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts++
}

func (f *fakeSource) Unmount() {
	f.mu.Lock()
	f.unmounts++
	f.handlers = make(map[realtime.EventKind]map[int]realtime.Handler)
	f.mu.Unlock()
}

func (f *fakeSource) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeSource) fire(event realtime.Event) {
	f.mu.Lock()
	handlers := make([]realtime.Handler, 0, len(f.handlers[event.Kind()]))
	for _, handler := range f.handlers[event.Kind()] {
		handlers = append(handlers, handler)
	}
	f.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (f *fakeSource) emissions(kind realtime.EventKind) []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]emission, 0)
	for _, e := range f.emitted {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]*fakeSource
}

func (r *fakeRooms) Subscribe(room string) RoomSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms == nil {
		r.rooms = make(map[string]*fakeSource)
	}
	source := newFakeSource(true)
	r.rooms[room] = source
	return source
}

func (r *fakeRooms) room(name string) *fakeSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[name]
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []Update
}

func (p *recordingPublisher) Publish(update Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *recordingPublisher) kinds() []UpdateKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]UpdateKind, 0, len(p.updates))
	for _, update := range p.updates {
		out = append(out, update.Kind)
	}
	return out
}

type stubChatRepository struct {
	mu            sync.Mutex
	conversations []dto.ConversationPayload
	pages         map[int]dto.ListResponse[dto.MessagePayload]
	sendFn        func(ctx context.Context, req dto.SendMessageRequest) (dto.MessagePayload, error)
	sent          []dto.SendMessageRequest
}

func (s *stubChatRepository) ListConversations(context.Context) ([]dto.ConversationPayload, error) {
	return s.conversations, nil
}

func (s *stubChatRepository) ListMessages(_ context.Context, _ string, page, _ int) (dto.ListResponse[dto.MessagePayload], error) {
	return s.pages[page], nil
}

func (s *stubChatRepository) SendMessage(ctx context.Context, req dto.SendMessageRequest) (dto.MessagePayload, error) {
	s.mu.Lock()
	s.sent = append(s.sent, req)
	fn := s.sendFn
	s.mu.Unlock()
	return fn(ctx, req)
}

func (s *stubChatRepository) sentRequests() []dto.SendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dto.SendMessageRequest(nil), s.sent...)
}
