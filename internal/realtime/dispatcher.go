package realtime

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives decoded events. Handlers run one at a time on the socket's read goroutine.
type Handler func(Event)

type dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind]map[uint64]Handler
	logger   zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[EventKind]map[uint64]Handler),
		logger:   logger,
	}
}

// on registers handler for kind and returns a function removing exactly that registration.
func (d *dispatcher) on(kind EventKind, handler Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.handlers[kind]; !ok {
		d.handlers[kind] = make(map[uint64]Handler)
	}
	d.handlers[kind][id] = handler
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if handlers, ok := d.handlers[kind]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(d.handlers, kind)
				}
			}
		})
	}
}

func (d *dispatcher) count(kind EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// dispatch calls the handlers registered for the event in registration order.
func (d *dispatcher) dispatch(event Event) {
	d.mu.RLock()
	registered := d.handlers[event.Kind()]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	d.mu.RUnlock()

	for _, handler := range handlers {
		d.invoke(event, handler)
	}
}

func (d *dispatcher) invoke(event Event, handler Handler) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error().Interface("panic", recovered).Str("event", string(event.Kind())).Msg("realtime handler panicked")
		}
	}()
	handler(event)
}
