package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	mirrorOutboxSize    = 64
	mirrorPublishWindow = 3 * time.Second
)

type mirrorEvent struct {
	Source string    `json:"source"`
	Update Update    `json:"update"`
	SentAt time.Time `json:"sent_at"`
}

// EventMirror republishes local updates on Redis pub/sub and NATS and feeds updates published by
// other daemons into the local broker. Events carrying this node's id are ignored on receipt.
type EventMirror struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	broker       *UpdateBroker
	nodeID       string
	outbox       chan Update
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// NewEventMirror constructs a mirror. Either transport may be nil.
func NewEventMirror(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, broker *UpdateBroker, logger zerolog.Logger) *EventMirror {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase
		subject = strings.ReplaceAll(channelBase, ":", ".")
	}

	return &EventMirror{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		broker:       broker,
		nodeID:       uuid.NewString(),
		outbox:       make(chan Update, mirrorOutboxSize),
		logger:       logger.With().Str("component", "event_mirror").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/ims-sync/internal/service/mirror"),
	}
}

// Enabled reports whether at least one transport is configured.
func (m *EventMirror) Enabled() bool {
	return (m.redis != nil || m.nats != nil) && m.redisChannel != ""
}

// NodeID identifies this daemon on the mirror channels.
func (m *EventMirror) NodeID() string {
	return m.nodeID
}

// Start hooks the mirror into the broker and begins consuming remote updates until ctx ends.
func (m *EventMirror) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}

	m.broker.SetForwarder(m.enqueue)
	go m.drain(ctx)

	if m.redis != nil {
		go m.consumeRedis(ctx)
	}
	if m.nats != nil {
		m.consumeNATS(ctx)
	}
}

func (m *EventMirror) enqueue(update Update) {
	select {
	case m.outbox <- update:
	default:
		m.logger.Warn().Str("kind", string(update.Kind)).Msg("mirror outbox full, dropping update")
	}
}

func (m *EventMirror) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-m.outbox:
			publishCtx, cancel := context.WithTimeout(ctx, mirrorPublishWindow)
			if err := m.Publish(publishCtx, update); err != nil {
				m.logger.Warn().Err(err).Str("kind", string(update.Kind)).Msg("failed to mirror update")
			}
			cancel()
		}
	}
}

// Publish sends update to the configured transports tagged with this node's id.
func (m *EventMirror) Publish(ctx context.Context, update Update) error {
	ctx, span := m.tracer.Start(ctx, "mirror.publish", trace.WithAttributes(
		attribute.String("update.kind", string(update.Kind)),
	))
	defer span.End()

	payload, err := json.Marshal(mirrorEvent{Source: m.nodeID, Update: update, SentAt: time.Now().UTC()})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if m.redis != nil && m.redisChannel != "" {
		if err := m.redis.Publish(ctx, m.redisChannel, payload).Err(); err != nil {
			span.RecordError(err)
			return err
		}
	}

	if m.nats != nil && m.natsSubject != "" {
		if err := m.nats.Publish(m.natsSubject, payload); err != nil {
			span.RecordError(err)
			return err
		}
	}

	return nil
}

func (m *EventMirror) consumeRedis(ctx context.Context) {
	pubsub := m.redis.Subscribe(ctx, m.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return
			}
			m.logger.Error().Err(err).Msg("mirror redis subscription closed")
			return
		}
		m.handle([]byte(msg.Payload))
	}
}

func (m *EventMirror) consumeNATS(ctx context.Context) {
	sub, err := m.nats.Subscribe(m.natsSubject, func(msg *nats.Msg) {
		m.handle(msg.Data)
	})
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to subscribe to nats mirror subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to drain mirror nats subscription")
		}
	}()
}

func (m *EventMirror) handle(payload []byte) {
	var event mirrorEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.logger.Warn().Err(err).Msg("invalid mirror event payload")
		return
	}

	if event.Source == m.nodeID || event.Update.Kind == "" {
		return
	}

	m.broker.deliver(event.Update)
}
