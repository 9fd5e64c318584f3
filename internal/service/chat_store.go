package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/models"
	"github.com/noah-isme/ims-sync/internal/observability"
	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/repository"
)

const snapshotWriteTimeout = 2 * time.Second

var (
	// ErrEmptyMessage is returned when a message has no text left after sanitization.
	ErrEmptyMessage = errors.New("message text empty after sanitization")
	// ErrMessageNotFound is returned when no message matches a client id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageNotFailed is returned when retrying a message that did not fail.
	ErrMessageNotFailed = errors.New("only failed messages can be retried")
)

type conversationState struct {
	conversation models.Conversation
	messages     []models.Message
	// optimistic timestamps of own sends, restored when a guessed echo match is undone
	sentAt map[string]time.Time
}

// ChatStore keeps the reconciled conversation and message state. Sent messages are shown
// immediately as pending and confirmed in place once the backend or the realtime echo answers.
type ChatStore struct {
	repo      repository.ChatRepository
	snapshots repository.SnapshotRepository
	updates   UpdatePublisher
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu            sync.Mutex
	userID        string
	emitter       Emitter
	conversations map[string]*conversationState
	active        string
}

// NewChatStore constructs a chat store. snapshots may be nil.
func NewChatStore(repo repository.ChatRepository, snapshots repository.SnapshotRepository, updates UpdatePublisher, logger zerolog.Logger) *ChatStore {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &ChatStore{
		repo:          repo,
		snapshots:     snapshots,
		updates:       updates,
		sanitizer:     sanitizer,
		logger:        logger.With().Str("component", "chat_store").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/ims-sync/internal/service/chat"),
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]*conversationState),
	}
}

// SetUser sets the id of the signed-in user.
func (s *ChatStore) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// Attach registers the store's realtime handlers and keeps source for read receipts.
func (s *ChatStore) Attach(source EventSource) {
	s.mu.Lock()
	s.emitter = source
	s.mu.Unlock()

	source.On(realtime.EventNewMessage, func(event realtime.Event) {
		if message, ok := event.(realtime.NewMessageEvent); ok {
			s.HandleNewMessage(message.Message)
		}
	})
	source.On(realtime.EventMessageRead, func(event realtime.Event) {
		if read, ok := event.(realtime.MessageReadEvent); ok {
			s.HandleMessageRead(read.ConversationID, read.ReaderID)
		}
	})
	source.On(realtime.EventConnect, func(realtime.Event) {
		// receipts that could not be delivered while offline go out now
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active != "" {
			s.markActiveRead(active)
		}
	})
}

// Warm seeds conversations and messages from the local snapshot cache.
func (s *ChatStore) Warm(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}

	conversations, err := s.snapshots.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversation snapshot: %w", err)
	}

	for _, conversation := range conversations {
		messages, err := s.snapshots.LoadMessages(ctx, conversation.ID, 0)
		if err != nil {
			return fmt.Errorf("load message snapshot %s: %w", conversation.ID, err)
		}

		s.mu.Lock()
		state := s.ensureConversationLocked(conversation.ID)
		if len(state.conversation.Participants) == 0 {
			state.conversation = conversation
		}
		if len(state.messages) == 0 {
			state.messages = messages
		}
		s.mu.Unlock()
	}

	s.logger.Debug().Int("conversations", len(conversations)).Msg("chat snapshot restored")
	return nil
}

// LoadConversations fetches the conversation list and merges it into the store.
func (s *ChatStore) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "chat.load_conversations")
	defer span.End()

	payloads, err := s.repo.ListConversations(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list conversations failed")
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	s.mu.Lock()
	for _, payload := range payloads {
		incoming := dto.NewConversationModel(payload)
		state := s.ensureConversationLocked(incoming.ID)
		state.conversation.Participants = incoming.Participants
		if incoming.UpdatedAt.After(state.conversation.UpdatedAt) {
			state.conversation.UpdatedAt = incoming.UpdatedAt
		}
		if incoming.LastMessage != nil && (state.conversation.LastMessage == nil ||
			!incoming.LastMessage.CreatedAt.Before(state.conversation.LastMessage.CreatedAt)) {
			state.conversation.LastMessage = incoming.LastMessage
			state.conversation.LastMessageID = incoming.LastMessageID
		}
	}
	conversations := s.conversationsLocked()
	s.mu.Unlock()

	if s.snapshots != nil {
		if err := s.snapshots.SaveConversations(ctx, conversations); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist conversation snapshot")
		}
	}

	s.publish(UpdateConversations, conversations)
	return conversations, nil
}

// Conversations returns the known conversations, most recently updated first.
func (s *ChatStore) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

// LoadMessages fetches a page of history and merges it by server id. Unknown messages older
// than the local history are placed in front of it, newer ones are appended.
func (s *ChatStore) LoadMessages(ctx context.Context, conversationID string, page, limit int) ([]models.Message, dto.PageMeta, error) {
	ctx, span := s.tracer.Start(ctx, "chat.load_messages", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.Int("chat.page", page),
	))
	defer span.End()

	if page <= 0 {
		page = 1
	}

	list, err := s.repo.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list messages failed")
		return nil, dto.PageMeta{}, fmt.Errorf("list messages: %w", err)
	}

	s.mu.Lock()
	state := s.ensureConversationLocked(conversationID)
	fresh := make([]models.Message, 0)
	for _, payload := range list.Entries() {
		incoming := dto.NewMessageModel(payload)
		incoming.ConversationID = conversationID
		if idx := indexByServerID(state.messages, incoming.ID); idx >= 0 {
			mergeSeenBy(&state.messages[idx], incoming.SeenBy)
			continue
		}
		if payload.ClientID != "" {
			if idx := indexByClientID(state.messages, payload.ClientID); idx >= 0 {
				confirmInPlace(&state.messages[idx], incoming)
				continue
			}
		}
		fresh = append(fresh, incoming)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })

	var head, tail []models.Message
	for _, message := range fresh {
		if len(state.messages) > 0 && message.CreatedAt.Before(state.messages[0].CreatedAt) {
			head = append(head, message)
		} else {
			tail = append(tail, message)
		}
	}
	merged := make([]models.Message, 0, len(head)+len(state.messages)+len(tail))
	merged = append(merged, head...)
	merged = append(merged, state.messages...)
	merged = append(merged, tail...)
	state.messages = merged
	s.touchConversationLocked(state)

	messages := cloneMessages(state.messages)
	active := s.active
	s.mu.Unlock()

	s.persist(ctx, conversationID, messages)
	s.publish(UpdateMessage, MessagesUpdate{ConversationID: conversationID, Messages: messages})
	if active == conversationID {
		s.markActiveRead(conversationID)
	}

	meta := dto.PageMeta{
		CurrentPage: list.Pagination.CurrentPage,
		TotalPages:  list.Pagination.TotalPages,
		Total:       list.Pagination.Total,
		Limit:       list.Pagination.Limit,
		HasMore:     list.Pagination.HasMore(),
	}
	return messages, meta, nil
}

// Messages returns a copy of the conversation's messages in display order.
func (s *ChatStore) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.conversations[conversationID]
	if !ok {
		return []models.Message{}
	}
	return cloneMessages(state.messages)
}

// SetActive marks conversationID as the one on screen and sends a read receipt when due.
// An empty id clears the active conversation.
func (s *ChatStore) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	if conversationID != "" {
		s.ensureConversationLocked(conversationID)
	}
	s.mu.Unlock()

	if conversationID != "" {
		s.markActiveRead(conversationID)
	}
}

// Active returns the conversation on screen.
func (s *ChatStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send appends a pending message and delivers it to the backend. On failure the entry stays
// in the list as failed and the error is returned.
func (s *ChatStore) Send(ctx context.Context, conversationID, text string) (models.Message, error) {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(text))
	if clean == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("conversation id is required")
	}

	s.mu.Lock()
	state := s.ensureConversationLocked(conversationID)
	pending := models.Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       s.userID,
		Text:           clean,
		SeenBy:         datatypes.JSONSlice[string]{},
		State:          models.MessageStatePending,
		CreatedAt:      s.now(),
	}
	state.messages = append(state.messages, pending)
	state.sentAt[pending.ClientID] = pending.CreatedAt
	s.touchConversationLocked(state)
	s.mu.Unlock()

	s.publish(UpdateMessage, MessagesUpdate{ConversationID: conversationID, Messages: []models.Message{pending}})

	return s.deliver(ctx, pending)
}

// Retry re-sends a failed message under its original client id.
func (s *ChatStore) Retry(ctx context.Context, clientID string) (models.Message, error) {
	s.mu.Lock()
	state, idx := s.findByClientIDLocked(clientID)
	if idx < 0 {
		s.mu.Unlock()
		return models.Message{}, ErrMessageNotFound
	}
	message := &state.messages[idx]
	if message.State != models.MessageStateFailed {
		s.mu.Unlock()
		return models.Message{}, ErrMessageNotFailed
	}
	message.State = models.MessageStatePending
	pending := *message
	s.mu.Unlock()

	s.publish(UpdateMessage, MessagesUpdate{ConversationID: pending.ConversationID, Messages: []models.Message{pending}})

	return s.deliver(ctx, pending)
}

func (s *ChatStore) deliver(ctx context.Context, pending models.Message) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", pending.ConversationID),
		attribute.String("chat.client_id", pending.ClientID),
	))
	defer span.End()

	s.mu.Lock()
	receiver := ""
	if state, ok := s.conversations[pending.ConversationID]; ok {
		receiver = otherParticipant(state.conversation, pending.SenderID)
	}
	s.mu.Unlock()

	confirmed, err := s.repo.SendMessage(ctx, dto.SendMessageRequest{
		ConversationID: pending.ConversationID,
		ReceiverID:     receiver,
		ClientID:       pending.ClientID,
		Text:           pending.Text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")

		failed, marked := s.markFailed(pending.ClientID)
		if marked {
			observability.OptimisticRollbacks().WithLabelValues("chat").Inc()
			s.publish(UpdateMessage, MessagesUpdate{ConversationID: failed.ConversationID, Messages: []models.Message{failed}})
			s.logger.Warn().Err(err).Str("client_id", pending.ClientID).Msg("message send failed")
			return failed, fmt.Errorf("send message: %w", err)
		}
		// the realtime echo already confirmed it
		return failed, nil
	}

	confirmed.ClientID = pending.ClientID
	message := s.reconcile(confirmed)
	return message, nil
}

func (s *ChatStore) markFailed(clientID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, idx := s.findByClientIDLocked(clientID)
	if idx < 0 {
		return models.Message{}, false
	}
	message := &state.messages[idx]
	if message.State != models.MessageStatePending {
		return *message, false
	}
	message.State = models.MessageStateFailed
	return *message, true
}

// HandleNewMessage reconciles a newMessage event: own echoes confirm their pending entry,
// duplicates merge, anything else is appended.
func (s *ChatStore) HandleNewMessage(payload dto.MessagePayload) {
	message := s.reconcile(payload)

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active == message.ConversationID {
		s.markActiveRead(active)
	}
}

func (s *ChatStore) reconcile(payload dto.MessagePayload) models.Message {
	incoming := dto.NewMessageModel(payload)

	s.mu.Lock()
	state := s.ensureConversationLocked(incoming.ConversationID)
	if len(state.conversation.Participants) == 0 {
		participants := []string{incoming.SenderID}
		if s.userID != "" && s.userID != incoming.SenderID {
			participants = append(participants, s.userID)
		}
		state.conversation.Participants = datatypes.JSONSlice[string](participants)
	}

	byServer := indexByServerID(state.messages, incoming.ID)
	byClient := -1
	if payload.ClientID != "" {
		byClient = indexByClientID(state.messages, payload.ClientID)
	}
	if byClient < 0 && incoming.SenderID == s.userID && byServer < 0 {
		byClient = indexOwnPending(state.messages, incoming.SenderID, incoming.Text)
	}

	var result models.Message
	switch {
	case byClient >= 0 && byServer >= 0 && byClient != byServer && guessedMatch(state.messages[byServer]):
		// an echo without client id confirmed the wrong send of the same text; hand the server
		// attributes to their owner and put the other send back to pending
		owner := &state.messages[byClient]
		confirmInPlace(owner, state.messages[byServer])
		confirmInPlace(owner, incoming)
		revertToPending(&state.messages[byServer], state.sentAt)
		result = *owner
	case byClient >= 0 && byServer >= 0 && byClient != byServer:
		// the echo was appended before its request returned; fold it into the original entry
		confirmInPlace(&state.messages[byClient], state.messages[byServer])
		confirmInPlace(&state.messages[byClient], incoming)
		result = state.messages[byClient]
		state.messages = append(state.messages[:byServer], state.messages[byServer+1:]...)
	case byClient >= 0:
		confirmInPlace(&state.messages[byClient], incoming)
		result = state.messages[byClient]
	case byServer >= 0:
		mergeSeenBy(&state.messages[byServer], incoming.SeenBy)
		result = state.messages[byServer]
	default:
		state.messages = append(state.messages, incoming)
		result = incoming
	}

	if payload.ClientID != "" {
		delete(state.sentAt, payload.ClientID)
	}

	if last := state.conversation.LastMessage; last == nil || !result.CreatedAt.Before(last.CreatedAt) {
		lastMessage := result
		state.conversation.LastMessage = &lastMessage
		state.conversation.LastMessageID = result.ID
	}
	s.touchConversationLocked(state)
	messages := cloneMessages(state.messages)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
	s.persist(ctx, result.ConversationID, messages)
	cancel()

	s.publish(UpdateMessage, MessagesUpdate{ConversationID: result.ConversationID, Messages: []models.Message{result}})
	return result
}

// HandleMessageRead appends readerID to the seen-by set of the latest messages of the
// conversation that readerID did not send, walking back until one it had already seen.
func (s *ChatStore) HandleMessageRead(conversationID, readerID string) {
	if conversationID == "" || readerID == "" {
		return
	}

	s.mu.Lock()
	state, ok := s.conversations[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	changed := applyRead(state.messages, readerID)
	s.mu.Unlock()

	if changed == 0 {
		return
	}

	s.publish(UpdateMessageRead, dto.MessageReadPayload{ConversationID: conversationID, ReaderID: readerID})
}

// markActiveRead emits messageRead for the active conversation when its last message came from
// somebody else and the current user has not seen it. The local seen-by update acts as the
// guard and is applied only when the frame was handed to the connection.
func (s *ChatStore) markActiveRead(conversationID string) {
	s.mu.Lock()
	userID := s.userID
	emitter := s.emitter
	state, ok := s.conversations[conversationID]
	if !ok || emitter == nil || userID == "" || len(state.messages) == 0 {
		s.mu.Unlock()
		return
	}
	last := lastConfirmed(state.messages)
	if last == nil || last.SenderID == userID || last.SeenByUser(userID) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !emitter.Emit(realtime.EventMessageRead, dto.MessageReadPayload{ConversationID: conversationID, ReaderID: userID}) {
		return
	}

	s.HandleMessageRead(conversationID, userID)
}

// Reset forgets every conversation; used on logout.
func (s *ChatStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*conversationState)
	s.active = ""
	s.userID = ""
}

func (s *ChatStore) persist(ctx context.Context, conversationID string, messages []models.Message) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.SaveMessages(ctx, conversationID, messages); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to persist message snapshot")
	}
}

func (s *ChatStore) publish(kind UpdateKind, payload interface{}) {
	if s.updates == nil {
		return
	}
	s.updates.Publish(Update{Kind: kind, Payload: payload})
}

func (s *ChatStore) ensureConversationLocked(conversationID string) *conversationState {
	state, ok := s.conversations[conversationID]
	if !ok {
		state = &conversationState{
			conversation: models.Conversation{ID: conversationID, Participants: datatypes.JSONSlice[string]{}},
			messages:     make([]models.Message, 0),
			sentAt:       make(map[string]time.Time),
		}
		s.conversations[conversationID] = state
	}
	return state
}

func (s *ChatStore) touchConversationLocked(state *conversationState) {
	if n := len(state.messages); n > 0 {
		if latest := state.messages[n-1].CreatedAt; latest.After(state.conversation.UpdatedAt) {
			state.conversation.UpdatedAt = latest
		}
	}
}

func (s *ChatStore) conversationsLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, state := range s.conversations {
		conversation := state.conversation
		if conversation.LastMessage != nil {
			last := *conversation.LastMessage
			conversation.LastMessage = &last
		}
		out = append(out, conversation)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *ChatStore) findByClientIDLocked(clientID string) (*conversationState, int) {
	for _, state := range s.conversations {
		if idx := indexByClientID(state.messages, clientID); idx >= 0 {
			return state, idx
		}
	}
	return nil, -1
}

// MessagesUpdate is the payload of chat.message updates.
type MessagesUpdate struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
}

func applyRead(messages []models.Message, readerID string) int {
	changed := 0
	for i := len(messages) - 1; i >= 0; i-- {
		message := &messages[i]
		if message.SenderID == readerID || message.State != models.MessageStateConfirmed {
			continue
		}
		if message.SeenByUser(readerID) {
			break
		}
		message.SeenBy = append(message.SeenBy, readerID)
		changed++
	}
	return changed
}

func confirmInPlace(target *models.Message, incoming models.Message) {
	if incoming.ID != "" {
		target.ID = incoming.ID
	}
	if !incoming.CreatedAt.IsZero() {
		target.CreatedAt = incoming.CreatedAt
	}
	if incoming.SenderName != "" {
		target.SenderName = incoming.SenderName
	}
	if incoming.SenderAvatar != "" {
		target.SenderAvatar = incoming.SenderAvatar
	}
	target.State = models.MessageStateConfirmed
	mergeSeenBy(target, incoming.SeenBy)
}

// guessedMatch reports whether an entry holding a server id is a local send rather than an echo
// appended under that id. When another send's response claims the id, the sender and text
// fallback picked the wrong entry.
func guessedMatch(message models.Message) bool {
	return message.ID != "" && message.ClientID != message.ID
}

func revertToPending(message *models.Message, sentAt map[string]time.Time) {
	message.ID = ""
	message.State = models.MessageStatePending
	message.SeenBy = datatypes.JSONSlice[string]{}
	if at, ok := sentAt[message.ClientID]; ok {
		message.CreatedAt = at
	}
}

func mergeSeenBy(target *models.Message, seen []string) {
	for _, id := range seen {
		if id != "" && !target.SeenByUser(id) {
			target.SeenBy = append(target.SeenBy, id)
		}
	}
}

func indexByServerID(messages []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByClientID(messages []models.Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range messages {
		if messages[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// indexOwnPending matches an echo that lost its client id to the oldest pending entry of the
// same sender with the same text.
func indexOwnPending(messages []models.Message, senderID, text string) int {
	for i := range messages {
		message := messages[i]
		if message.State == models.MessageStatePending && message.SenderID == senderID && message.Text == text {
			return i
		}
	}
	return -1
}

func lastConfirmed(messages []models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].State == models.MessageStateConfirmed {
			return &messages[i]
		}
	}
	return nil
}

func otherParticipant(conversation models.Conversation, userID string) string {
	for _, id := range conversation.Participants {
		if id != userID {
			return id
		}
	}
	return ""
}

func cloneMessages(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, message := range messages {
		message.SeenBy = append(datatypes.JSONSlice[string]{}, message.SeenBy...)
		out[i] = message
	}
	return out
}
