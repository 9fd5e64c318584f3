package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/ims-sync/internal/models"
)

// SnapshotRepository caches the last reconciled chat state locally so the chat store can render
// history before the backend answers. It never stores pending messages.
type SnapshotRepository interface {
	Migrate(ctx context.Context) error
	SaveConversations(ctx context.Context, conversations []models.Conversation) error
	SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error
	LoadConversations(ctx context.Context) ([]models.Conversation, error)
	LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	Clear(ctx context.Context) error
}

type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository constructs a snapshot repository backed by GORM.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

func (r *snapshotRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&models.Conversation{}, &models.Message{}); err != nil {
		return fmt.Errorf("migrate snapshot store: %w", err)
	}
	return nil
}

func (r *snapshotRepository) SaveConversations(ctx context.Context, conversations []models.Conversation) error {
	if len(conversations) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"participants", "last_message_id", "updated_at"}),
	}).Create(&conversations).Error
}

func (r *snapshotRepository) SaveMessages(ctx context.Context, conversationID string, messages []models.Message) error {
	confirmed := make([]models.Message, 0, len(messages))
	for i, message := range messages {
		if message.State != models.MessageStateConfirmed || message.ConversationID != conversationID {
			continue
		}
		message.Position = i
		confirmed = append(confirmed, message)
	}
	if len(confirmed) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"id", "seen_by", "state", "position", "created_at"}),
	}).Create(&confirmed).Error
}

func (r *snapshotRepository) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&conversations).Error; err != nil {
		return nil, err
	}

	lastIDs := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		if conversation.LastMessageID != "" {
			lastIDs = append(lastIDs, conversation.LastMessageID)
		}
	}
	if len(lastIDs) == 0 {
		return conversations, nil
	}

	var last []models.Message
	if err := r.db.WithContext(ctx).Where("id IN ?", lastIDs).Find(&last).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]models.Message, len(last))
	for _, message := range last {
		byID[message.ID] = message
	}
	for i := range conversations {
		if message, ok := byID[conversations[i].LastMessageID]; ok {
			message := message
			conversations[i].LastMessage = &message
		}
	}
	return conversations, nil
}

func (r *snapshotRepository) LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	var messages []models.Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("position DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *snapshotRepository) Clear(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Conversation{}).Error
	})
}
