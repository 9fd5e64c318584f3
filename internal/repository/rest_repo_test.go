package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ims-sync/internal/dto"
)

func TestNotificationRepositoryListReadsPagination(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/notifications", r.URL.Path)
		require.Equal(t, "3", r.URL.Query().Get("page"))
		require.Equal(t, "15", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"items": []map[string]interface{}{
					{"id": "n31", "type": "like", "message": "liked your post"},
				},
				"pagination": map[string]int{"currentPage": 3, "totalPages": 3, "total": 31, "limit": 15},
			},
		})
	}, "access", "")

	list, err := NewNotificationRepository(client).List(context.Background(), 3, 15)
	require.NoError(t, err)
	require.Len(t, list.Entries(), 1)
	require.Equal(t, "n31", list.Entries()[0].ID)
	require.Equal(t, 31, list.Pagination.Total)
	require.False(t, list.Pagination.HasMore())
}

func TestNotificationRepositoryMutations(t *testing.T) {
	seen := make([]string, 0)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		switch r.URL.Path {
		case "/api/notifications/n1/read":
			writeJSON(w, http.StatusOK, map[string]interface{}{"id": "n1", "type": "comment", "message": "hi", "read": true})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}, "access", "")

	repo := NewNotificationRepository(client)
	ctx := context.Background()

	notification, err := repo.MarkRead(ctx, "n1")
	require.NoError(t, err)
	require.True(t, notification.Read)
	require.NoError(t, repo.MarkAllRead(ctx))
	require.NoError(t, repo.Delete(ctx, "n2"))
	require.Error(t, repo.Delete(ctx, ""))

	require.Equal(t, []string{
		"PATCH /api/notifications/n1/read",
		"PATCH /api/notifications/read-all",
		"DELETE /api/notifications/n2",
	}, seen)
}

func TestChatRepositoryAcceptsBareConversationArrays(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "c1", "participants": []string{"a", "b"}},
			{"id": "c2", "participants": []string{"a", "c"}},
		})
	}, "access", "")

	conversations, err := NewChatRepository(client, validator.New()).ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	require.Equal(t, []string{"a", "b"}, conversations[0].Participants)
}

func TestChatRepositorySendMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat/messages", r.URL.Path)

		var req dto.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"success": true,
			"data": dto.MessagePayload{
				ID:             "m1",
				ClientID:       req.ClientID,
				ConversationID: req.ConversationID,
				Sender:         dto.UserPayload{ID: "a"},
				Text:           req.Text,
				CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			},
		})
	}, "access", "")

	repo := NewChatRepository(client, validator.New())

	_, err := repo.SendMessage(context.Background(), dto.SendMessageRequest{ConversationID: "c1"})
	require.Error(t, err)

	message, err := repo.SendMessage(context.Background(), dto.SendMessageRequest{
		ConversationID: "c1",
		ReceiverID:     "b",
		ClientID:       "5f0c6b2e-3c55-4c7a-9a39-7d1c2b0e8f11",
		Text:           "hello",
	})
	require.NoError(t, err)
	require.Equal(t, "m1", message.ID)
	require.Equal(t, "5f0c6b2e-3c55-4c7a-9a39-7d1c2b0e8f11", message.ClientID)
}

func TestLikeRepositoryUsesPostAndDelete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/posts/p1/like", r.URL.Path)
		count := 6
		if r.Method == http.MethodDelete {
			count = 5
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"likesCount": count})
	}, "access", "")

	repo := NewLikeRepository(client)

	liked, err := repo.Like(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, dto.LikeResponse{PostID: "p1", Liked: true, LikesCount: 6}, liked)

	unliked, err := repo.Unlike(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, dto.LikeResponse{PostID: "p1", Liked: false, LikesCount: 5}, unliked)
}

func TestPushRepositoryValidatesSubscription(t *testing.T) {
	var received pushSubscribeRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}, "access", "")

	repo := NewPushRepository(client)

	err := repo.Subscribe(context.Background(), webpush.Subscription{Endpoint: "https://push.example.org/abc"})
	require.ErrorIs(t, err, ErrInvalidSubscription)

	subscription := webpush.Subscription{
		Endpoint: "https://push.example.org/abc",
		Keys:     webpush.Keys{P256dh: "p256", Auth: "auth"},
	}
	require.NoError(t, repo.Subscribe(context.Background(), subscription))
	require.Equal(t, subscription, received.Subscription)

	require.ErrorIs(t, repo.Unsubscribe(context.Background(), " "), ErrInvalidSubscription)
}
