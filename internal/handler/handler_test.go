package handler_test

import (
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/handler"
	"github.com/noah-isme/ims-sync/internal/models"
)

func TestHealthReportsDegradedWhileDisconnected(t *testing.T) {
	b := newBridge(t)

	resp, body := b.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "IMS Sync", resp.Header.Get("X-Application"))

	var health handler.HealthResponse
	body.decode(t, &health)
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, "disconnected", health.Realtime)
	require.True(t, health.Session)
}

func TestSendMessageConfirmsInPlace(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("POST /api/chat/messages", echoMessage)

	resp, body := b.do(t, http.MethodPost, "/api/v1/chat/conversations/C/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var message models.Message
	body.decode(t, &message)
	require.Equal(t, models.MessageStateConfirmed, message.State)
	require.Equal(t, "A", message.SenderID)
	require.NotEmpty(t, message.ID)

	resp, body = b.do(t, http.MethodGet, "/api/v1/chat/conversations/C/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Items []models.Message `json:"items"`
	}
	body.decode(t, &list)
	require.Len(t, list.Items, 1)
	require.Equal(t, message.ClientID, list.Items[0].ClientID)
	require.False(t, list.Items[0].SeenByUser("B"))
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	b := newBridge(t)

	resp, body := b.do(t, http.MethodPost, "/api/v1/chat/conversations/C/messages", map[string]string{"text": ""})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.False(t, body.Success)
	require.Equal(t, "required", body.Errors["text"])
	require.Empty(t, b.chat.Messages("C"))
}

func TestFailedSendKeepsEntryAndRetries(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("POST /api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "database unavailable"})
	})

	resp, body := b.do(t, http.MethodPost, "/api/v1/chat/conversations/C/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var failed models.Message
	body.decode(t, &failed)
	require.Equal(t, models.MessageStateFailed, failed.State)
	require.Len(t, b.chat.Messages("C"), 1)

	b.backend.handle("POST /api/chat/messages", echoMessage)

	resp, body = b.do(t, http.MethodPost, "/api/v1/chat/messages/"+failed.ClientID+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var confirmed models.Message
	body.decode(t, &confirmed)
	require.Equal(t, failed.ClientID, confirmed.ClientID)
	require.Equal(t, models.MessageStateConfirmed, confirmed.State)
	require.Len(t, b.chat.Messages("C"), 1)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/chat/messages/"+failed.ClientID+"/retry", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/chat/messages/unknown/retry", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendValidationErrorsSurfaceAsUnprocessable(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("POST /api/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "Validation failed",
			"errors":  []map[string]string{{"field": "receiverId", "message": "receiver not found"}},
		})
	})

	resp, body := b.do(t, http.MethodPost, "/api/v1/chat/conversations/C/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "Validation failed", body.Message)
	require.Equal(t, "receiver not found", body.Errors["receiverId"])
}

func TestExpiredSessionMapsToUnauthorized(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "jwt expired"})
	})

	resp, body := b.do(t, http.MethodGet, "/api/v1/chat/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "session expired", body.Message)
}

func TestConversationsServeCacheUntilRefresh(t *testing.T) {
	b := newBridge(t)
	calls := 0
	b.backend.handle("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "C", "participants": []string{"A", "B"}},
		})
	})

	for i := 0; i < 2; i++ {
		resp, body := b.do(t, http.MethodGet, "/api/v1/chat/conversations", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var conversations []models.Conversation
		body.decode(t, &conversations)
		require.Len(t, conversations, 1)
	}
	require.Equal(t, 1, calls)

	resp, _ := b.do(t, http.MethodGet, "/api/v1/chat/conversations?refresh=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, calls)
}

func TestNotificationPagesThroughFeed(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": notificationPage(page, limit, 40)})
	})

	var first struct {
		Items       []models.Notification `json:"items"`
		Pagination  dto.PageMeta          `json:"pagination"`
		UnreadCount int                   `json:"unreadCount"`
	}
	resp, body := b.do(t, http.MethodGet, "/api/v1/notifications?page=1&limit=15", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body.decode(t, &first)
	require.Len(t, first.Items, 15)
	require.True(t, first.Pagination.HasMore)
	require.Equal(t, 40, first.Pagination.Total)
	require.Equal(t, 7, first.UnreadCount)

	var third struct {
		Items      []models.Notification `json:"items"`
		Pagination dto.PageMeta          `json:"pagination"`
	}
	resp, body = b.do(t, http.MethodGet, "/api/v1/notifications?page=3&limit=15", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body.decode(t, &third)
	require.Len(t, third.Items, 10)
	require.False(t, third.Pagination.HasMore)

	resp, _ = b.do(t, http.MethodGet, "/api/v1/notifications?page=x", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotificationMutations(t *testing.T) {
	b := newBridge(t)
	b.backend.handle("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, notificationPage(1, 15, 3))
	})
	b.backend.handle("PATCH /api/notifications/n2/read", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "n2", "type": "comment", "message": "comment 2", "read": true})
	})
	b.backend.handle("DELETE /api/notifications/n1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	b.backend.handle("PATCH /api/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	resp, _ := b.do(t, http.MethodGet, "/api/v1/notifications", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := b.do(t, http.MethodPatch, "/api/v1/notifications/n2/read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.Notification
	body.decode(t, &updated)
	require.True(t, updated.Read)

	resp, _ = b.do(t, http.MethodDelete, "/api/v1/notifications/n1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = b.do(t, http.MethodDelete, "/api/v1/notifications/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLikeToggleRollsBackOnFailure(t *testing.T) {
	b := newBridge(t)
	b.likes.Seed("p1", false, 4)
	b.backend.handle("POST /api/posts/p1/like", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "try later"})
	})

	resp, _ := b.do(t, http.MethodPost, "/api/v1/posts/p1/like", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body := b.do(t, http.MethodGet, "/api/v1/posts/p1/like", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state models.PostLikes
	body.decode(t, &state)
	require.False(t, state.Liked)
	require.Equal(t, 4, state.Count)

	b.backend.handle("POST /api/posts/p1/like", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"postId": "p1", "liked": true, "likesCount": 5})
	})

	resp, body = b.do(t, http.MethodPost, "/api/v1/posts/p1/like", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body.decode(t, &state)
	require.True(t, state.Liked)
	require.Equal(t, 5, state.Count)
}

func TestWatchWithoutRealtimeRoomsFails(t *testing.T) {
	b := newBridge(t)

	resp, _ := b.do(t, http.MethodPost, "/api/v1/posts/p1/watch", map[string]interface{}{"liked": true, "likesCount": -1})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/posts/p1/watch", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = b.do(t, http.MethodDelete, "/api/v1/posts/p1/watch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPushSubscriptionValidation(t *testing.T) {
	b := newBridge(t)
	registered := make(chan string, 1)
	b.backend.handle("POST /api/push/subscribe", func(w http.ResponseWriter, r *http.Request) {
		registered <- r.Header.Get("Authorization")
		writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
	})

	resp, _ := b.do(t, http.MethodPost, "/api/v1/push/subscriptions", map[string]interface{}{
		"endpoint": "http://push.example.org/abc",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/push/subscriptions", map[string]interface{}{
		"endpoint": "https://push.example.org/abc",
		"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "Bearer access", <-registered)
}

func TestLocalPushRoutesExposeKeyAndValidateSubscription(t *testing.T) {
	b := newBridge(t)

	resp, body := b.do(t, http.MethodGet, "/api/v1/push/vapid-key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var key struct {
		PublicKey string `json:"publicKey"`
	}
	body.decode(t, &key)
	require.NotEmpty(t, key.PublicKey)

	resp, _ = b.do(t, http.MethodPost, "/api/v1/push/test", map[string]interface{}{
		"subscription": map[string]interface{}{
			"endpoint": "http://push.example.org/abc",
			"keys":     map[string]string{"p256dh": "key", "auth": "secret"},
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPresenceListsOnlineUsers(t *testing.T) {
	b := newBridge(t)

	resp, body := b.do(t, http.MethodGet, "/api/v1/presence", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var presence struct {
		Online []string `json:"online"`
	}
	body.decode(t, &presence)
	require.Empty(t, presence.Online)

	resp, body = b.do(t, http.MethodGet, "/api/v1/presence/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Online bool `json:"online"`
	}
	body.decode(t, &status)
	require.False(t, status.Online)
}
