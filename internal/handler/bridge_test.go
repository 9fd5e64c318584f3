package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/ims-sync/internal/config"
	"github.com/noah-isme/ims-sync/internal/handler"
	"github.com/noah-isme/ims-sync/internal/middleware"
	"github.com/noah-isme/ims-sync/internal/repository"
	"github.com/noah-isme/ims-sync/internal/router"
	"github.com/noah-isme/ims-sync/internal/service"
)

type fakeBackend struct {
	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	calls  []string
}

func (b *fakeBackend) handle(route string, fn http.HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[route] = fn
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	b.mu.Lock()
	b.calls = append(b.calls, route)
	fn, ok := b.routes[route]
	b.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	fn(w, r)
}

type bridge struct {
	app     *fiber.App
	backend *fakeBackend
	chat    *service.ChatStore
	likes   *service.LikeStore
}

func newBridge(t *testing.T) *bridge {
	t.Helper()

	backend := &fakeBackend{routes: make(map[string]http.HandlerFunc)}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	client := repository.NewAPIClient(repository.APIClientConfig{
		BaseURL:     server.URL + "/api",
		Timeout:     2 * time.Second,
		AccessToken: "access",
	}, logger)

	broker := service.NewUpdateBroker(logger)
	chat := service.NewChatStore(repository.NewChatRepository(client, validate), nil, broker, logger)
	chat.SetUser("A")
	presence := service.NewPresenceStore(broker, logger)
	notifications := service.NewNotificationStore(repository.NewNotificationRepository(client), broker, 15, logger)
	likes := service.NewLikeStore(repository.NewLikeRepository(client), nil, broker, logger)
	likes.SetUser("A")

	sender, err := repository.NewPushSender(repository.PushSenderConfig{}, logger)
	require.NoError(t, err)

	app := fiber.New()
	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, config.Config{AppName: "IMS Sync", AppEnv: "test"}, router.Dependencies{
		SessionState: func() service.SessionState {
			return service.SessionState{UserID: "A", Active: true, Realtime: "disconnected"}
		},
		ChatHandler:         handler.NewChatHandler(chat, validate, logger),
		NotificationHandler: handler.NewNotificationHandler(notifications, broker, logger, time.Second),
		PresenceHandler:     handler.NewPresenceHandler(presence),
		LikeHandler:         handler.NewLikeHandler(likes, logger),
		PushHandler:         handler.NewPushHandler(repository.NewPushRepository(client), sender, logger),
		MutationLimit:       1000,
	})

	return &bridge{app: app, backend: backend, chat: chat, likes: likes}
}

func (b *bridge) do(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

func (e envelope) decode(t *testing.T, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Data, target))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func echoMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		ClientID       string `json:"clientId"`
		Text           string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"id":             "m-" + req.ClientID[:8],
			"clientId":       req.ClientID,
			"conversationId": req.ConversationID,
			"sender":         map[string]string{"id": "A", "name": "Ada"},
			"text":           req.Text,
			"createdAt":      time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

func notificationPage(page, limit, total int) map[string]interface{} {
	items := make([]map[string]interface{}, 0, limit)
	for i := (page - 1) * limit; i < page*limit && i < total; i++ {
		items = append(items, map[string]interface{}{
			"id":      fmt.Sprintf("n%d", i+1),
			"type":    "comment",
			"message": fmt.Sprintf("comment %d", i+1),
			"read":    i%2 == 0,
		})
	}
	totalPages := (total + limit - 1) / limit
	return map[string]interface{}{
		"items":      items,
		"pagination": map[string]int{"currentPage": page, "totalPages": totalPages, "total": total, "limit": limit},
	}
}
