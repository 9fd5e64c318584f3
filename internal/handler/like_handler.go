package handler

import (
	"context"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/ims-sync/internal/service"
	"github.com/noah-isme/ims-sync/internal/utils"
)

// LikeHandler toggles likes and manages which post rooms the bridge listens to.
type LikeHandler struct {
	store  *service.LikeStore
	logger zerolog.Logger

	mu       sync.Mutex
	watchers map[string]func()
}

// NewLikeHandler constructs a like handler.
func NewLikeHandler(store *service.LikeStore, logger zerolog.Logger) *LikeHandler {
	return &LikeHandler{
		store:    store,
		logger:   logger.With().Str("component", "like_handler").Logger(),
		watchers: make(map[string]func()),
	}
}

// Register binds the post routes.
func (h *LikeHandler) Register(router fiber.Router) {
	router.Get("/:id/like", h.get)
	router.Post("/:id/like", h.toggle)
	router.Post("/:id/watch", h.watch)
	router.Delete("/:id/watch", h.unwatch)
}

type seedLikesBody struct {
	Liked bool `json:"liked"`
	Count int  `json:"likesCount"`
}

func (h *LikeHandler) get(c *fiber.Ctx) error {
	postID := strings.TrimSpace(c.Params("id"))
	if postID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "post id required")
	}

	return utils.SendSuccess(c, "likes", h.store.Get(postID))
}

func (h *LikeHandler) toggle(c *fiber.Ctx) error {
	postID := strings.TrimSpace(c.Params("id"))
	if postID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "post id required")
	}

	state, err := h.store.Toggle(requestContext(c), postID)
	if err != nil {
		return respondError(c, h.logger, err, "failed to toggle like")
	}

	return utils.SendSuccess(c, "likes updated", state)
}

// watch joins the post's room. The renderer passes the state it rendered the post with so
// room events and toggles start from the same counts.
func (h *LikeHandler) watch(c *fiber.Ctx) error {
	postID := strings.TrimSpace(c.Params("id"))
	if postID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "post id required")
	}

	if len(c.Body()) > 0 {
		var body seedLikesBody
		if err := c.BodyParser(&body); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if body.Count < 0 {
			return utils.SendValidationError(c, "invalid likes", map[string]string{"likescount": "min"})
		}
		h.store.Seed(postID, body.Liked, body.Count)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[postID]; !ok {
		// the watch outlives this request
		unmount, err := h.store.Watch(context.Background(), postID)
		if err != nil {
			return respondError(c, h.logger, err, "failed to watch post")
		}
		h.watchers[postID] = unmount
	}

	return utils.SendSuccess(c, "watching post", h.store.Get(postID))
}

func (h *LikeHandler) unwatch(c *fiber.Ctx) error {
	postID := strings.TrimSpace(c.Params("id"))

	h.mu.Lock()
	unmount, ok := h.watchers[postID]
	delete(h.watchers, postID)
	h.mu.Unlock()

	if ok {
		unmount()
	}
	return utils.SendSuccess(c, "stopped watching post", nil)
}

// Close leaves every watched room.
func (h *LikeHandler) Close() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[string]func())
	h.mu.Unlock()

	for _, unmount := range watchers {
		unmount()
	}
}
