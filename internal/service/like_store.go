package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/ims-sync/internal/dto"
	"github.com/noah-isme/ims-sync/internal/models"
	"github.com/noah-isme/ims-sync/internal/observability"
	"github.com/noah-isme/ims-sync/internal/realtime"
	"github.com/noah-isme/ims-sync/internal/repository"
)

// ErrLikeInFlight is returned when a toggle is requested while the previous one is unanswered.
var ErrLikeInFlight = errors.New("like toggle already in flight")

// RoomSubscription is a mountable per-room subscription.
type RoomSubscription interface {
	EventSource
	Mount(ctx context.Context)
	Unmount()
}

// Rooms hands out room subscriptions on the shared connection.
type Rooms interface {
	Subscribe(room string) RoomSubscription
}

// LikeStore keeps per-post like state. Toggles apply immediately and revert on failure; like
// events from the post room carry the authoritative count.
type LikeStore struct {
	repo    repository.LikeRepository
	rooms   Rooms
	updates UpdatePublisher
	logger  zerolog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	userID   string
	posts    map[string]models.PostLikes
	inflight map[string]bool
	// posts whose count was set by a like event while a toggle was in flight
	refreshed map[string]bool
}

// NewLikeStore constructs a like store. rooms may be nil when Watch is not used.
func NewLikeStore(repo repository.LikeRepository, rooms Rooms, updates UpdatePublisher, logger zerolog.Logger) *LikeStore {
	return &LikeStore{
		repo:     repo,
		rooms:    rooms,
		updates:  updates,
		logger:   logger.With().Str("component", "like_store").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/ims-sync/internal/service/like"),
		posts:     make(map[string]models.PostLikes),
		inflight:  make(map[string]bool),
		refreshed: make(map[string]bool),
	}
}

// SetUser sets the id of the signed-in user.
func (s *LikeStore) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// Seed records the like state read from a post listing.
func (s *LikeStore) Seed(postID string, liked bool, count int) {
	s.mu.Lock()
	s.posts[postID] = models.PostLikes{PostID: postID, Liked: liked, Count: count}
	s.mu.Unlock()
}

// Get returns the like state of postID.
func (s *LikeStore) Get(postID string) models.PostLikes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(postID)
}

// Toggle flips the viewer's like on postID. The flag and count change at once; if the backend
// call fails the flag reverts; the count reverts too unless a like event replaced it meanwhile.
func (s *LikeStore) Toggle(ctx context.Context, postID string) (models.PostLikes, error) {
	if postID == "" {
		return models.PostLikes{}, fmt.Errorf("post id is required")
	}

	ctx, span := s.tracer.Start(ctx, "likes.toggle", trace.WithAttributes(attribute.String("post.id", postID)))
	defer span.End()

	s.mu.Lock()
	if s.inflight[postID] {
		s.mu.Unlock()
		return s.Get(postID), ErrLikeInFlight
	}
	previous := s.getLocked(postID)
	next := previous
	next.Liked = !previous.Liked
	if next.Liked {
		next.Count++
	} else if next.Count > 0 {
		next.Count--
	}
	s.posts[postID] = next
	s.inflight[postID] = true
	s.mu.Unlock()

	s.publish(next)

	var (
		resp dto.LikeResponse
		err  error
	)
	if next.Liked {
		resp, err = s.repo.Like(ctx, postID)
	} else {
		resp, err = s.repo.Unlike(ctx, postID)
	}

	s.mu.Lock()
	delete(s.inflight, postID)
	refreshed := s.refreshed[postID]
	delete(s.refreshed, postID)
	if err != nil {
		rollback := previous
		if refreshed {
			rollback.Count = s.getLocked(postID).Count
		}
		s.posts[postID] = rollback
		s.mu.Unlock()

		span.RecordError(err)
		span.SetStatus(codes.Error, "toggle failed")
		observability.OptimisticRollbacks().WithLabelValues("likes").Inc()
		s.logger.Warn().Err(err).Str("post_id", postID).Bool("event_count_kept", refreshed).Msg("like toggle rolled back")
		s.publish(rollback)
		return rollback, fmt.Errorf("toggle like: %w", err)
	}

	confirmed := models.PostLikes{PostID: postID, Liked: resp.Liked, Count: resp.LikesCount}
	s.posts[postID] = confirmed
	s.mu.Unlock()

	s.publish(confirmed)
	return confirmed, nil
}

// HandleLike applies a like:added or like:removed event. Repeated events are idempotent.
func (s *LikeStore) HandleLike(added bool, payload dto.LikePayload) {
	if payload.PostID == "" {
		return
	}

	s.mu.Lock()
	state := s.getLocked(payload.PostID)
	state.Count = payload.LikesCount
	if s.inflight[payload.PostID] {
		s.refreshed[payload.PostID] = true
	}
	if payload.UserID != "" && payload.UserID == s.userID && !s.inflight[payload.PostID] {
		state.Liked = added
	}
	s.posts[payload.PostID] = state
	s.mu.Unlock()

	s.publish(state)
}

// Watch joins the post's room and applies its like events until the returned func is called.
// It fails with repository.ErrSessionExpired when no user is signed in.
func (s *LikeStore) Watch(ctx context.Context, postID string) (func(), error) {
	if s.rooms == nil {
		return nil, fmt.Errorf("like store has no realtime rooms")
	}
	if postID == "" {
		return nil, fmt.Errorf("post id is required")
	}
	s.mu.Lock()
	signedIn := s.userID != ""
	s.mu.Unlock()
	if !signedIn {
		// joining would redial the shared connection without credentials
		return nil, repository.ErrSessionExpired
	}

	subscription := s.rooms.Subscribe(realtime.PostRoom(postID))
	handler := func(event realtime.Event) {
		like, ok := event.(realtime.LikeEvent)
		if !ok || like.Like.PostID != postID {
			return
		}
		s.HandleLike(like.Added, like.Like)
	}
	subscription.On(realtime.EventLikeAdded, handler)
	subscription.On(realtime.EventLikeRemoved, handler)
	subscription.Mount(ctx)

	return subscription.Unmount, nil
}

// Reset forgets every post.
func (s *LikeStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = make(map[string]models.PostLikes)
	s.inflight = make(map[string]bool)
	s.refreshed = make(map[string]bool)
	s.userID = ""
}

func (s *LikeStore) getLocked(postID string) models.PostLikes {
	state, ok := s.posts[postID]
	if !ok {
		state = models.PostLikes{PostID: postID}
	}
	return state
}

func (s *LikeStore) publish(state models.PostLikes) {
	if s.updates == nil {
		return
	}
	s.updates.Publish(Update{Kind: UpdateLike, Payload: state})
}
