package repository

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/noah-isme/ims-sync/internal/dto"
)

// LikeRepository wraps the backend post like endpoints.
type LikeRepository interface {
	Like(ctx context.Context, postID string) (dto.LikeResponse, error)
	Unlike(ctx context.Context, postID string) (dto.LikeResponse, error)
}

type likeRepository struct {
	client *APIClient
}

// NewLikeRepository constructs a like repository on top of the shared API client.
func NewLikeRepository(client *APIClient) LikeRepository {
	return &likeRepository{client: client}
}

func (r *likeRepository) Like(ctx context.Context, postID string) (dto.LikeResponse, error) {
	return r.toggle(ctx, http.MethodPost, postID, true)
}

func (r *likeRepository) Unlike(ctx context.Context, postID string) (dto.LikeResponse, error) {
	return r.toggle(ctx, http.MethodDelete, postID, false)
}

func (r *likeRepository) toggle(ctx context.Context, method, postID string, liked bool) (dto.LikeResponse, error) {
	if postID == "" {
		return dto.LikeResponse{}, fmt.Errorf("post id is required")
	}

	var resp dto.LikeResponse
	if err := r.client.Do(ctx, method, "/posts/"+url.PathEscape(postID)+"/like", nil, nil, &resp); err != nil {
		return dto.LikeResponse{}, err
	}
	if resp.PostID == "" {
		resp.PostID = postID
	}
	resp.Liked = liked
	return resp, nil
}
