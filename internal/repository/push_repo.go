package repository

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrInvalidSubscription is returned for push subscriptions missing their endpoint or keys.
var ErrInvalidSubscription = errors.New("push subscription requires endpoint and keys")

// PushRepository registers browser push subscriptions with the backend so notifications reach
// the user while the realtime connection is down.
type PushRepository interface {
	Subscribe(ctx context.Context, subscription webpush.Subscription) error
	Unsubscribe(ctx context.Context, endpoint string) error
}

type pushRepository struct {
	client *APIClient
}

// NewPushRepository constructs a push repository on top of the shared API client.
func NewPushRepository(client *APIClient) PushRepository {
	return &pushRepository{client: client}
}

type pushSubscribeRequest struct {
	Subscription webpush.Subscription `json:"subscription"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (r *pushRepository) Subscribe(ctx context.Context, subscription webpush.Subscription) error {
	if err := ValidateSubscription(subscription); err != nil {
		return err
	}
	return r.client.Do(ctx, http.MethodPost, "/push/subscribe", nil, pushSubscribeRequest{Subscription: subscription}, nil)
}

func (r *pushRepository) Unsubscribe(ctx context.Context, endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrInvalidSubscription
	}
	return r.client.Do(ctx, http.MethodDelete, "/push/subscribe", nil, pushUnsubscribeRequest{Endpoint: endpoint}, nil)
}

// ValidateSubscription checks the fields the push service needs to deliver to a browser.
func ValidateSubscription(subscription webpush.Subscription) error {
	if subscription.Keys.P256dh == "" || subscription.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	endpoint, err := url.Parse(subscription.Endpoint)
	if err != nil || endpoint.Scheme != "https" || endpoint.Host == "" {
		return ErrInvalidSubscription
	}
	return nil
}
