package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
)

const pushTTLSeconds = 30

// ErrSubscriptionGone is returned when the push service reports the subscription as expired.
var ErrSubscriptionGone = errors.New("push subscription is gone")

// PushMessage is the notification body handed to the renderer's service worker.
type PushMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// PushSenderConfig configures local Web Push delivery. Empty keys are replaced by a generated
// pair that lives as long as the process.
type PushSenderConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	HTTPClient      webpush.HTTPClient
}

// PushSender delivers Web Push messages from the daemon itself, signed with its VAPID keys.
type PushSender struct {
	options webpush.Options
	logger  zerolog.Logger
}

// NewPushSender constructs a sender, generating VAPID keys when none are configured.
func NewPushSender(cfg PushSenderConfig, logger zerolog.Logger) (*PushSender, error) {
	logger = logger.With().Str("component", "push_sender").Logger()

	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		private, public, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			return nil, fmt.Errorf("generate vapid keys: %w", err)
		}
		cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey = public, private
		logger.Warn().Msg("vapid keys not configured, using a generated pair until restart")
	}

	subscriber := cfg.Subscriber
	if subscriber == "" {
		subscriber = "ims-sync@localhost"
	}

	return &PushSender{
		options: webpush.Options{
			HTTPClient:      cfg.HTTPClient,
			Subscriber:      subscriber,
			TTL:             pushTTLSeconds,
			Urgency:         webpush.UrgencyNormal,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		},
		logger: logger,
	}, nil
}

// PublicKey returns the application server key the renderer subscribes with.
func (s *PushSender) PublicKey() string {
	return s.options.VAPIDPublicKey
}

// Send encrypts message for subscription and posts it to the subscription's push service.
func (s *PushSender) Send(ctx context.Context, subscription webpush.Subscription, message PushMessage) error {
	if err := ValidateSubscription(subscription); err != nil {
		return err
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode push message: %w", err)
	}

	options := s.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &subscription, &options)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionGone
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	s.logger.Debug().Str("endpoint_host", endpointHost(subscription.Endpoint)).Int("status", resp.StatusCode).Msg("push delivered")
	return nil
}

func endpointHost(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return ""
	}
	return parsed.Host
}
