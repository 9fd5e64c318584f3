package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultBackendPort = "5000"

// Config holds runtime configuration values for the sync daemon.
type Config struct {
	AppName              string
	AppEnv               string
	AppPort              string
	APIBaseURL           string
	SocketURL            string
	PublicHost           string
	AccessToken          string
	RefreshToken         string
	UserID               string
	SnapshotDSN          string
	RedisURL             string
	NATSURL              string
	MirrorChannel        string
	RequestTimeout       time.Duration
	ReconnectMin         time.Duration
	ReconnectMax         time.Duration
	NotificationPageSize int
	PushVAPIDPublicKey   string
	PushVAPIDPrivateKey  string
	PushSubscriber       string
}

// HTTPAddress returns the address the bridge should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("IMS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "IMS Sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "7070")
	v.SetDefault("mirror.channel", "ims:sync:updates")
	v.SetDefault("request.timeout", "15s")
	v.SetDefault("reconnect.min", "500ms")
	v.SetDefault("reconnect.max", "30s")
	v.SetDefault("notification.page_size", 15)

	requestTimeout, err := parseDuration(v, "request.timeout")
	if err != nil {
		return Config{}, err
	}
	reconnectMin, err := parseDuration(v, "reconnect.min")
	if err != nil {
		return Config{}, err
	}
	reconnectMax, err := parseDuration(v, "reconnect.max")
	if err != nil {
		return Config{}, err
	}
	if reconnectMax < reconnectMin {
		return Config{}, fmt.Errorf("reconnect max %s is below reconnect min %s", reconnectMax, reconnectMin)
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		AppPort:              v.GetString("app.port"),
		APIBaseURL:           strings.TrimRight(v.GetString("api.base_url"), "/"),
		SocketURL:            v.GetString("socket.url"),
		PublicHost:           v.GetString("public.host"),
		AccessToken:          v.GetString("access.token"),
		RefreshToken:         v.GetString("refresh.token"),
		UserID:               v.GetString("user.id"),
		SnapshotDSN:          v.GetString("snapshot.dsn"),
		RedisURL:             v.GetString("redis.url"),
		NATSURL:              v.GetString("nats.url"),
		MirrorChannel:        v.GetString("mirror.channel"),
		RequestTimeout:       requestTimeout,
		ReconnectMin:         reconnectMin,
		ReconnectMax:         reconnectMax,
		NotificationPageSize: v.GetInt("notification.page_size"),
		PushVAPIDPublicKey:   v.GetString("push.vapid_public_key"),
		PushVAPIDPrivateKey:  v.GetString("push.vapid_private_key"),
		PushSubscriber:       v.GetString("push.subscriber"),
	}

	if cfg.NotificationPageSize <= 0 {
		cfg.NotificationPageSize = 15
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL(cfg.PublicHost)
	}

	if cfg.SocketURL == "" {
		socketURL, err := SocketURLFromAPI(cfg.APIBaseURL)
		if err != nil {
			return Config{}, err
		}
		cfg.SocketURL = socketURL
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	value, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return value, nil
}

// DefaultAPIBaseURL builds the backend URL used when none is configured: the public host
// (or the machine hostname) on the backend's default port.
func DefaultAPIBaseURL(publicHost string) string {
	host := strings.TrimSpace(publicHost)
	if host == "" {
		if name, err := os.Hostname(); err == nil && name != "" {
			host = name
		} else {
			host = "localhost"
		}
	}
	return fmt.Sprintf("http://%s:%s/api", host, defaultBackendPort)
}

// SocketURLFromAPI derives the realtime endpoint from the backend origin.
func SocketURLFromAPI(apiBaseURL string) (string, error) {
	parsed, err := url.Parse(apiBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid api base url %q: missing host", apiBaseURL)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}

	return (&url.URL{Scheme: scheme, Host: parsed.Host, Path: "/socket"}).String(), nil
}
