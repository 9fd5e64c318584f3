package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/ims-sync/internal/middleware"
	"github.com/noah-isme/ims-sync/internal/observability"
)

const (
	refreshPath = "/auth/refresh"
	// Access tokens that expire within this window are refreshed before the request is sent.
	refreshLeeway = 30 * time.Second
	maxErrorBody  = 64 << 10
)

// ErrSessionExpired is returned when the backend rejects the session and the refresh token
// cannot renew it. Credentials are cleared before it is returned.
var ErrSessionExpired = errors.New("session expired")

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend responded with status %d", e.Status)
	}
	return fmt.Sprintf("backend responded with status %d: %s", e.Status, e.Message)
}

// IsValidation reports whether the backend rejected the input itself.
func (e *APIError) IsValidation() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
}

// APIClientConfig configures the backend REST client.
type APIClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	AccessToken  string
	RefreshToken string
	HTTPClient   *http.Client
}

// APIClient is the shared backend client: it attaches the bearer token, unwraps the response
// envelope and refreshes the session once on 401 before replaying the request.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	tracer     trace.Tracer

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	onExpired    []func()

	refreshMu sync.Mutex
}

// NewAPIClient constructs the backend client.
func NewAPIClient(cfg APIClientConfig, logger zerolog.Logger) *APIClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &APIClient{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		logger:       logger.With().Str("component", "api_client").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/ims-sync/internal/repository/api"),
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

// SetTokens replaces the session credentials.
func (c *APIClient) SetTokens(accessToken, refreshToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
	c.refreshToken = refreshToken
}

// Tokens returns the current session credentials.
func (c *APIClient) Tokens() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken, c.refreshToken
}

// ClearTokens forgets the session credentials.
func (c *APIClient) ClearTokens() {
	c.SetTokens("", "")
}

// OnSessionExpired registers a hook fired after credentials were cleared because the session
// could not be renewed.
func (c *APIClient) OnSessionExpired(hook func()) {
	if hook == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpired = append(c.onExpired, hook)
}

// AuthHeader returns the headers the realtime transport sends on dial.
func (c *APIClient) AuthHeader() http.Header {
	header := http.Header{}
	if token, _ := c.Tokens(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// Do performs a backend call. body is JSON encoded when non-nil; out receives the response data
// with the {success, data, message} envelope removed.
func (c *APIClient) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "api."+strings.ToLower(method), trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("api.path", path),
	))
	defer span.End()

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = encoded
	}

	c.refreshIfExpiring(ctx)

	token, _ := c.Tokens()
	status, raw, err := c.send(ctx, method, path, query, payload, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")
		return err
	}

	if status == http.StatusUnauthorized {
		if err := c.renew(ctx, token); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "session renewal failed")
			return err
		}

		token, _ = c.Tokens()
		status, raw, err = c.send(ctx, method, path, query, payload, token)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transport failure")
			return err
		}
		if status == http.StatusUnauthorized {
			c.expire()
			span.SetStatus(codes.Error, "session expired")
			return ErrSessionExpired
		}
	}

	span.SetAttributes(attribute.Int("http.status_code", status))

	if status >= http.StatusBadRequest {
		apiErr := decodeAPIError(status, raw)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(unwrapEnvelope(raw), out); err != nil {
		span.RecordError(err)
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *APIClient) send(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if correlation := middleware.CorrelationIDFromContext(ctx); correlation != "" {
		req.Header.Set("X-Correlation-ID", correlation)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.APIRequests().WithLabelValues(method, "error").Inc()
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	observability.APIRequests().WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*maxErrorBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}

	return resp.StatusCode, raw, nil
}

// renew refreshes the session after a 401 seen with staleToken. When another request already
// rotated the token the refresh is skipped and the caller simply replays.
func (c *APIClient) renew(ctx context.Context, staleToken string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, refreshToken := c.Tokens()
	if current != "" && current != staleToken {
		return nil
	}
	if refreshToken == "" {
		c.expire()
		return ErrSessionExpired
	}

	if err := c.refresh(ctx, refreshToken); err != nil {
		if errors.Is(err, ErrSessionExpired) {
			c.expire()
		}
		return err
	}
	return nil
}

func (c *APIClient) refreshIfExpiring(ctx context.Context) {
	accessToken, refreshToken := c.Tokens()
	if accessToken == "" || refreshToken == "" || !tokenExpiresWithin(accessToken, refreshLeeway) {
		return
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if current, _ := c.Tokens(); current != accessToken {
		return
	}
	if err := c.refresh(ctx, refreshToken); err != nil {
		// the 401 path decides whether the session is gone
		c.logger.Warn().Err(err).Msg("proactive token refresh failed")
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func (c *APIClient) refresh(ctx context.Context, refreshToken string) error {
	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return fmt.Errorf("encode refresh request: %w", err)
	}

	status, raw, err := c.send(ctx, http.MethodPost, refreshPath, nil, payload, "")
	if err != nil {
		observability.TokenRefreshes().WithLabelValues("error").Inc()
		return fmt.Errorf("refresh session: %w", err)
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		observability.TokenRefreshes().WithLabelValues("rejected").Inc()
		return ErrSessionExpired
	}
	if status >= http.StatusBadRequest {
		observability.TokenRefreshes().WithLabelValues("error").Inc()
		return fmt.Errorf("refresh session: %w", decodeAPIError(status, raw))
	}

	var resp refreshResponse
	if err := json.Unmarshal(unwrapEnvelope(raw), &resp); err != nil {
		observability.TokenRefreshes().WithLabelValues("error").Inc()
		return fmt.Errorf("decode refresh response: %w", err)
	}

	accessToken := resp.AccessToken
	if accessToken == "" {
		accessToken = resp.Token
	}
	if accessToken == "" {
		observability.TokenRefreshes().WithLabelValues("error").Inc()
		return fmt.Errorf("refresh session: response carried no access token")
	}
	if resp.RefreshToken != "" {
		refreshToken = resp.RefreshToken
	}

	c.SetTokens(accessToken, refreshToken)
	observability.TokenRefreshes().WithLabelValues("success").Inc()
	c.logger.Debug().Msg("session token refreshed")
	return nil
}

func (c *APIClient) expire() {
	c.mu.Lock()
	c.accessToken = ""
	c.refreshToken = ""
	hooks := append([]func(){}, c.onExpired...)
	c.mu.Unlock()

	observability.TokenRefreshes().WithLabelValues("expired").Inc()
	c.logger.Warn().Msg("session expired, credentials cleared")

	for _, hook := range hooks {
		hook()
	}
}

// tokenExpiresWithin reads the exp claim without verifying the signature; the backend remains the
// only party that validates tokens.
func tokenExpiresWithin(token string, window time.Duration) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Until(exp.Time) < window
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// unwrapEnvelope returns the data member of a {success, data} envelope, or raw when the
// response is not enveloped.
func unwrapEnvelope(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return []byte("null")
	}
	if trimmed[0] != '{' {
		return trimmed
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Success == nil {
		return trimmed
	}
	if len(env.Data) == 0 {
		return []byte("null")
	}
	return env.Data
}

type fieldError struct {
	Field   string `json:"field"`
	Param   string `json:"param"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}

	var body struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Errors  json.RawMessage `json:"errors"`
	}
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}

	switch {
	case body.Message != "":
		apiErr.Message = body.Message
	case body.Error != "":
		apiErr.Message = body.Error
	}

	if len(body.Errors) == 0 {
		return apiErr
	}

	fields := map[string]string{}
	if err := json.Unmarshal(body.Errors, &fields); err == nil {
		apiErr.Fields = fields
		return apiErr
	}

	var list []fieldError
	if err := json.Unmarshal(body.Errors, &list); err == nil {
		for _, item := range list {
			name := firstNonEmpty(item.Field, item.Param, item.Path)
			message := firstNonEmpty(item.Message, item.Msg)
			if name == "" {
				continue
			}
			fields[name] = message
		}
		if len(fields) > 0 {
			apiErr.Fields = fields
		}
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

// pageQuery builds the page/limit query used by list endpoints.
func pageQuery(page, limit int) url.Values {
	query := url.Values{}
	if page > 0 {
		query.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}
