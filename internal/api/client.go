package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/Alexander-D-Karpov/ampfin/internal/config"
	"github.com/Alexander-D-Karpov/ampfin/internal/metrics"
	"github.com/Alexander-D-Karpov/ampfin/pkg/types"
)

const breakerName = "jellyfin-api"

// Client talks to a Jellyfin server on behalf of one user. Requests are rate
// limited and guarded by a circuit breaker; 4xx answers do not count as failures.
type Client struct {
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[[]byte]
	log        *logrus.Entry
	debug      bool

	deviceID      string
	deviceName    string
	clientName    string
	clientVersion string
	userAgent     string

	mu    sync.RWMutex
	creds types.Credentials
}

var _ types.RemoteClient = (*Client)(nil)

func NewClient(cfg *config.Config, logger *logrus.Logger, recorder *metrics.Recorder) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "api")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.API.Retries
	retryClient.HTTPClient.Timeout = cfg.API.Timeout
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = nil
	if cfg.Debug {
		retryClient.Logger = NewLeveledLogger(log.WithField("transport", "http"))
	}

	limit := rate.Limit(cfg.API.RateLimit.RequestsPerSecond)
	if cfg.API.RateLimit.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	limiter := rate.NewLimiter(limit, max(cfg.API.RateLimit.BurstSize, 1))

	threshold := cfg.API.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.API.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsClientError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker state changed")
			recorder.BreakerState(breakerStateValue(to))
		},
	})
	recorder.BreakerState(0)

	c := &Client{
		httpClient:    retryClient,
		limiter:       limiter,
		breaker:       breaker,
		log:           log,
		debug:         cfg.Debug,
		deviceID:      cfg.Server.DeviceID,
		deviceName:    cfg.Server.DeviceName,
		clientName:    cfg.Server.ClientName,
		clientVersion: cfg.Server.ClientVersion,
		userAgent:     cfg.API.UserAgent,
		creds:         cfg.Credentials(),
	}

	c.debugLog("API client initialized - server: %s", c.creds.ServerAddress)
	return c
}

func breakerStateValue(state gobreaker.State) int {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger.
type leveledLogger struct {
	log *logrus.Entry
}

// NewLeveledLogger lets other retryablehttp clients log through logrus.
func NewLeveledLogger(log *logrus.Entry) retryablehttp.LeveledLogger {
	return &leveledLogger{log: log}
}

func (l *leveledLogger) fields(keysAndValues []interface{}) *logrus.Entry {
	entry := l.log
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		entry = entry.WithField(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	return entry
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Warn(msg)
}

func (c *Client) debugLog(format string, args ...interface{}) {
	if c.debug {
		c.log.Debugf(format, args...)
	}
}

// SetCredentials swaps the connection context, for example after a new login.
func (c *Client) SetCredentials(creds types.Credentials) {
	creds.ServerAddress = strings.TrimRight(creds.ServerAddress, "/")
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) Credentials() types.Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

func (c *Client) authorization(token string) string {
	return fmt.Sprintf(`MediaBrowser Client="%s", Device="%s", DeviceId="%s", Version="%s", Token="%s"`,
		c.clientName, c.deviceName, c.deviceID, c.clientVersion, token)
}

// makeRequest sends one authenticated request and returns the response body.
func (c *Client) makeRequest(ctx context.Context, method, path string, params url.Values, body interface{}) ([]byte, error) {
	creds := c.Credentials()
	if !creds.Complete() {
		return nil, ErrMissingCredentials
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	fullURL := creds.ServerAddress + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	start := time.Now()
	responseBody, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, method, fullURL, creds.AccessToken, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.debugLog("%s %s rejected by circuit breaker", method, path)
			return nil, fmt.Errorf("server unavailable: %w", err)
		}
		c.debugLog("%s %s failed after %v: %v", method, path, time.Since(start), err)
		return nil, err
	}

	c.debugLog("%s %s ok in %v", method, path, time.Since(start))
	return responseBody, nil
}

func (c *Client) do(ctx context.Context, method, fullURL, token string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.authorization(token))
	req.Header.Set("X-Emby-Token", token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	responseBody, readErr := io.ReadAll(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.debugLog("Failed to close response body: %v", closeErr)
	}
	if readErr != nil {
		return nil, fmt.Errorf("read response body: %w", readErr)
	}

	if resp.StatusCode >= 400 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: errorMessage(responseBody)}
	}
	return responseBody, nil
}

// errorMessage pulls a readable message out of an error body. Jellyfin answers
// with either ProblemDetails JSON or plain text.
func errorMessage(body []byte) string {
	var problem struct {
		Title   string `json:"title"`
		Detail  string `json:"detail"`
		Message string `json:"Message"`
	}
	if json.Unmarshal(body, &problem) == nil {
		for _, msg := range []string{problem.Detail, problem.Message, problem.Title} {
			if msg != "" {
				return msg
			}
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	body, err := c.makeRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
