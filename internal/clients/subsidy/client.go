// Package subsidy looks up subsidy access policy records, principally the
// subsidy expiration datetime that bounds automatic assignment expiration.
package subsidy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/ctxutil"
	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/httpx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/platform/timeutil"
)

// Policy is the slice of a subsidy access policy record this service needs.
type Policy struct {
	UUID                      uuid.UUID
	SubsidyUUID               uuid.UUID
	Active                    bool
	SubsidyActiveDatetime     *time.Time
	SubsidyExpirationDatetime *time.Time
}

type Client interface {
	Policy(ctx context.Context, policyID uuid.UUID) (*Policy, error)
	// SubsidyExpiration returns the policy's subsidy expiration instant, or
	// nil when the policy has no expiration configured.
	SubsidyExpiration(ctx context.Context, policyID uuid.UUID) (*time.Time, error)
}

type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.String("SUBSIDY_BASE_URL", ""),
		APIToken:   envutil.String("SUBSIDY_API_TOKEN", ""),
		Timeout:    envutil.DurationSeconds("SUBSIDY_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries: envutil.Int("SUBSIDY_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing SUBSIDY_BASE_URL")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("missing SUBSIDY_API_TOKEN")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "SubsidyClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type wirePolicy struct {
	UUID                      string `json:"uuid"`
	SubsidyUUID               string `json:"subsidy_uuid"`
	Active                    bool   `json:"active"`
	SubsidyActiveDatetime     string `json:"subsidy_active_datetime"`
	SubsidyExpirationDatetime string `json:"subsidy_expiration_datetime"`
}

func (c *client) Policy(ctx context.Context, policyID uuid.UUID) (*Policy, error) {
	if policyID == uuid.Nil {
		return nil, fmt.Errorf("missing policy id")
	}
	var w wirePolicy
	if err := c.get(ctx, "/api/v1/subsidy-access-policies/"+policyID.String()+"/", &w); err != nil {
		return nil, err
	}

	out := &Policy{Active: w.Active}
	var err error
	if out.UUID, err = uuid.Parse(w.UUID); err != nil {
		return nil, fmt.Errorf("policy %s uuid: %w", policyID, err)
	}
	if strings.TrimSpace(w.SubsidyUUID) != "" {
		if out.SubsidyUUID, err = uuid.Parse(w.SubsidyUUID); err != nil {
			return nil, fmt.Errorf("policy %s subsidy_uuid: %w", policyID, err)
		}
	}
	if out.SubsidyActiveDatetime, err = timeutil.ParseUTC(w.SubsidyActiveDatetime); err != nil {
		return nil, fmt.Errorf("policy %s subsidy_active_datetime: %w", policyID, err)
	}
	if out.SubsidyExpirationDatetime, err = timeutil.ParseUTC(w.SubsidyExpirationDatetime); err != nil {
		return nil, fmt.Errorf("policy %s subsidy_expiration_datetime: %w", policyID, err)
	}
	return out, nil
}

func (c *client) SubsidyExpiration(ctx context.Context, policyID uuid.UUID) (*time.Time, error) {
	p, err := c.Policy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return p.SubsidyExpirationDatetime, nil
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "subsidy: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("subsidy http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (c *client) get(ctx context.Context, path string, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.getOnce(ctx, path)
		if err == nil {
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("subsidy decode error: %w", uErr)
			}
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("subsidy request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
}

func (c *client) getOnce(ctx context.Context, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observeRequest("policy", "error", started)
		return nil, nil, err
	}
	observeRequest("policy", fmt.Sprintf("%d", resp.StatusCode), started)
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func observeRequest(operation, status string, started time.Time) {
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveClientRequest("subsidy", operation, status, time.Since(started))
	}
}
