// Package catalog talks to the enterprise catalog service for content
// metadata. Assignments store only the content key; titles, prices, and the
// per-run enrollment windows all come from here.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/ctxutil"
	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/httpx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/platform/timeutil"
)

// CourseTypeExecEd tags executive education content, which gets start-date
// nudge emails that other course types do not.
const CourseTypeExecEd = "executive-education-2u"

// NormalizedMetadata is the per-run (or advertised-run) schedule and price
// block of one content item, with datetimes already normalized to UTC.
type NormalizedMetadata struct {
	StartDate         *time.Time
	EndDate           *time.Time
	EnrollByDate      *time.Time
	ContentPriceCents int64
}

// ContentMetadata is one catalog content record, keyed by course or run key
// depending on how the caller asked for it.
type ContentMetadata struct {
	Key                     string
	Title                   string
	CourseType              string
	NormalizedMetadata      NormalizedMetadata
	NormalizedMetadataByRun map[string]NormalizedMetadata
}

type Client interface {
	// ContentMetadata bulk-loads metadata for the given content keys. Keys
	// the catalog does not know are absent from the result; the caller
	// decides whether that is an error.
	ContentMetadata(ctx context.Context, contentKeys []string) (map[string]*ContentMetadata, error)
}

type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
	PageSize   int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.String("CATALOG_BASE_URL", ""),
		APIToken:   envutil.String("CATALOG_API_TOKEN", ""),
		Timeout:    envutil.DurationSeconds("CATALOG_TIMEOUT_SECONDS", 30*time.Second),
		MaxRetries: envutil.Int("CATALOG_MAX_RETRIES", 3),
		PageSize:   envutil.Int("CATALOG_PAGE_SIZE", 50),
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
		return nil, fmt.Errorf("missing CATALOG_BASE_URL")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("missing CATALOG_API_TOKEN")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 50
	}
	return &client{
		log:        log.With("client", "CatalogClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

// --- wire types ---

type wireNormalized struct {
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	EnrollByDate string  `json:"enroll_by_date"`
	ContentPrice float64 `json:"content_price"`
}

type wireMetadata struct {
	Key                     string                    `json:"key"`
	Title                   string                    `json:"title"`
	CourseType              string                    `json:"course_type"`
	NormalizedMetadata      wireNormalized            `json:"normalized_metadata"`
	NormalizedMetadataByRun map[string]wireNormalized `json:"normalized_metadata_by_run"`
}

type metadataPage struct {
	Count   int            `json:"count"`
	Next    string         `json:"next"`
	Results []wireMetadata `json:"results"`
}

func (c *client) ContentMetadata(ctx context.Context, contentKeys []string) (map[string]*ContentMetadata, error) {
	out := make(map[string]*ContentMetadata, len(contentKeys))
	keys := dedupeKeys(contentKeys)
	if len(keys) == 0 {
		return out, nil
	}

	for start := 0; start < len(keys); start += c.cfg.PageSize {
		end := start + c.cfg.PageSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.loadBatch(ctx, keys[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *client) loadBatch(ctx context.Context, keys []string, out map[string]*ContentMetadata) error {
	q := url.Values{}
	for _, k := range keys {
		q.Add("content_identifiers", k)
	}
	next := "/api/v1/content-metadata/?" + q.Encode()

	for next != "" {
		var page metadataPage
		if err := c.get(ctx, next, &page); err != nil {
			return err
		}
		for i := range page.Results {
			md := c.fromWire(&page.Results[i])
			out[md.Key] = md
		}
		next = relativizeNext(page.Next)
	}
	return nil
}

func (c *client) fromWire(w *wireMetadata) *ContentMetadata {
	md := &ContentMetadata{
		Key:                w.Key,
		Title:              w.Title,
		CourseType:         w.CourseType,
		NormalizedMetadata: c.normalizedFromWire(w.Key, w.NormalizedMetadata),
	}
	if len(w.NormalizedMetadataByRun) > 0 {
		md.NormalizedMetadataByRun = make(map[string]NormalizedMetadata, len(w.NormalizedMetadataByRun))
		for runKey, wn := range w.NormalizedMetadataByRun {
			md.NormalizedMetadataByRun[runKey] = c.normalizedFromWire(runKey, wn)
		}
	}
	return md
}

// Unparseable datetimes degrade to nil rather than failing the fetch; the
// deadline strategies already treat a missing date and a bad date the same.
func (c *client) normalizedFromWire(key string, w wireNormalized) NormalizedMetadata {
	var out NormalizedMetadata
	out.StartDate = c.parseDate(key, "start_date", w.StartDate)
	out.EndDate = c.parseDate(key, "end_date", w.EndDate)
	out.EnrollByDate = c.parseDate(key, "enroll_by_date", w.EnrollByDate)
	// Catalog prices are USD dollars; assignments store cents.
	out.ContentPriceCents = int64(math.Round(w.ContentPrice * 100))
	return out
}

func (c *client) parseDate(key, field, raw string) *time.Time {
	t, err := timeutil.ParseUTC(raw)
	if err != nil {
		c.log.Warn("unparseable catalog datetime", "content_key", key, "field", field, "value", raw)
		return nil
	}
	return t
}

// relativizeNext strips scheme and host from a paginated next link so the
// follow-up request goes through the configured base URL.
func relativizeNext(next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return ""
	}
	if u, err := url.Parse(next); err == nil && u.Host != "" {
		rel := u.Path
		if u.RawQuery != "" {
			rel += "?" + u.RawQuery
		}
		return rel
	}
	return next
}

func dedupeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// --- HTTP plumbing ---

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "catalog: <nil error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("catalog http %d: %s", e.StatusCode, msg)
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
				return fmt.Errorf("catalog decode error: %w", uErr)
			}
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.cfg.MaxRetries {
			return err
		}

		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("catalog request retrying",
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
		observeRequest("content_metadata", "error", started)
		return nil, nil, err
	}
	observeRequest("content_metadata", fmt.Sprintf("%d", resp.StatusCode), started)
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
		metrics.ObserveClientRequest("catalog", operation, status, time.Since(started))
	}
}
