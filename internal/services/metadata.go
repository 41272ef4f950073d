package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	"github.com/coursebridge/assignments-backend/internal/clients/redis"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// DefaultMetadataTTL bounds how stale cached course metadata may get.
// Upstream enroll-by dates move rarely; the expire sweep runs daily.
const DefaultMetadataTTL = 4 * time.Hour

// ContentMetadataService fronts the catalog client with a per-key cache so
// sweep pages and repeat admin views do not refetch unchanged course
// metadata. Unknown keys stay absent from the result and are not cached.
type ContentMetadataService interface {
	ContentMetadata(ctx context.Context, contentKeys []string) (map[string]*catalog.ContentMetadata, error)
}

type contentMetadataService struct {
	log     *logger.Logger
	catalog catalog.Client
	cache   redis.Cache
	ttl     time.Duration
}

// NewContentMetadataService wires the cache in front of the catalog client.
// A nil cache degrades to a passthrough, which the tests and the one-shot
// commands use.
func NewContentMetadataService(baseLog *logger.Logger, catalogClient catalog.Client, cache redis.Cache, ttl time.Duration) (ContentMetadataService, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if catalogClient == nil {
		return nil, fmt.Errorf("missing catalog client")
	}
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &contentMetadataService{
		log:     baseLog.With("service", "ContentMetadataService"),
		catalog: catalogClient,
		cache:   cache,
		ttl:     ttl,
	}, nil
}

func metadataCacheKey(contentKey string) string {
	return "content-metadata:" + contentKey
}

func incMetadataCache(outcome string) {
	if metrics := observability.Current(); metrics != nil {
		metrics.IncCacheRequest("content_metadata", outcome)
	}
}

func (s *contentMetadataService) ContentMetadata(ctx context.Context, contentKeys []string) (map[string]*catalog.ContentMetadata, error) {
	out := make(map[string]*catalog.ContentMetadata, len(contentKeys))
	seen := make(map[string]bool, len(contentKeys))
	var misses []string

	for _, key := range contentKeys {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if s.cache == nil {
			misses = append(misses, key)
			continue
		}
		var md catalog.ContentMetadata
		ok, err := s.cache.GetJSON(ctx, metadataCacheKey(key), &md)
		if err != nil {
			// Cache trouble must never block a metadata read.
			s.log.Warn("metadata cache read failed", "content_key", key, "error", err)
			incMetadataCache("error")
		}
		if ok {
			out[key] = &md
			incMetadataCache("hit")
			continue
		}
		if err == nil {
			incMetadataCache("miss")
		}
		misses = append(misses, key)
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := s.catalog.ContentMetadata(ctx, misses)
	if err != nil {
		return nil, err
	}
	for key, md := range fetched {
		if md == nil {
			continue
		}
		out[key] = md
		if s.cache == nil {
			continue
		}
		if err := s.cache.SetJSON(ctx, metadataCacheKey(key), md, s.ttl); err != nil {
			s.log.Warn("metadata cache write failed", "content_key", key, "error", err)
		}
	}
	return out, nil
}
