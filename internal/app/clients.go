package app

import (
	"fmt"
	"os"
	"strings"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	"github.com/coursebridge/assignments-backend/internal/clients/redis"
	"github.com/coursebridge/assignments-backend/internal/clients/subsidy"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/platform/sendgrid"
	"github.com/coursebridge/assignments-backend/internal/temporalx"
)

type Clients struct {
	Catalog catalog.Client
	// Subsidy is nil when SUBSIDY_BASE_URL is unset; the expiration resolver
	// then works from the enrollment deadline and allocation timeout alone.
	Subsidy subsidy.Client
	// Redis is nil without REDIS_ADDR; metadata lookups go straight to the
	// catalog and sweep scheduling skips the distributed lock.
	Redis redis.Cache
	Mail  sendgrid.Client
	// Temporal is nil when TEMPORAL_ADDRESS is unset; sweeps then run on the
	// in-process task queue instead of workflows.
	Temporal temporalsdkclient.Client
}

func wireClients(log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	catalogClient, err := catalog.NewFromEnv(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init catalog client: %w", err)
	}

	var subsidyClient subsidy.Client
	if strings.TrimSpace(os.Getenv("SUBSIDY_BASE_URL")) != "" {
		sc, err := subsidy.NewFromEnv(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init subsidy client: %w", err)
		}
		subsidyClient = sc
	} else {
		log.Info("SUBSIDY_BASE_URL not set, subsidy expiration lookups disabled")
	}

	var cache redis.Cache
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) != "" {
		c, err := redis.NewFromEnv(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis cache: %w", err)
		}
		cache = c
	}

	mail, err := sendgrid.NewFromEnv(log)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return Clients{}, fmt.Errorf("init sendgrid client: %w", err)
	}

	temporalClient, err := temporalx.NewClient(log)
	if err != nil {
		if cache != nil {
			_ = cache.Close()
		}
		return Clients{}, fmt.Errorf("init temporal client: %w", err)
	}

	return Clients{
		Catalog:  catalogClient,
		Subsidy:  subsidyClient,
		Redis:    cache,
		Mail:     mail,
		Temporal: temporalClient,
	}, nil
}

func (c *Clients) Close() {
	if c == nil {
		return
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
