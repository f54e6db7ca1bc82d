package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/bibnet/marcsync/internal/oai"
	"github.com/bibnet/marcsync/internal/resilience"
	"github.com/bibnet/marcsync/internal/store"
	"github.com/bibnet/marcsync/internal/sync"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "marcsync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initClient() (*oai.Client, error) {
	if cfg.OAI.BaseURL == "" {
		return nil, eris.New("oai base URL is required (MARCSYNC_OAI_BASE_URL)")
	}
	return oai.NewClient(oai.ClientOptions{
		BaseURL:           cfg.OAI.BaseURL,
		MetadataPrefix:    cfg.OAI.MetadataPrefix,
		UserAgent:         cfg.OAI.UserAgent,
		Timeout:           time.Duration(cfg.OAI.TimeoutSecs) * time.Second,
		RequestsPerSecond: cfg.OAI.RequestsPerSecond,
		MinFreeBytes:      cfg.Harvest.MinFreeBytes,
		Retry:             retryConfig(),
	}), nil
}

func initEngine(st store.Store, harvester sync.Harvester) *sync.Engine {
	return sync.NewEngine(st, harvester, sync.EngineOptions{
		HarvestDir: cfg.Harvest.Dir,
		Set:        cfg.OAI.Set,
		Retry:      retryConfig(),
		OpTimeout:  time.Duration(cfg.Sync.OpTimeoutSecs) * time.Second,
	})
}

func retryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	if cfg.Sync.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.Sync.RetryAttempts
	}
	if cfg.Sync.RetryBackoffMs > 0 {
		rc.InitialBackoff = time.Duration(cfg.Sync.RetryBackoffMs) * time.Millisecond
	}
	return rc
}
