package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/listrelay/internal/httpapi"
	"github.com/agentworkforce/listrelay/internal/listrelay"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	addr := os.Getenv("LISTRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	repo, err := listrelay.BuildRepositoryFromDSN(os.Getenv("LISTRELAY_QUEUE_DSN"))
	if err != nil {
		logger.Fatalf("failed to initialize queue repository: %v", err)
	}
	defer repo.Close()

	sessions, err := buildSessionProviderFromEnv(logger)
	if err != nil {
		logger.Fatalf("failed to initialize session provider: %v", err)
	}

	remote := listrelay.NewHTTPRemoteClient(listrelay.RemoteHTTPClientOptions{
		BaseURL: os.Getenv("LISTRELAY_REMOTE_BASE_URL"),
		Timeout: durationEnv(logger, "LISTRELAY_REMOTE_TIMEOUT", 0),
	})

	cache := listrelay.NewCache(listrelay.CacheOptions{
		MaxEntries: intEnv(logger, "LISTRELAY_CACHE_MAX_ENTRIES", 0),
		DefaultTTL: durationEnv(logger, "LISTRELAY_CACHE_TTL", 0),
		NamespaceTTLs: map[string]time.Duration{
			"stats": durationEnv(logger, "LISTRELAY_CACHE_STATS_TTL", 30*time.Minute),
		},
		SweepInterval: durationEnv(logger, "LISTRELAY_CACHE_SWEEP_INTERVAL", 0),
	})
	defer cache.Close()

	events := listrelay.NewEventHub()

	processor, err := listrelay.NewProcessor(listrelay.ProcessorOptions{
		Repository:      repo,
		Remote:          remote,
		Sessions:        sessions,
		Cache:           cache,
		Events:          events,
		Logger:          logger,
		MaxRetries:      intEnv(logger, "LISTRELAY_MAX_RETRIES", 0),
		RetryBaseDelay:  durationEnv(logger, "LISTRELAY_RETRY_BASE_DELAY", 0),
		RetryMaxDelay:   durationEnv(logger, "LISTRELAY_RETRY_MAX_DELAY", 0),
		DispatchTimeout: durationEnv(logger, "LISTRELAY_DISPATCH_TIMEOUT", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize processor: %v", err)
	}

	runner, err := listrelay.NewRunner(listrelay.RunnerOptions{
		Processor:       processor,
		Repository:      repo,
		Logger:          logger,
		ProcessInterval: durationEnv(logger, "LISTRELAY_PROCESS_INTERVAL", 0),
		CleanupInterval: durationEnv(logger, "LISTRELAY_CLEANUP_INTERVAL", 0),
		Retention:       durationEnv(logger, "LISTRELAY_RETENTION", 0),
		Concurrency:     intEnv(logger, "LISTRELAY_RUNNER_CONCURRENCY", 0),
		BatchLimit:      intEnv(logger, "LISTRELAY_RUNNER_BATCH_LIMIT", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize runner: %v", err)
	}
	runner.Start()
	defer runner.Close()

	facade, err := listrelay.NewFacade(listrelay.FacadeOptions{
		Processor:       processor,
		Remote:          remote,
		Sessions:        sessions,
		Cache:           cache,
		Logger:          logger,
		DispatchTimeout: durationEnv(logger, "LISTRELAY_DISPATCH_TIMEOUT", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize facade: %v", err)
	}

	server := httpapi.NewServer(httpapi.ServerOptions{
		Facade:     facade,
		Processor:  processor,
		Runner:     runner,
		Repository: repo,
		Cache:      cache,
		Events:     events,
		Config: httpapi.ServerConfig{
			AdminToken:      os.Getenv("LISTRELAY_ADMIN_TOKEN"),
			RateLimitMax:    intEnv(logger, "LISTRELAY_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv(logger, "LISTRELAY_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env(logger, "LISTRELAY_MAX_BODY_BYTES", 0),
		},
	})

	logger.Printf("listrelay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}

// buildSessionProviderFromEnv prefers the watched credentials file; without
// one it falls back to LISTRELAY_SESSIONS ("owner=token,owner2=token2").
func buildSessionProviderFromEnv(logger listrelay.Logger) (listrelay.SessionProvider, error) {
	if path := strings.TrimSpace(os.Getenv("LISTRELAY_SESSIONS_FILE")); path != "" {
		return listrelay.NewFileSessionProvider(path, logger)
	}
	static := listrelay.StaticSessionProvider{}
	for _, pair := range strings.Split(os.Getenv("LISTRELAY_SESSIONS"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		owner, token, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		static[strings.TrimSpace(owner)] = strings.TrimSpace(token)
	}
	return static, nil
}

func intEnv(logger *logrus.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger *logrus.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *logrus.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
