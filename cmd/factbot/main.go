package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/factbot/internal/auth"
	"github.com/p-blackswan/factbot/internal/chat"
	"github.com/p-blackswan/factbot/internal/config"
	"github.com/p-blackswan/factbot/internal/gateway"
	"github.com/p-blackswan/factbot/internal/health"
	"github.com/p-blackswan/factbot/internal/metrics"
	"github.com/p-blackswan/factbot/internal/mgmt"
	"github.com/p-blackswan/factbot/internal/slack"
	"github.com/p-blackswan/factbot/internal/store"
	"github.com/p-blackswan/factbot/internal/supervisor"
	"github.com/p-blackswan/factbot/internal/watchdog"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("identity", cfg.Identity).
		Str("server", cfg.ServerAddress).
		Uint("threshold", cfg.Threshold).
		Str("http_addr", cfg.HTTPAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting factbot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	clock := clockwork.NewRealClock()
	m := metrics.New()

	// Fact store
	facts, err := store.New(cfg.FactsDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.FactsDBPath).Msg("failed to open fact store")
	}
	defer facts.Close()

	if cfg.FactsSeedPath != "" {
		n, err := facts.ImportYAMLFile(ctx, cfg.FactsSeedPath)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.FactsSeedPath).Msg("failed to import seed facts (non-fatal)")
		} else {
			logger.Info().Int("imported", n).Msg("seed facts imported")
		}
	}

	breaker := store.DefaultBreakerConfig()
	breaker.OnStateChange = func(from, to string) {
		if to == "open" {
			m.RecordError("store", "breaker_open")
		}
	}
	guarded := store.NewGuarded(facts, breaker, logger)

	// Session stack
	provider := auth.NewProvider(auth.Config{
		TokenURL:     cfg.AuthURL,
		ClientSecret: cfg.AuthClientSecret,
		Clock:        clock,
	}, auth.NewFileCache(cfg.CredentialCache), logger)

	dialer := gateway.NewDialer(gateway.Config{
		URL:         cfg.GatewayURL,
		SendTimeout: cfg.SendTimeout,
	}, logger)

	// Counting state outlives every session.
	state := chat.NewState(cfg.Threshold)

	sup := supervisor.New(supervisor.Config{
		Identity:         cfg.Identity,
		Address:          cfg.ServerAddress,
		Backoff:          cfg.Backoff,
		AnnouncePrefix:   cfg.AnnouncePrefix,
		IgnoredPrefixes:  cfg.IgnoredPrefixList(),
		ProgressEvery:    cfg.ProgressEvery,
		ResetOnReconnect: cfg.ResetOnReconnect,
		Watchdog: watchdog.Config{
			PollInterval: cfg.PollInterval,
			StaleAfter:   cfg.StaleAfter,
		},
	}, state, provider, dialer, guarded,
		supervisor.WithClock(clock),
		supervisor.WithMetrics(m),
		supervisor.WithLogger(logger),
	)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(facts))
	checker.Register("session", health.SessionCheck(sup, cfg.StaleAfter, clock))

	// Review channel (optional)
	var reviewer mgmt.Reviewer
	if cfg.SlackEnabled() {
		reviewer = slack.NewApp(slack.Config{
			BotToken:      cfg.SlackBotToken,
			SigningSecret: cfg.SlackSigningSecret,
			Channel:       cfg.SlackReviewChannel,
		}, facts, logger)
		logger.Info().Str("channel", cfg.SlackReviewChannel).Msg("Slack review channel enabled")
	} else {
		logger.Info().Msg("Slack not configured, submissions are reviewed via the API only")
	}

	server := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr:     cfg.HTTPAddr,
		AuthConfig:     mgmt.AuthConfig{APIKey: cfg.APIKey},
		SubmitCooldown: cfg.SubmitCooldown,
	}, mgmt.Deps{
		Session:  sup,
		Facts:    facts,
		Random:   guarded,
		Reviewer: reviewer,
		Checker:  checker,
		Metrics:  m,
		Clock:    clock,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(ctx, facts, clock, cfg.RetentionInterval, cfg.PendingRetention, logger)
	}()

	supDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(supDone)
		if err := sup.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("supervisor stopped")
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case <-supDone:
		logger.Warn().Msg("supervisor exited, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("factbot stopped")
}

// retainer is the part of the fact store the retention loop drives.
type retainer interface {
	RunRetention(ctx context.Context, maxAge time.Duration) (int64, error)
	DBSizeBytes() (int64, error)
}

// runRetention prunes stale pending submissions every interval until ctx is
// cancelled.
func runRetention(ctx context.Context, facts retainer, clock clockwork.Clock, interval, maxAge time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := facts.RunRetention(ctx, maxAge)
			if err != nil {
				logger.Warn().Err(err).Msg("retention pass failed")
				continue
			}
			size, _ := facts.DBSizeBytes()
			logger.Debug().Int64("deleted", n).Int64("db_bytes", size).Msg("retention pass complete")
		}
	}
}
