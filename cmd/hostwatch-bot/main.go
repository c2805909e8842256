package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hostwatch/hostwatch/internal/alerter"
	"github.com/hostwatch/hostwatch/internal/api"
	"github.com/hostwatch/hostwatch/internal/collector"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/metrics"
	"github.com/hostwatch/hostwatch/internal/notifier"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/hostwatch/hostwatch/internal/webui"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "/config/bot.yaml", "Path to bot configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	envFile := flag.String("env-file", ".env", "Optional .env file with secrets")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	// Create log buffer for web UI (captures last 1000 log entries)
	logBuffer := webui.NewLogBuffer(1000)

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	logger := zerolog.New(multiWriter).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	logger.Info().Str("build", version.Get().String()).Msg("Starting hostwatch bot")

	if err := config.LoadEnvFile(*envFile); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load env file")
	}

	cfg, err := config.LoadBotConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	logger.Info().
		Str("server_name", cfg.ServerName).
		Int("poll_interval", cfg.PollInterval).
		Str("fetch_mode", cfg.FetchMode).
		Msg("Configuration loaded")

	source := collector.NewClient(collector.Options{
		BaseURL:       cfg.Source.BaseURL,
		Username:      cfg.Source.Username,
		Password:      config.Secret(cfg.Source.PasswordEnv),
		APIKey:        config.Secret(cfg.Source.APIKeyEnv),
		Timeout:       cfg.FetchTimeout,
		RefreshMargin: cfg.Source.TokenRefreshMargin,
	}, logger)

	reg := metrics.NewRegistry()
	botMetrics := metrics.NewBot(reg)

	engine := alerter.NewEngine(cfg, alerter.NewRegistry(nil), source, buildNotifier(cfg, logger), botMetrics, logger)

	apiServer := api.NewServer(engine, cfg, logger)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetMetricsHandler(metrics.Handler(reg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Alert scheduler stopped")
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("API server error")
			stop()
		}
	}()

	logger.Info().
		Str("address", cfg.Listen).
		Msg("hostwatch bot running, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("Shutting down...")
	wg.Wait()
	logger.Info().Msg("hostwatch bot stopped")
}

// buildNotifier fans out to every configured channel. With none configured
// notifications only go to the log.
func buildNotifier(cfg *config.BotConfig, logger zerolog.Logger) alerter.Notifier {
	policy := notifier.Policy{
		MaxAttempts:     cfg.Notifiers.Retry.MaxAttempts,
		InitialInterval: cfg.Notifiers.Retry.InitialInterval,
		MaxInterval:     time.Minute,
		Logger:          logger.With().Str("component", "notifier").Logger(),
	}

	var sinks notifier.Multi
	if ap := cfg.Notifiers.Apprise; ap != nil {
		sink := notifier.NewAppriseSink(ap.APIURL, config.Secret(ap.ServiceURLEnv), logger)
		sinks = append(sinks, notifier.NewRetrying(sink, policy))
		logger.Info().Str("api_url", ap.APIURL).Msg("Apprise notifications enabled")
	}
	if tg := cfg.Notifiers.Telegram; tg != nil {
		token := config.Secret(tg.TokenEnv)
		if token == "" {
			logger.Fatal().Str("env", tg.TokenEnv).Msg("Telegram token environment variable is empty")
		}
		sinks = append(sinks, notifier.NewTelegramSink(tg.APIURL, token, tg.ChatID, &policy, logger))
		logger.Info().Int64("chat_id", tg.ChatID).Msg("Telegram notifications enabled")
	}
	if len(sinks) == 0 {
		logger.Warn().Msg("No notifier configured, notifications go to the log only")
		return notifier.NewLogSink(logger)
	}
	return sinks
}
