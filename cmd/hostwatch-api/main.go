package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hostwatch/hostwatch/internal/auth"
	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/metrics"
	"github.com/hostwatch/hostwatch/internal/monitor"
	"github.com/hostwatch/hostwatch/internal/statusapi"
	"github.com/hostwatch/hostwatch/internal/version"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "/config/api.yaml", "Path to monitoring API configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	envFile := flag.String("env-file", ".env", "Optional .env file with secrets")
	addUser := flag.String("add-user", "", "Create this user in the user database and exit")
	password := flag.String("password", "", "Password for -add-user")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevelParsed, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logLevelParsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevelParsed)

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Logger()

	if err := config.LoadEnvFile(*envFile); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load env file")
	}

	cfg, err := config.LoadAPIConfig(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}

	store, err := auth.OpenUserStore(cfg.Auth.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.Auth.DBPath).Msg("Failed to open user database")
	}
	defer store.Close()

	if *addUser != "" {
		if err := store.AddUser(context.Background(), *addUser, *password); err != nil {
			logger.Fatal().Err(err).Str("user", *addUser).Msg("Failed to add user")
		}
		logger.Info().Str("user", *addUser).Msg("User added")
		return
	}

	logger.Info().Str("build", version.Get().String()).Msg("Starting hostwatch monitoring API")

	issuer, err := auth.NewTokenIssuer([]byte(config.Secret(cfg.Auth.JWTSecretEnv)), cfg.Auth.TokenExpiry, nil)
	if err != nil {
		logger.Fatal().Err(err).Str("env", cfg.Auth.JWTSecretEnv).Msg("Invalid token settings")
	}

	apiKeys := auth.APIKeys{}
	for user, env := range cfg.Auth.APIKeys {
		key := config.Secret(env)
		if key == "" {
			logger.Warn().Str("user", user).Str("env", env).Msg("API key environment variable is empty, key disabled")
			continue
		}
		apiKeys[key] = user
	}

	authn := auth.NewAuthenticator(
		store,
		issuer,
		auth.NewLockout(cfg.Auth.FailedAttemptLimit, cfg.Auth.BlockDuration, nil),
		apiKeys,
		logger,
	)

	logger.Info().
		Strs("disks", cfg.MonitoredDisks).
		Strs("processes", cfg.MonitoredProcesses).
		Int("api_keys", len(apiKeys)).
		Msg("Configuration loaded")

	reg := metrics.NewRegistry()
	server := statusapi.NewServer(cfg, monitor.NewProber(cfg, logger), authn, metrics.NewAPI(reg), logger)
	server.SetMetricsHandler(metrics.Handler(reg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Monitoring API error")
		return
	}
	logger.Info().Msg("hostwatch monitoring API stopped")
}
