package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redwing-381/projectx/internal/alert"
	"github.com/redwing-381/projectx/internal/auth"
	"github.com/redwing-381/projectx/internal/classify"
	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/config"
	"github.com/redwing-381/projectx/internal/database"
	"github.com/redwing-381/projectx/internal/devices"
	"github.com/redwing-381/projectx/internal/events"
	"github.com/redwing-381/projectx/internal/history"
	"github.com/redwing-381/projectx/internal/ingest"
	"github.com/redwing-381/projectx/internal/llm"
	"github.com/redwing-381/projectx/internal/logging"
	"github.com/redwing-381/projectx/internal/monitoring"
	"github.com/redwing-381/projectx/internal/ratelimit"
	"github.com/redwing-381/projectx/internal/rules"
	"github.com/redwing-381/projectx/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	commandExpiryInterval = 10 * time.Minute
	shutdownTimeout       = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "projectx-api",
		Short: "ProjectX urgent-notification alert service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("api-key", "", "Shared API key (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("llm-mode", defaults.GetString("llm.mode"), "Classification reasoner (direct, orchestrated)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.api_key", "api-key")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "llm.mode", "llm-mode")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <device-id>",
		Short: "Print a device-scoped bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return fmt.Errorf("auth.signing_secret is required to issue device tokens: %w", err)
			}
			token, expiresIn, err := issuer.IssueDeviceToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokenIssuer *auth.TokenIssuer
	if appConfig.SigningSecret != "" {
		tokenIssuer, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
	}

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	records, err := history.NewStore(history.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	ruleStore, err := rules.NewStore(rules.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	commandService, err := commands.NewService(commands.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		TTL:      appConfig.CommandTTL,
		Notifier: commands.NewNotifier(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	monitoringService, err := monitoring.NewService(monitoring.ServiceConfig{
		Database: db,
		Devices:  registry,
		Commands: commandService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	engine, err := newClassifier(signalCtx, appConfig, ruleStore, logger)
	if err != nil {
		return err
	}
	dispatcher, err := newDispatcher(appConfig, records, logger)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := newPublisher(appConfig, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Devices:    registry,
		Classifier: engine,
		Dispatcher: dispatcher,
		Records:    records,
		Events:     publisher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if appConfig.RateLimitEnabled() {
		redisLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
			appConfig.RedisAddr,
			appConfig.RedisPassword,
			ratelimit.DefaultPrefix,
			appConfig.RateLimitRequests,
			appConfig.RateLimitWindow,
		)
		if err != nil {
			return err
		}
		defer redisLimiter.Close() //nolint:errcheck
		limiter = redisLimiter
		logger.Info("ingestion rate limit enabled",
			zap.Int("requests", appConfig.RateLimitRequests),
			zap.Duration("window", appConfig.RateLimitWindow),
		)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:      auth.NewAuthenticator(appConfig.APIKey, tokenIssuer),
		TokenIssuer:        tokenIssuer,
		Gateway:            gateway,
		Commands:           commandService,
		Monitoring:         monitoringService,
		Devices:            registry,
		History:            records,
		Rules:              ruleStore,
		RuleRefresher:      engine,
		RateLimiter:        limiter,
		CommandWaitCeiling: appConfig.CommandWaitCeiling,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return engine.Run(groupCtx)
	})
	group.Go(func() error {
		return commandService.RunExpiry(groupCtx, commandExpiryInterval)
	})

	return group.Wait()
}

func newClassifier(ctx context.Context, appConfig config.AppConfig, ruleStore *rules.Store, logger *zap.Logger) (*classify.Engine, error) {
	reasonerConfig := classify.ReasonerConfig{Mode: appConfig.LLMMode, Logger: logger}
	if appConfig.LLMAPIKey != "" {
		client := llm.NewClient(llm.Config{
			APIKey:         appConfig.LLMAPIKey,
			BaseURL:        appConfig.LLMBaseURL,
			Model:          appConfig.LLMModel,
			Title:          "ProjectX",
			Temperature:    0.1,
			MaxTokens:      100,
			TimeoutSeconds: appConfig.LLMTimeoutSeconds,
		})
		reasonerConfig.Completer = client
		reasonerConfig.Prober = client
	}
	reasoner := classify.NewReasoner(ctx, reasonerConfig)
	logger.Info("classification reasoner selected", zap.String("reasoner", reasoner.Name()))

	engine, err := classify.NewEngine(classify.EngineConfig{
		Rules:           ruleStore,
		Reasoner:        reasoner,
		Timeout:         time.Duration(appConfig.LLMTimeoutSeconds) * time.Second,
		RefreshInterval: appConfig.RulesRefreshInterval,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Refresh(ctx); err != nil {
		logger.Warn("initial rule load failed", zap.Error(err))
	}
	return engine, nil
}

func newDispatcher(appConfig config.AppConfig, records *history.Store, logger *zap.Logger) (*alert.Dispatcher, error) {
	var transport alert.Transport
	if appConfig.TwilioConfigured() {
		twilioTransport, err := alert.NewTwilioTransport(alert.TwilioConfig{
			AccountSID: appConfig.TwilioAccountSID,
			AuthToken:  appConfig.TwilioAuthToken,
			FromNumber: appConfig.TwilioFromNumber,
		})
		if err != nil {
			return nil, err
		}
		transport = twilioTransport
	} else {
		logger.Warn("twilio not configured, urgent alerts are logged instead of sent")
		transport = alert.NewLogTransport(logger)
	}
	return alert.NewDispatcher(alert.DispatcherConfig{
		Transport:   transport,
		Records:     records,
		PhoneNumber: appConfig.AlertPhoneNumber,
		ClaimTTL:    appConfig.SMSClaimTTL,
		Logger:      logger,
	})
}

func newPublisher(appConfig config.AppConfig, logger *zap.Logger) (events.AlertPublisher, func(), error) {
	if appConfig.NATSURL == "" {
		return events.Noop{}, func() {}, nil
	}
	conn, err := events.Connect(appConfig.NATSURL, logger)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := events.NewNATSPublisher(conn, appConfig.NATSSubject, logger)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return publisher, func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("nats drain failed", zap.Error(err))
		}
	}, nil
}
