package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redwing-381/projectx/internal/capture"
	"github.com/redwing-381/projectx/internal/config"
	"github.com/redwing-381/projectx/internal/logging"
	"github.com/redwing-381/projectx/internal/syncagent"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// commandContext lazily loads configuration shared by every subcommand.
type commandContext struct {
	viper      *viper.Viper
	configFile string
	config     *config.AgentConfig
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{viper: config.NewAgentViper()}

	rootCmd := &cobra.Command{
		Use:           "projectx-agent",
		Short:         "Capture notifications locally and sync them to ProjectX",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFile, "config", "c", "", "Configuration file path")
	flags.String("server-url", "", "ProjectX server base URL")
	flags.String("api-key", "", "API key or device token")
	flags.String("device-id", "", "Stable identifier for this device")
	flags.String("store-path", ctx.viper.GetString("store.path"), "Local capture database path")
	flags.String("log-level", ctx.viper.GetString("log.level"), "Log level (debug, info, warn, error)")
	ctx.bindFlag(rootCmd, "server.url", "server-url")
	ctx.bindFlag(rootCmd, "server.api_key", "api-key")
	ctx.bindFlag(rootCmd, "device.id", "device-id")
	ctx.bindFlag(rootCmd, "store.path", "store-path")
	ctx.bindFlag(rootCmd, "log.level", "log-level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newCaptureCommand(ctx))
	rootCmd.AddCommand(newSyncNowCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}

func (c *commandContext) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *commandContext) ensureConfig() (config.AgentConfig, error) {
	if c.config != nil {
		return *c.config, nil
	}
	if c.configFile != "" {
		c.viper.SetConfigFile(c.configFile)
		if err := c.viper.ReadInConfig(); err != nil {
			return config.AgentConfig{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("projectx-agent")
		c.viper.AddConfigPath(".")
		if err := c.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return config.AgentConfig{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	cfg, err := config.LoadAgent(c.viper)
	if err != nil {
		return config.AgentConfig{}, err
	}
	c.config = &cfg
	return cfg, nil
}

// session bundles the opened store, logger and agent for one command invocation.
type session struct {
	config config.AgentConfig
	logger *zap.Logger
	store  *capture.Store
	agent  *syncagent.Agent
}

func (c *commandContext) openSession(ctx context.Context) (*session, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	store, err := capture.Open(ctx, capture.StoreConfig{Path: cfg.StorePath, Logger: logger})
	if err != nil {
		return nil, err
	}
	client := syncagent.NewClient(cfg.ServerURL, cfg.APIKey, cfg.DeviceID, nil, cfg.HTTPTimeout)
	agent, err := syncagent.New(syncagent.Config{
		Queue:           store,
		Server:          client,
		SyncInterval:    cfg.SyncInterval,
		CommandInterval: cfg.CommandPollInterval,
		RetryBase:       cfg.RetryBase,
		RetryMax:        cfg.RetryMax,
		Logger:          logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{config: cfg, logger: logger, store: store, agent: agent}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close capture store", zap.Error(err))
	}
	_ = s.logger.Sync()
}
