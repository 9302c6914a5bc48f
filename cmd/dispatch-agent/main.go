package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LotlineLogistics/dispatch/internal/assignment"
	"github.com/LotlineLogistics/dispatch/internal/config"
	"github.com/LotlineLogistics/dispatch/internal/database"
	"github.com/LotlineLogistics/dispatch/internal/engine"
	"github.com/LotlineLogistics/dispatch/internal/logging"
	"github.com/LotlineLogistics/dispatch/internal/outbox"
	"github.com/LotlineLogistics/dispatch/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	dayFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch-agent",
		Short: "Offline-first replication agent for fleet dispatch assignments",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyAgentDefaults(viper.GetViper())
	defaults := config.NewAgentViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&dayFlag, "day", "", "Day partition to sync (YYYY-MM-DD, defaults to today)")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Authority base URL")
	cmd.PersistentFlags().String("server-token", "", "Bearer token for the authority (overrides env)")
	cmd.PersistentFlags().String("tenant-id", defaults.GetString("tenant.id"), "Tenant identifier")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval")
	cmd.PersistentFlags().Duration("debounce-quiet", defaults.GetDuration("sync.debounce_quiet"), "Quiet period before a post-edit push")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path (empty for stdout only)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "server.token", "server-token")
	bindFlag(cmd, "tenant.id", "tenant-id")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.debounce_quiet", "debounce-quiet")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	day := dayFlag
	if day == "" {
		day = assignment.DayKeyOf(time.Now()).String()
	}
	scope, err := assignment.NewScope(appConfig.TenantID, day)
	if err != nil {
		return err
	}

	db, err := database.OpenAgent(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := assignment.NewStore(assignment.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:     db,
		IDProvider:   outbox.NewUUIDProvider(),
		Logger:       logger,
		RetryCeiling: appConfig.RetryCeiling,
	})
	if err != nil {
		return err
	}

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL:     appConfig.ServerURL,
		BearerToken: appConfig.AuthToken,
		Timeout:     appConfig.RequestTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	checkpoints, err := engine.NewCheckpointStore(db, logger)
	if err != nil {
		return err
	}

	puller, err := engine.NewPuller(engine.PullerConfig{
		Transport:   client,
		Store:       store,
		Checkpoints: checkpoints,
		PageLimit:   appConfig.PullPageLimit,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pusher, err := engine.NewPusher(engine.PusherConfig{
		Transport:  client,
		Store:      store,
		Queue:      queue,
		BatchLimit: appConfig.PushBatchLimit,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := engine.NewOrchestrator(engine.OrchestratorConfig{
		Scope:         scope,
		Puller:        puller,
		Pusher:        pusher,
		Queue:         queue,
		Probe:         client,
		Interval:      appConfig.SyncInterval,
		DebounceQuiet: appConfig.DebounceQuiet,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states, cancelWatch := orchestrator.WatchState(signalCtx)
	defer cancelWatch()
	go func() {
		for state := range states {
			logger.Info("sync state",
				zap.String("status", string(state.Status)),
				zap.Int64("pending", state.PendingCount),
				zap.String("last_error", state.LastError))
		}
	}()

	logger.Info("agent starting",
		zap.String("scope", scope.Key()),
		zap.String("server", appConfig.ServerURL))
	return orchestrator.Run(signalCtx)
}
