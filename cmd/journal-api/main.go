package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/config"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/consent"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/database"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/offlinequeue"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/server"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/syncclient"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "journal-api",
		Short: "Journal sync backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDrainQueueCommand(), newEnqueueCommand(), newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("queue-database-path", defaults.GetString("queue.database_path"), "Offline queue SQLite path")
	cmd.PersistentFlags().String("server-url", defaults.GetString("client.server_url"), "Journal API base URL for queue draining")
	cmd.PersistentFlags().String("client-id", defaults.GetString("client.id"), "Device identifier presented when syncing")
	cmd.PersistentFlags().String("token", "", "Session token presented when syncing (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "queue.database_path", "queue-database-path")
	bindFlag(cmd, "client.server_url", "server-url")
	bindFlag(cmd, "client.id", "client-id")
	bindFlag(cmd, "client.token", "token")
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

func newLogger(appConfig config.AppConfig) (*zap.Logger, error) {
	return logging.NewLogger(logging.Options{
		Level:     appConfig.LogLevel,
		File:      appConfig.LogFile,
		MaxSizeMB: appConfig.LogMaxSizeMB,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	owners, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry, err := consent.NewRegistry(consent.RegistryConfig{
		Database:     db,
		Logger:       logger,
		DefaultAllow: appConfig.ConsentDefaultAllow,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	journalService, err := journal.NewService(journal.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: journal.NewUUIDProvider(),
		Logger:     logger,
		Consent:    registry,
		Publisher:  dispatcher,
		Settings:   appConfig.Sync,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Owners:           owners,
		JournalService:   journalService,
		Consent:          registry,
		Realtime:         dispatcher,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newDrainQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-queue",
		Short: "Submit queued offline entries to the journal API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrainQueue(cmd.Context())
		},
	}
}

func newEnqueueCommand() *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue <entries.json>",
		Short: "Queue entries from a JSON array for the next drain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), args[0], priority)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority; higher drains first")
	return cmd
}

func openQueue(appConfig config.AppConfig, logger *zap.Logger) (*offlinequeue.Queue, func(), error) {
	db, err := database.OpenQueue(appConfig.QueueDatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	reconciler := journal.NewReconciler(journal.ReconcilerConfig{
		ToleranceWindow: appConfig.Sync.ToleranceWindow,
		WellbeingTypes:  appConfig.Sync.WellbeingTypes,
	})
	queue, err := offlinequeue.New(offlinequeue.Config{
		Database:    db,
		ClientID:    appConfig.ClientID,
		Logger:      logger,
		Resolver:    journal.NewAutomaticConflictResolver(reconciler.ToleranceWindow(), reconciler.IsWellbeing),
		MaxAttempts: appConfig.QueueMaxAttempts,
		BaseBackoff: appConfig.QueueBaseBackoff,
		MaxBackoff:  appConfig.QueueMaxBackoff,
		BatchSize:   appConfig.Sync.MaxEntriesPerRequest,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return queue, func() { _ = sqlDB.Close() }, nil
}

func runDrainQueue(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateClient(); err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	queue, closeQueue, err := openQueue(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	client, err := syncclient.New(syncclient.Config{
		BaseURL: appConfig.ClientServerURL,
		Token:   syncclient.StaticToken(appConfig.ClientToken),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := queue.DrainAll(signalCtx, client)
	if err != nil {
		return err
	}
	logger.Info("offline queue drained",
		zap.Int("submitted", report.Submitted),
		zap.Int("received", report.Received),
		zap.Int("synced", len(report.Synced)),
		zap.Int("discarded", len(report.Discarded)),
		zap.Int("rebased", len(report.Rebased)),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Int("retrying", len(report.Retrying)),
		zap.Int("failed", len(report.Failed)))

	failed, err := queue.Failed(signalCtx)
	if err != nil {
		return err
	}
	for _, item := range failed {
		logger.Warn("queued entry needs attention",
			zap.String("mobile_id", item.MobileID),
			zap.String("status", string(item.Status)),
			zap.Int("attempts", item.Attempts),
			zap.String("last_error", item.LastError))
	}
	if report.SubmitError != nil {
		return fmt.Errorf("drain stopped early: %w", report.SubmitError)
	}

	pulled, err := queue.Pull(signalCtx, client)
	if err != nil {
		return fmt.Errorf("pull server changes: %w", err)
	}
	logger.Info("server changes pulled", zap.Int("received", pulled))
	return nil
}

func runEnqueue(ctx context.Context, path string, priority int) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(appConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []journal.EntryPayload
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	queue, closeQueue, err := openQueue(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	for _, entry := range entries {
		if err := queue.Enqueue(ctx, entry, priority); err != nil {
			return err
		}
	}
	logger.Info("entries queued", zap.Int("count", len(entries)), zap.String("source", path))
	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateServer(); err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email, "")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the session, e.g. google:12345")
	cmd.Flags().StringVar(&email, "email", "", "Optional user email")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
