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

	"github.com/MarcoPoloResearchLab/formdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"github.com/MarcoPoloResearchLab/formdeck/internal/config"
	"github.com/MarcoPoloResearchLab/formdeck/internal/database"
	"github.com/MarcoPoloResearchLab/formdeck/internal/logging"
	"github.com/MarcoPoloResearchLab/formdeck/internal/room"
	"github.com/MarcoPoloResearchLab/formdeck/internal/server"
	"github.com/MarcoPoloResearchLab/formdeck/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "formdeck-api",
		Short: "FormDeck collaborative form editing service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected token issuer")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("history-limit", defaults.GetInt("room.history_limit"), "Operations retained per room for conflict detection")
	cmd.PersistentFlags().Int("conflict-window-ms", defaults.GetInt("room.conflict_window_ms"), "Concurrency window in milliseconds")
	cmd.PersistentFlags().Int("idle-threshold-s", defaults.GetInt("room.idle_threshold_s"), "Seconds of inactivity before eviction")
	cmd.PersistentFlags().Int("reap-interval-s", defaults.GetInt("room.reap_interval_s"), "Seconds between idle sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "room.history_limit", "history-limit")
	bindFlag(cmd, "room.conflict_window_ms", "conflict-window-ms")
	bindFlag(cmd, "room.idle_threshold_s", "idle-threshold-s")
	bindFlag(cmd, "room.reap_interval_s", "reap-interval-s")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	documentStore, err := store.NewStore(store.Config{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	writer, err := store.NewWriter(store.WriterConfig{
		Applier: documentStore,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer writer.Close()

	registry, err := room.NewRegistry(room.RegistryConfig{
		FieldLoader:     documentStore,
		OperationWriter: writer,
		Resolver:        collab.NewResolver(appConfig.ConflictWindow),
		HistoryLimit:    appConfig.HistoryLimit,
		Clock:           time.Now,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	reaper, err := room.NewReaper(room.ReaperConfig{
		Registry:      registry,
		Interval:      appConfig.ReapInterval,
		IdleThreshold: appConfig.IdleThreshold,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:       verifier,
		Registry:       registry,
		Logger:         logger,
		Clock:          time.Now,
		IDProvider:     collab.NewUUIDProvider(),
		SendBufferSize: appConfig.SendBufferSize,
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

	go reaper.Run(signalCtx)

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

// newIssueTokenCommand mints a development token so clients can connect
// without a running identity service.
func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttlMinutes  int
	)

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a development access token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("auth.signing_secret")
			issuerName := viper.GetString("auth.issuer")

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        issuerName,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			if err != nil {
				return err
			}

			token, err := issuer.Issue(userID, displayName)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Subject user id (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name shown to collaborators")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "Token lifetime in minutes")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
