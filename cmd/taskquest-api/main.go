package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/config"
	"github.com/MarcoPoloResearchLab/taskquest/backend/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	// a missing .env is fine; the environment and flags still apply
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "taskquest-api",
		Short: "TaskQuest backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newNotifyCommand(), newMemoCommand(), newRepairOrdersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("time-zone", defaults.GetString("calendar.time_zone"), "IANA time zone of the term calendar")
	cmd.PersistentFlags().String("terms", defaults.GetString("calendar.terms"), "Term set (workday, full_day)")
	cmd.PersistentFlags().String("skip-policy", defaults.GetString("quests.skip_policy"), "Skip policy (compact, preserve_order)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "calendar.time_zone", "time-zone")
	bindFlag(cmd, "calendar.terms", "terms")
	bindFlag(cmd, "quests.skip_policy", "skip-policy")
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
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	app, err := newApplication(appConfig)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	// gaps left by an interrupted rewrite are closed before serving
	_, _ = app.repairOrders(ctx)

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        auth.DefaultSessionIssuer,
		Audience:      auth.DefaultSessionAudience,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		GoogleVerifier: googleVerifier,
		Identities:     app.users,
		Tokens:         tokenIssuer,
		Sessions:       sessionValidator,
		QuestService:   app.quests,
		MemoService:    app.memos,
		Subscriptions:  app.subscriptions,
		Realtime:       server.NewRealtimeDispatcher(),
		TriggerSecret:  appConfig.NotifyTriggerSecret,
		TermLabel:      appConfig.NotifyTermLabel,
		AllowedOrigins: appConfig.AllowedOrigins,
		CookieSecure:   appConfig.SessionCookieSecure,
		Logger:         logger,
	}
	if appConfig.PushEnabled() {
		broadcaster, err := app.newBroadcaster()
		if err != nil {
			return err
		}
		dependencies.Broadcaster = broadcaster
		dependencies.VAPIDPublicKey = appConfig.VAPIDPublicKey
	} else {
		logger.Warn("push notifications disabled: no VAPID key pair configured")
	}

	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
