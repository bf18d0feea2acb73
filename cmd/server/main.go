package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/notify/internal/accounts"
	"github.com/tyemirov/notify/internal/authkit"
	"go.uber.org/zap"
)

var version = "dev"

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleProvider = func(ctx context.Context, configuration authkit.GoogleProviderConfig) (authkit.ExternalIdentityProvider, error) {
	return authkit.NewGoogleIdentityProvider(ctx, configuration)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "notify",
		Short:   "Posts service with password and Google sign-in, rotating refresh tokens, and a coherent read-through cache",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	persistent := rootCmd.PersistentFlags()
	persistent.String("database_url", "", "Database URL (postgres:// or sqlite://; empty for in-memory stores)")
	persistent.String("database_driver", "gorm", "Credential store driver for postgres: gorm or pgx")
	persistent.String("redis_url", "", "Redis URL for the session cache and OAuth state; empty for in-process")
	persistent.String("cache_key_prefix", "notify:", "Prefix applied to every Redis key")
	persistent.Duration("cache_ttl", time.Hour, "Lifetime of cached entries")
	persistent.Duration("cache_timeout", 250*time.Millisecond, "Upper bound for each cache call before it is bypassed")
	persistent.Duration("store_timeout", 2*time.Second, "Upper bound for each durable store call")
	persistent.String("log_level", "info", "Log level: debug, info, warn, error")
	persistent.Bool("log_pretty", false, "Human-readable development logs")

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("access_token_secret", "", "HS256 secret for access tokens")
	flags.String("refresh_token_secret", "", "HS256 secret for refresh tokens")
	flags.String("token_issuer", "notify", "Issuer claim for minted tokens")
	flags.Duration("access_token_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_token_ttl", 240*time.Hour, "Refresh token TTL")
	flags.String("google_client_id", "", "Google OAuth client id")
	flags.String("google_client_secret", "", "Google OAuth client secret")
	flags.String("google_callback_url", "", "Google OAuth redirect URL")
	flags.Duration("oauth_state_ttl", 5*time.Minute, "Lifetime of an OAuth state value")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (sets SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Bool("enable_metrics", true, "Expose Prometheus metrics on /metrics")
	flags.StringSlice("security_events_brokers", []string{}, "Kafka brokers for security events; empty logs them instead")
	flags.String("security_events_topic", "notify.security", "Kafka topic for security events")

	bindFlags(persistent, "database_url", "database_driver", "redis_url", "cache_key_prefix", "cache_ttl",
		"cache_timeout", "store_timeout", "log_level", "log_pretty")
	bindFlags(flags, "listen_addr", "cookie_domain", "access_token_secret", "refresh_token_secret", "token_issuer",
		"access_token_ttl", "refresh_token_ttl", "google_client_id", "google_client_secret", "google_callback_url",
		"oauth_state_ttl", "dev_insecure_http", "enable_cors", "cors_allowed_origins", "enable_metrics",
		"security_events_brokers", "security_events_topic")

	viper.SetEnvPrefix("NOTIFY")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newSeedAdminCommand())
	return rootCmd
}

const (
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"

	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeSharedTokenSecret       = "config.shared_token_secret"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeIncompleteGoogle        = "config.incomplete_google_config"
	configCodeMissingCORSOrigins      = "config.missing_cors_origins"
	configCodeInvalidDatabaseDriver   = "config.invalid_database_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleProviderInit      = "config.google_provider_init"
	configCodeInvalidLogLevel         = "config.invalid_log_level"
	configCodeMissingAdminField       = "config.missing_admin_field"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func bindFlags(flagSet *pflag.FlagSet, names ...string) {
	for _, name := range names {
		_ = viper.BindPFlag(name, flagSet.Lookup(name))
	}
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the viper-backed settings that shape tokens, cookies, and timeouts.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessSecret := viper.GetString("access_token_secret")
	if accessSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshSecret := viper.GetString("refresh_token_secret")
	if refreshSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if accessSecret == refreshSecret {
		return authkit.ServerConfig{}, configError(configCodeSharedTokenSecret, "access_token_secret and refresh_token_secret must differ")
	}

	accessTTL := viper.GetDuration("access_token_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTTL <= accessTTL {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must exceed access_token_ttl")
	}

	google := authkit.GoogleProviderConfig{
		ClientID:     viper.GetString("google_client_id"),
		ClientSecret: viper.GetString("google_client_secret"),
		CallbackURL:  viper.GetString("google_callback_url"),
	}
	provided := 0
	for _, value := range []string{google.ClientID, google.ClientSecret, google.CallbackURL} {
		if strings.TrimSpace(value) != "" {
			provided++
		}
	}
	if provided != 0 && provided != 3 {
		return authkit.ServerConfig{}, configError(configCodeIncompleteGoogle, "google_client_id, google_client_secret and google_callback_url must be set together")
	}

	enableCORS := viper.GetBool("enable_cors")
	if enableCORS && len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
		return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	if _, err := databaseDriver(); err != nil {
		return authkit.ServerConfig{}, err
	}

	issuer := viper.GetString("token_issuer")
	if issuer == "" {
		issuer = "notify"
	}
	sameSite := http.SameSiteStrictMode
	if enableCORS {
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		AccessTokenSecret:  []byte(accessSecret),
		RefreshTokenSecret: []byte(refreshSecret),
		TokenIssuer:        issuer,
		CookieDomain:       viper.GetString("cookie_domain"),
		AccessCookieName:   accessCookieName,
		RefreshCookieName:  refreshCookieName,
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		CacheTTL:           positiveDuration("cache_ttl", time.Hour),
		CacheTimeout:       positiveDuration("cache_timeout", 250*time.Millisecond),
		StoreTimeout:       positiveDuration("store_timeout", 2*time.Second),
		OAuthStateTTL:      positiveDuration("oauth_state_ttl", 5*time.Minute),
		Google:             google,
		SameSiteMode:       sameSite,
		AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
	}, nil
}

// databaseDriver resolves database_driver; pgx only applies to postgres URLs.
func databaseDriver() (string, error) {
	driver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if driver == "" {
		driver = "gorm"
	}
	switch driver {
	case "gorm":
		return driver, nil
	case "pgx":
		databaseURL := strings.ToLower(viper.GetString("database_url"))
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return "", configError(configCodeInvalidDatabaseDriver, "database_driver pgx requires a postgres database_url")
		}
		return driver, nil
	default:
		return "", configError(configCodeInvalidDatabaseDriver, "database_driver must be gorm or pgx")
	}
}

func positiveDuration(key string, fallback time.Duration) time.Duration {
	if configured := viper.GetDuration(key); configured > 0 {
		return configured
	}
	return fallback
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger(viper.GetString("log_level"), viper.GetBool("log_pretty"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	app, buildErr := buildApplication(commandContext, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.close()

	listenAddr := viper.GetString("listen_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("code", "server.listening"), zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func newSeedAdminCommand() *cobra.Command {
	seedCmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the first administrator account",
		RunE:  runSeedAdmin,
	}
	seedCmd.Flags().String("admin_full_name", "Administrator", "Full name of the administrator")
	seedCmd.Flags().String("admin_username", "", "Username of the administrator")
	seedCmd.Flags().String("admin_email", "", "Email of the administrator")
	seedCmd.Flags().String("admin_password", "", "Password of the administrator (prefer NOTIFY_ADMIN_PASSWORD)")
	bindFlags(seedCmd.Flags(), "admin_full_name", "admin_username", "admin_email", "admin_password")
	return seedCmd
}

func runSeedAdmin(command *cobra.Command, arguments []string) error {
	registration := accounts.Registration{
		FullName: viper.GetString("admin_full_name"),
		Username: viper.GetString("admin_username"),
		Email:    viper.GetString("admin_email"),
		Password: viper.GetString("admin_password"),
	}
	required := []struct {
		name  string
		value string
	}{
		{name: "admin_username", value: registration.Username},
		{name: "admin_email", value: registration.Email},
		{name: "admin_password", value: registration.Password},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return configError(configCodeMissingAdminField, field.name+" must be provided")
		}
	}

	logger, loggerErr := buildLogger(viper.GetString("log_level"), viper.GetBool("log_pretty"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resources := &closers{}
	defer resources.close()

	storeTimeout := positiveDuration("store_timeout", 2*time.Second)
	stores, err := openStores(ctx, logger, resources)
	if err != nil {
		return err
	}
	cache, err := openCache(logger, authkit.NopMetrics{}, resources, authkit.SessionCacheConfig{
		TTL:     positiveDuration("cache_ttl", time.Hour),
		Timeout: positiveDuration("cache_timeout", 250*time.Millisecond),
	})
	if err != nil {
		return err
	}
	service, err := accounts.NewService(accounts.ServiceDependencies{
		Store:        stores.credentials,
		Hasher:       authkit.NewBcryptPasswordHasher(0),
		Cache:        cache.sessions,
		Logger:       logger,
		StoreTimeout: storeTimeout,
	})
	if err != nil {
		return err
	}
	profile, err := service.SeedAdmin(ctx, registration)
	if err != nil {
		return fmt.Errorf("seed_admin: %w", err)
	}
	command.Printf("admin %s created with id %s\n", profile.Username, profile.ID)
	return nil
}
