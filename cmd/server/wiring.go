package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/tyemirov/notify/internal/accounts"
	"github.com/tyemirov/notify/internal/authkit"
	"github.com/tyemirov/notify/internal/authkitpg"
	"github.com/tyemirov/notify/internal/content"
	"github.com/tyemirov/notify/internal/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// closers runs cleanup functions in reverse registration order.
type closers struct {
	functions []func()
}

func (resources *closers) add(function func()) {
	resources.functions = append(resources.functions, function)
}

func (resources *closers) close() {
	for index := len(resources.functions) - 1; index >= 0; index-- {
		resources.functions[index]()
	}
	resources.functions = nil
}

type application struct {
	router    *gin.Engine
	resources *closers
}

func (app *application) close() {
	app.resources.close()
}

func buildLogger(level string, pretty bool) (*zap.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, configError(configCodeInvalidLogLevel, fmt.Sprintf("log_level %q is not recognised", level))
	}
	configuration := zap.NewProductionConfig()
	if pretty {
		configuration = zap.NewDevelopmentConfig()
	}
	configuration.Level = atomicLevel
	configuration.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	configuration.InitialFields = map[string]interface{}{"service": "notify", "version": version}
	return configuration.Build()
}

type storeSet struct {
	credentials authkit.AccountStore
	posts       content.Store
}

// openStores selects memory, GORM, or pgx-backed stores from database_url and database_driver.
func openStores(ctx context.Context, logger *zap.Logger, resources *closers) (storeSet, error) {
	clock := authkit.NewSystemClock()
	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	if databaseURL == "" {
		logger.Info("using in-memory stores", zap.String("code", "server.store.memory"))
		return storeSet{credentials: authkit.NewMemoryCredentialStore(clock), posts: content.NewMemoryStore(clock)}, nil
	}
	driver, err := databaseDriver()
	if err != nil {
		return storeSet{}, err
	}

	gormDB, driverLabel, err := authkit.OpenDatabase(databaseURL)
	if err != nil {
		return storeSet{}, err
	}
	if sqlDB, sqlErr := gormDB.DB(); sqlErr == nil {
		resources.add(func() { _ = sqlDB.Close() })
	}
	posts, err := content.NewDatabaseStore(ctx, gormDB, driverLabel, clock)
	if err != nil {
		return storeSet{}, err
	}

	if driver == "pgx" {
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return storeSet{}, poolErr
		}
		resources.add(pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return storeSet{}, schemaErr
		}
		logger.Info("using pgx credential store", zap.String("code", "server.store.pgx"))
		return storeSet{credentials: authkitpg.NewPostgresCredentialStore(pool, clock), posts: posts}, nil
	}

	credentials, err := authkit.NewDatabaseCredentialStore(ctx, gormDB, driverLabel, clock)
	if err != nil {
		return storeSet{}, err
	}
	logger.Info("using persistent stores", zap.String("code", "server.store.gorm"), zap.String("driver", driverLabel))
	return storeSet{credentials: credentials, posts: posts}, nil
}

type cacheSet struct {
	sessions *authkit.SessionCache
	redis    redis.UniversalClient
}

// openCache uses Redis when redis_url is set and an in-process backend otherwise.
func openCache(logger *zap.Logger, metrics authkit.MetricsRecorder, resources *closers, configuration authkit.SessionCacheConfig) (cacheSet, error) {
	redisURL := strings.TrimSpace(viper.GetString("redis_url"))
	if redisURL == "" {
		backend := authkit.NewMemoryCacheBackend(authkit.NewSystemClock())
		return cacheSet{sessions: authkit.NewSessionCache(backend, configuration, metrics, logger)}, nil
	}
	client, err := authkit.NewRedisClientFromURL(redisURL)
	if err != nil {
		return cacheSet{}, err
	}
	resources.add(func() { _ = client.Close() })
	backend := authkit.NewRedisCacheBackend(client, viper.GetString("cache_key_prefix"))
	pingTimeout := configuration.Timeout
	if pingTimeout <= 0 {
		pingTimeout = 250 * time.Millisecond
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if pingErr := backend.Ping(pingCtx); pingErr != nil {
		logger.Warn("redis unreachable at startup; cache calls will bypass until it recovers",
			zap.String("code", "server.cache.unreachable"), zap.Error(pingErr))
	}
	return cacheSet{sessions: authkit.NewSessionCache(backend, configuration, metrics, logger), redis: client}, nil
}

func buildApplication(ctx context.Context, serverConfig authkit.ServerConfig, logger *zap.Logger) (*application, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resources := &closers{}
	app, err := assembleApplication(ctx, serverConfig, logger, resources)
	if err != nil {
		resources.close()
		return nil, err
	}
	return app, nil
}

func assembleApplication(ctx context.Context, serverConfig authkit.ServerConfig, logger *zap.Logger, resources *closers) (*application, error) {
	clock := authkit.NewSystemClock()

	var metrics authkit.MetricsRecorder = authkit.NopMetrics{}
	var registry *prometheus.Registry
	if viper.GetBool("enable_metrics") {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = authkit.NewPrometheusMetrics(registry, "notify", logger)
	}

	stores, err := openStores(ctx, logger, resources)
	if err != nil {
		return nil, err
	}
	cache, err := openCache(logger, metrics, resources, authkit.SessionCacheConfig{TTL: serverConfig.CacheTTL, Timeout: serverConfig.CacheTimeout})
	if err != nil {
		return nil, err
	}

	var securityEvents authkit.SecurityEventPublisher = authkit.NewLogSecurityEventPublisher(logger)
	if brokers := viper.GetStringSlice("security_events_brokers"); len(brokers) > 0 {
		publisher := authkit.NewKafkaSecurityEventPublisher(brokers, viper.GetString("security_events_topic"), logger)
		resources.add(func() { _ = publisher.Close() })
		securityEvents = publisher
	}

	codec, err := authkit.NewTokenCodec(authkit.TokenCodecConfig{
		AccessSecret:  serverConfig.AccessTokenSecret,
		RefreshSecret: serverConfig.RefreshTokenSecret,
		Issuer:        serverConfig.TokenIssuer,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}
	hasher := authkit.NewBcryptPasswordHasher(0)
	tokens, err := authkit.NewTokenService(authkit.TokenServiceDependencies{
		Credentials:     stores.credentials,
		Codec:           codec,
		Hasher:          hasher,
		Cache:           cache.sessions,
		Metrics:         metrics,
		SecurityEvents:  securityEvents,
		Logger:          logger,
		Clock:           clock,
		AccessTokenTTL:  serverConfig.AccessTokenTTL,
		RefreshTokenTTL: serverConfig.RefreshTokenTTL,
		StoreTimeout:    serverConfig.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}
	accountService, err := accounts.NewService(accounts.ServiceDependencies{
		Store:        stores.credentials,
		Hasher:       hasher,
		Cache:        cache.sessions,
		Metrics:      metrics,
		Logger:       logger,
		StoreTimeout: serverConfig.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}
	postService, err := content.NewService(content.ServiceDependencies{
		Store:        stores.posts,
		Cache:        cache.sessions,
		Metrics:      metrics,
		Logger:       logger,
		StoreTimeout: serverConfig.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}
	accountService.AddRenameListener(postService)

	var provider authkit.ExternalIdentityProvider
	var states authkit.StateStore
	if serverConfig.Google.Enabled() {
		provider, err = buildGoogleProvider(ctx, serverConfig.Google)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleProviderInit, err)
		}
		if cache.redis != nil {
			states = authkit.NewRedisStateStore(cache.redis, viper.GetString("cache_key_prefix"), serverConfig.OAuthStateTTL)
		} else {
			states = authkit.NewMemoryStateStore(serverConfig.OAuthStateTTL, clock)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.AccessLog(logger))
	router.Use(web.RequestMetrics(metrics))
	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"active_sessions": cache.sessions.ActiveSessions(contextGin.Request.Context()),
		})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	authkit.MountAuthRoutes(api, authkit.AuthRouteDependencies{
		Configuration: serverConfig,
		Tokens:        tokens,
		Provider:      provider,
		States:        states,
		Logger:        logger,
	})
	web.MountAccountRoutes(api, web.AccountRouteDependencies{
		Configuration: serverConfig,
		Tokens:        tokens,
		Accounts:      accountService,
		Logger:        logger,
	})
	web.MountPostRoutes(api, web.PostRouteDependencies{
		Configuration: serverConfig,
		Tokens:        tokens,
		Posts:         postService,
		Logger:        logger,
	})

	return &application{router: router, resources: resources}, nil
}
