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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/vitrin/internal/connectkit"
	"github.com/tyemirov/vitrin/internal/connectkitpg"
	"github.com/tyemirov/vitrin/internal/photo"
	"github.com/tyemirov/vitrin/internal/web"
	webassets "github.com/tyemirov/vitrin/web"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildAccountStore = openAccountStore

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "vitrin",
		Short:   "Marketplace shop connector: OAuth account linking, catalog proxy, and product photo processing",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("provider_client_id", "", "Marketplace OAuth client id")
	rootCmd.Flags().String("provider_client_secret", "", "Marketplace OAuth client secret")
	rootCmd.Flags().String("provider_api_base", connectkit.DefaultProviderAPIBase, "Marketplace OpenAPI base URL")
	rootCmd.Flags().String("provider_authorize_url", connectkit.DefaultProviderAuthorizeURL, "Marketplace login page that starts authorization")
	rootCmd.Flags().Duration("provider_timeout", 30*time.Second, "Timeout for each marketplace API call")
	rootCmd.Flags().String("redirect_uri", "", "Registered OAuth redirect URI (points at /callback)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("state_ttl", 10*time.Minute, "Lifetime of the anti-forgery state issued at /login")
	rootCmd.Flags().String("session_scope", string(connectkit.SessionScopeGlobal), "Session resolution: global (latest connected account) or browser (per-browser cookie)")
	rootCmd.Flags().String("session_signing_key", "", "HS256 secret for the browser session cookie (required for browser scope)")
	rootCmd.Flags().Duration("session_ttl", 30*24*time.Hour, "Browser session cookie lifetime")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres://, sqlite://, or memory:// for a non-persistent store)")
	rootCmd.Flags().String("database_backend", "gorm", "Store implementation for postgres URLs: gorm or pgx")
	rootCmd.Flags().Int32("database_max_conns", 8, "Maximum pooled connections for the pgx backend")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().StringSlice("trusted_proxies", []string{}, "Proxy addresses or CIDRs allowed to set X-Forwarded-For; empty trusts none")
	rootCmd.Flags().Float64("image_rate_per_minute", 30, "Image uploads allowed per client per minute")
	rootCmd.Flags().Int("image_burst", 10, "Image upload burst per client")
	rootCmd.Flags().Int64("image_max_bytes", photo.DefaultMaxInputBytes, "Largest accepted image upload in bytes")

	for _, name := range []string{
		"listen_addr", "provider_client_id", "provider_client_secret", "provider_api_base",
		"provider_authorize_url", "provider_timeout", "redirect_uri", "cookie_domain", "state_ttl",
		"session_scope", "session_signing_key", "session_ttl", "dev_insecure_http", "database_url",
		"database_backend", "database_max_conns", "enable_cors", "cors_allowed_origins", "trusted_proxies", "image_rate_per_minute",
		"image_burst", "image_max_bytes",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	stateCookieName   = "oauth_state"
	sessionCookieName = "vitrin_session"
	sessionIssuer     = "vitrin"
	callbackPagePath  = "/auth/callback"

	configCodeMissingClientID         = "config.missing_provider_client_id"
	configCodeMissingClientSecret     = "config.missing_provider_client_secret"
	configCodeMissingRedirectURI      = "config.missing_redirect_uri"
	configCodeMissingDatabaseURL      = "config.missing_database_url"
	configCodeInvalidStateTTL         = "config.invalid_state_ttl"
	configCodeInvalidSessionScope     = "config.invalid_session_scope"
	configCodeMissingSigningKey       = "config.missing_session_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidProviderTimeout  = "config.invalid_provider_timeout"
	configCodeInvalidDatabaseBackend  = "config.invalid_database_backend"
	configCodeInvalidTrustedProxies   = "config.invalid_trusted_proxies"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeAccountStoreInit        = "config.account_store_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

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

func LoadServerConfig() (connectkit.ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("provider_client_id"))
	if clientID == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingClientID, "provider_client_id must be provided")
	}

	clientSecret := viper.GetString("provider_client_secret")
	if strings.TrimSpace(clientSecret) == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingClientSecret, "provider_client_secret must be provided")
	}

	redirectURI := strings.TrimSpace(viper.GetString("redirect_uri"))
	if redirectURI == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingRedirectURI, "redirect_uri must be provided")
	}

	if strings.TrimSpace(viper.GetString("database_url")) == "" {
		return connectkit.ServerConfig{}, configError(configCodeMissingDatabaseURL, "database_url must be provided (use memory:// for a non-persistent store)")
	}

	stateTTL := 10 * time.Minute
	if viper.IsSet("state_ttl") {
		stateTTL = viper.GetDuration("state_ttl")
	}
	if stateTTL <= 0 {
		return connectkit.ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	scope := connectkit.SessionScopeMode(strings.ToLower(strings.TrimSpace(viper.GetString("session_scope"))))
	if scope == "" {
		scope = connectkit.SessionScopeGlobal
	}
	if scope != connectkit.SessionScopeGlobal && scope != connectkit.SessionScopeBrowser {
		return connectkit.ServerConfig{}, configError(configCodeInvalidSessionScope, "session_scope must be global or browser")
	}

	signingKey := viper.GetString("session_signing_key")
	sessionTTL := 30 * 24 * time.Hour
	if viper.IsSet("session_ttl") {
		sessionTTL = viper.GetDuration("session_ttl")
	}
	if scope == connectkit.SessionScopeBrowser {
		if signingKey == "" {
			return connectkit.ServerConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided for browser session scope")
		}
		if sessionTTL <= 0 {
			return connectkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
		}
	}

	return connectkit.ServerConfig{
		ProviderClientID:     clientID,
		ProviderClientSecret: clientSecret,
		ProviderAPIBase:      viper.GetString("provider_api_base"),
		ProviderAuthorizeURL: viper.GetString("provider_authorize_url"),
		RedirectURI:          redirectURI,
		CallbackPagePath:     callbackPagePath,
		CookieDomain:         viper.GetString("cookie_domain"),
		StateCookieName:      stateCookieName,
		StateTTL:             stateTTL,
		SessionScope:         scope,
		SessionCookieName:    sessionCookieName,
		SessionSigningKey:    []byte(signingKey),
		SessionIssuer:        sessionIssuer,
		SessionTTL:           sessionTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(connectkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	providerTimeout := 30 * time.Second
	if viper.IsSet("provider_timeout") {
		providerTimeout = viper.GetDuration("provider_timeout")
	}
	if providerTimeout <= 0 {
		return configError(configCodeInvalidProviderTimeout, "provider_timeout must be greater than zero")
	}

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	accounts, closeAccounts, storeErr := buildAccountStore(context.Background(), viper.GetString("database_url"), viper.GetString("database_backend"), logger)
	if storeErr != nil {
		return storeErr
	}
	defer closeAccounts()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	provider := connectkit.NewProviderClient(connectkit.ProviderClientConfig{
		ClientID:     serverConfig.ProviderClientID,
		ClientSecret: serverConfig.ProviderClientSecret,
		APIBase:      serverConfig.ProviderAPIBase,
		AuthorizeURL: serverConfig.ProviderAuthorizeURL,
		RedirectURI:  serverConfig.RedirectURI,
		HTTPClient:   &http.Client{Timeout: providerTimeout},
	})
	clock := connectkit.NewSystemClock()
	connector, connectorErr := connectkit.NewConnector(connectkit.ConnectorDependencies{
		Provider: provider,
		Accounts: accounts,
		States:   connectkit.NewMemoryStateStore(connectkit.StateStoreConfig{TTL: serverConfig.StateTTL, Clock: clock}),
		Clock:    clock,
		Logger:   logger,
		Metrics:  connectkit.NewPrometheusMetrics(registry),
	})
	if connectorErr != nil {
		return connectorErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	if err := web.ConfigureTrustedProxies(router, viper.GetStringSlice("trusted_proxies")); err != nil {
		return fmt.Errorf("%s: %w", configCodeInvalidTrustedProxies, err)
	}
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/static/connect-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "connect-client.js")
	})
	router.GET("/client/config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{})
	})
	router.GET(callbackPagePath, func(contextGin *gin.Context) {
		web.ServeEmbeddedPage(contextGin, webassets.FS, "callback.html")
	})

	if err := connectkit.MountConnectRoutes(router, serverConfig, connector, logger); err != nil {
		return err
	}

	imageMaxBytes := viper.GetInt64("image_max_bytes")
	if imageMaxBytes <= 0 {
		imageMaxBytes = photo.DefaultMaxInputBytes
	}
	limiterConfig := web.DefaultImageRateLimiterConfig()
	if perMinute := viper.GetFloat64("image_rate_per_minute"); perMinute > 0 {
		limiterConfig.Rate = rate.Limit(perMinute / 60.0)
	}
	if burst := viper.GetInt("image_burst"); burst > 0 {
		limiterConfig.Burst = burst
	}
	imageLimiter := web.NewClientRateLimiter(limiterConfig, logger)
	defer imageLimiter.Stop()
	router.POST("/images/process",
		imageLimiter.Middleware(),
		web.LimitRequestBody(imageMaxBytes+(1<<20)),
		web.HandleImageProcess(logger, photo.NewProcessor(photo.Config{MaxInputBytes: imageMaxBytes})),
	)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
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
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("session_scope", string(serverConfig.SessionScope)))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// openAccountStore selects the account store for databaseURL. memory:// is an
// explicit opt-in; postgres URLs may use the pgx backend instead of GORM.
func openAccountStore(ctx context.Context, databaseURL string, backend string, logger *zap.Logger) (connectkit.AccountStore, func(), error) {
	noop := func() {}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(databaseURL)), "memory://") {
		logger.Warn("using in-memory account store; connected accounts are lost on restart")
		return connectkit.NewMemoryAccountStore(), noop, nil
	}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "gorm":
		store, err := connectkit.NewDatabaseAccountStore(ctx, databaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("%s: %w", configCodeAccountStoreInit, err)
		}
		logger.Info("using persistent account store", zap.String("driver", store.Driver()))
		return store, noop, nil
	case "pgx":
		pool, err := connectkitpg.BuildPool(ctx, databaseURL, connectkitpg.PoolOptions{
			MaxConns: viper.GetInt32("database_max_conns"),
		})
		if err != nil {
			return nil, noop, fmt.Errorf("%s: %w", configCodeAccountStoreInit, err)
		}
		if err := connectkitpg.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("%s: %w", configCodeAccountStoreInit, err)
		}
		logger.Info("using persistent account store", zap.String("driver", "pgx"))
		return connectkitpg.NewPostgresAccountStore(pool), pool.Close, nil
	default:
		return nil, noop, configError(configCodeInvalidDatabaseBackend, "database_backend must be gorm or pgx")
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
