package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vendora/engine/internal/handlers"
	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/platform/auth"
	"github.com/vendora/engine/internal/platform/config"
	pfirestore "github.com/vendora/engine/internal/platform/firestore"
	"github.com/vendora/engine/internal/platform/idempotency"
	"github.com/vendora/engine/internal/platform/jobs"
	"github.com/vendora/engine/internal/platform/mail"
	"github.com/vendora/engine/internal/platform/observability"
	"github.com/vendora/engine/internal/platform/secrets"
	"github.com/vendora/engine/internal/repositories"
	firestoreRepo "github.com/vendora/engine/internal/repositories/firestore"
	"github.com/vendora/engine/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("engine")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	statusEventRepo, err := firestoreRepo.NewOrderStatusEventRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise status event repository", zap.Error(err))
	}
	inventoryRepo, err := firestoreRepo.NewInventoryRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise inventory repository", zap.Error(err))
	}
	vendorSettingsRepo, err := firestoreRepo.NewVendorSettingsRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise vendor settings repository", zap.Error(err))
	}
	gatewayEventRepo, err := firestoreRepo.NewGatewayEventRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise gateway event repository", zap.Error(err))
	}
	auditLogRepo, err := firestoreRepo.NewAuditLogRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise audit log repository", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required")
	}
	paymentsLogger := logger.Named("payments")
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.PSP.StripeAPIKey,
		WebhookSecret: cfg.PSP.StripeWebhookSecret,
		Logger:        eventLogger(paymentsLogger.Named("stripe")),
		Clock:         time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}

	providers := map[string]payments.Provider{
		"stripe": stripeProvider,
	}
	if strings.TrimSpace(cfg.PSP.PayPalClientID) != "" {
		paypalProvider, err := payments.NewPayPalProvider(payments.PayPalProviderConfig{
			BaseURL:      cfg.PSP.PayPalBaseURL,
			ClientID:     cfg.PSP.PayPalClientID,
			ClientSecret: cfg.PSP.PayPalSecret,
			WebhookID:    cfg.PSP.PayPalWebhookID,
			Logger:       eventLogger(paymentsLogger.Named("paypal")),
			Clock:        time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise paypal payment provider", zap.Error(err))
		}
		providers["paypal"] = paypalProvider
	}

	paymentManager, err := payments.NewManager(providers)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	auditService, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: auditLogRepo,
		Clock:      time.Now,
		Logger:     logger.Named("audit").Sugar(),
	})
	if err != nil {
		logger.Fatal("failed to initialise audit log service", zap.Error(err))
	}

	inventoryService, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: inventoryRepo,
		Settings:  vendorSettingsRepo,
		Clock:     time.Now,
		Logger:    eventLogger(logger.Named("inventory")),
	})
	if err != nil {
		logger.Fatal("failed to initialise inventory service", zap.Error(err))
	}

	mailTransport, err := mail.NewLogTransport(logger, cfg.Notifications.SenderAddress)
	if err != nil {
		logger.Fatal("failed to initialise mail transport", zap.Error(err))
	}
	notificationQueue, err := services.NewNotificationQueue(services.NotificationQueueConfig{
		Capacity:     cfg.Notifications.QueueCapacity,
		BatchSize:    cfg.Notifications.BatchSize,
		TickInterval: cfg.Notifications.TickInterval,
		BaseDelay:    cfg.Notifications.BaseDelay,
		MaxRetries:   cfg.Notifications.MaxRetries,
		Renderer:     services.NewTemplateRenderer(),
		Transport:    mailTransport,
		Clock:        time.Now,
		Logger:       eventLogger(logger.Named("notifications")),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification queue", zap.Error(err))
	}

	var orderEvents services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	var eventsTopic *pubsub.Topic
	if strings.TrimSpace(cfg.Events.TopicID) != "" {
		projectID := strings.TrimSpace(cfg.Events.ProjectID)
		if projectID == "" {
			projectID = strings.TrimSpace(cfg.Firestore.ProjectID)
		}
		pubsubClient, err = pubsub.NewClient(ctx, projectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		eventsTopic = pubsubClient.Topic(cfg.Events.TopicID)
		publisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		orderEvents = publisher
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        orderRepo,
		StatusEvents:  statusEventRepo,
		Inventory:     inventoryService,
		Notifications: notificationQueue,
		Clock:         time.Now,
		Events:        orderEvents,
		Logger:        eventLogger(logger.Named("orders")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	reconciliationService, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:        orderRepo,
		OrderService:  orderService,
		GatewayEvents: gatewayEventRepo,
		Gateway:       paymentManager,
		AuditLog:      auditService,
		AmountEpsilon: cfg.Reconcile.AmountEpsilon,
		Clock:         time.Now,
		Logger:        eventLogger(logger.Named("reconcile")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreClient, eventsTopic, fetcher, auditService)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg)
	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)

	queueCtx, queueCancel := context.WithCancel(context.Background())
	go notificationQueue.Run(queueCtx)

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, reconciliationService)
	inventoryHandlers := handlers.NewInventoryHandlers(authenticator, inventoryService)
	webhookHandlers := handlers.NewWebhookHandlers(paymentManager, reconciliationService, eventLogger(logger.Named("webhooks")))
	internalHandlers := handlers.NewInternalHandlers(systemService, notificationQueue)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthStartedAt(startedAt),
		handlers.WithHealthVersion(buildVersion(envValues)),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}
	if rateLimit := handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, time.Minute); rateLimit != nil {
		middlewares = append(middlewares, rateLimit)
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithPaymentRoutes(paymentHandlers.Routes))
	opts = append(opts, handlers.WithVariantRoutes(inventoryHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	if oidcMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(oidcMiddleware))
	}
	webhookMiddlewares := make([]func(http.Handler) http.Handler, 0, 2)
	if hmacMiddleware != nil {
		webhookMiddlewares = append(webhookMiddlewares, hmacMiddleware)
	}
	if burst := handlers.RateLimitMiddleware(cfg.RateLimits.WebhookBurst, time.Minute); burst != nil {
		webhookMiddlewares = append(webhookMiddlewares, burst)
	}
	if len(webhookMiddlewares) > 0 {
		opts = append(opts, handlers.WithWebhookMiddlewares(webhookMiddlewares...))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("order engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Requests have drained; flush whatever the queue still holds before exit.
	queueCancel()
	notificationQueue.Shutdown(shutdownCtx)

	if eventsTopic != nil {
		eventsTopic.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
}

// eventLogger adapts a zap logger to the map-based logger the services accept.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}

func buildVersion(env map[string]string) string {
	version := strings.TrimSpace(env["ENGINE_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	return version
}

func newSystemService(client *firestore.Client, topic *pubsub.Topic, fetcher *secrets.Fetcher, audit services.AuditLogService) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", t.ID())
				}
				return nil
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Audit:            audit,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCLogger(adapter))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	issuers := cfg.Security.OIDC.Issuers
	if len(issuers) == 0 {
		logger.Warn("auth: OIDC issuers not configured; internal routes will reject requests")
	}

	return validator.RequireOIDC(audience, issuers)
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(key)] = value
	}
	if len(secrets) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: secrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	resolver := webhookSecretResolver(secrets)
	return validator.RequireHMACResolver(resolver)
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func webhookSecretResolver(secrets map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		if idx := strings.Index(path, "/webhooks/"); idx >= 0 {
			path = path[idx+len("/webhooks/"):]
		}
		path = strings.Trim(path, "/")
		if path == "" {
			if secret, ok := secrets["default"]; ok && secret != "" {
				return "default", true
			}
			return "", false
		}

		provider := strings.ToLower(strings.SplitN(path, "/", 2)[0])
		for _, candidate := range []string{provider, "default"} {
			if secret, ok := secrets[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("ENGINE_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("ENGINE_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ENGINE_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("ENGINE_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("ENGINE_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["ENGINE_SECURITY_HMAC_SECRETS"])
		if secret := strings.TrimSpace(env["ENGINE_PSP_PAYPAL_SECRET"]); secret != "" {
			required = append(required, "PSP.PayPalSecret")
		}
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["ENGINE_SECRET_PROJECT_IDS"]
	}
	return parseKeyValueList(strings.ToLower(raw))
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["ENGINE_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
