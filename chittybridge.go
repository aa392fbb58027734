// Package chittybridge is the public API for embedding the ChittyBridge
// context-and-credential broker.
//
// Enterprise and plugin consumers import this package to construct and
// extend the server without forking it:
//
//	app, err := chittybridge.New(
//	    chittybridge.WithVersion(version),
//	    chittybridge.WithLogger(logger),
//	    chittybridge.WithExtraRoutes(myExtraRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: chittybridge (root)
// imports internal/*, but internal/* never imports chittybridge (root).
package chittybridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/chittyos/chittybridge/internal/auth"
	"github.com/chittyos/chittybridge/internal/config"
	"github.com/chittyos/chittybridge/internal/domain"
	"github.com/chittyos/chittybridge/internal/gateway"
	"github.com/chittyos/chittybridge/internal/integrity"
	"github.com/chittyos/chittybridge/internal/kv"
	"github.com/chittyos/chittybridge/internal/mcpsession"
	"github.com/chittyos/chittybridge/internal/objectstore"
	"github.com/chittyos/chittybridge/internal/queue"
	"github.com/chittyos/chittybridge/internal/ratelimit"
	"github.com/chittyos/chittybridge/internal/resolver"
	"github.com/chittyos/chittybridge/internal/server"
	"github.com/chittyos/chittybridge/internal/storage"
	"github.com/chittyos/chittybridge/internal/telemetry"
	"github.com/chittyos/chittybridge/internal/vault"
	"github.com/chittyos/chittybridge/migrations"
)

// App is the ChittyBridge server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	redisClient  *redis.Client
	q            *queue.Queue
	broker       *server.Broker // nil when no notify connection
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initializes the ChittyBridge server. It connects to the database and
// Redis, runs migrations, wires every subsystem, and returns a ready-to-run
// App. It does NOT start any goroutines or accept HTTP connections — call
// Run() for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chittybridge starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpt)
	kvStore := kv.New(redisClient, logger)

	// §6: ChittyBridge only verifies externally-issued Bearer JWTs, so only
	// the public half of the keypair is loaded. Bearer-JWT auth is disabled
	// (ApiKey auth still works) when no key is configured.
	var jwtPublicKey any
	if cfg.JWTPublicKeyPath != "" {
		pub, err := auth.LoadJWTPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("auth: %w", err)
		}
		jwtPublicKey = pub
	} else {
		logger.Warn("jwt public key not configured, Bearer-JWT auth disabled (ApiKey auth still active)")
	}

	res := resolver.New(db, nil /* Minter: identifier minting is out of scope */, logger)

	vaultBroker, err := vault.New(vault.Config{
		Addr:              cfg.VaultAddr,
		Token:             cfg.VaultToken,
		Namespace:         cfg.VaultNamespace,
		Timeout:           cfg.VaultTimeout,
		EnvFallbackPrefix: cfg.VaultEnvFallbackPrefix,
		CacheTTL:          cfg.CredentialCacheTTL,
		CacheMaxItems:     cfg.CredentialCacheMaxItems,
	}, db, logger)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("vault: %w", err)
	}

	// Object store is optional — nil when no S3-compatible credentials are
	// configured (document endpoints then return 503, see HandlersDeps).
	var objects *objectstore.Store
	if cfg.S3AccessKey != "" {
		objects, err = objectstore.New(objectstore.Config{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			db.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("objectstore: %w", err)
		}
	} else {
		logger.Info("object store: disabled (no CHITTY_S3_ACCESS_KEY)")
	}

	gw := gateway.New(gateway.Config{
		Breakers: gateway.NewManager(logger, breakerConfigResolver(cfg)),
		Resolve:  serviceURLResolver(),
		Timeout:  cfg.GatewayTimeout,
		Logger:   logger,
		BearerSource: func(ctx context.Context, service string) (string, error) {
			return vaultBroker.GetServiceToken(ctx, service)
		},
	})

	q := queue.New(queue.Config{
		WorkerCount:    cfg.QueueWorkerCount,
		MaxRetries:     cfg.QueueMaxRetries,
		IdempotencyTTL: cfg.QueueIdempotencyTTL,
	}, kvStore, newEventHandler(db, logger), logger)

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("sse broker: disabled (no notify connection)")
	}

	limiter := ratelimit.New(redisClient, logger, cfg.RateLimitFailClosed)

	deps := server.HandlersDeps{
		DB:                  db,
		KV:                  kvStore,
		Resolver:            res,
		Vault:               vaultBroker,
		Objects:             objects,
		Gateway:             gw,
		Queue:               q,
		Broker:              broker,
		Logger:              logger,
		Version:             version,
		Service:             cfg.ServiceName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	}
	// Built once here to obtain the MCP composite adapter, and again inside
	// server.New — both are equivalent stateless views over the same deps.
	mcpSrv := mcpsession.New(server.NewHandlers(deps).MCPCompositeAPI(), cfg.MCPSessionMaxCount, cfg.MCPSessionIdleTTL, logger, version)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		KV:                  kvStore,
		Resolver:            res,
		Vault:               vaultBroker,
		Logger:              logger,
		Objects:             objects,
		Gateway:             gw,
		Queue:               q,
		Broker:              broker,
		MCPSessions:         mcpSrv,
		Limiter:             limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Service:             cfg.ServiceName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		JWTPublicKey:        jwtPublicKey,
	})

	authHelper := authHelperImpl{}
	for _, fn := range o.routeRegistrars {
		fn(srv.Mux(), authHelper)
	}
	// Use wraps outermost, so apply in reverse to leave the first-registered
	// middleware outermost.
	for i := len(o.middlewares) - 1; i >= 0; i-- {
		srv.Use(o.middlewares[i])
	}

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey, cfg.AdminOrgID); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		redisClient:  redisClient,
		q:            q,
		broker:       broker,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the queue worker pool, the SSE broker (if enabled), the
// integrity-proof loop, and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	queueErrCh := make(chan error, 1)
	go func() {
		if err := a.q.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			queueErrCh <- err
		}
	}()

	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	go a.integrityProofLoop(ctx)

	httpErrCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		_ = a.Shutdown(context.Background())
		return err
	case err := <-queueErrCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful drain: stop accepting HTTP requests and wait
// for in-flight ones (bounded by ShutdownTimeout), then close the Redis
// client, OTEL provider, and database pool. It does not stop or wait for the
// queue's worker pool; those workers return when the ctx passed to Run is
// cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chittybridge shutting down")

	shutdownCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if err := a.redisClient.Close(); err != nil {
		a.logger.Error("redis close error", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("chittybridge stopped")
	return nil
}

// integrityProofLoop periodically builds a Merkle proof over each active
// context's ledger entries appended since the last proof (§4.A).
func (a *App) integrityProofLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IntegrityProofInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			buildIntegrityProofs(opCtx, a.db, a.logger)
			cancel()
		}
	}
}

func buildIntegrityProofs(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	contextIDs, err := db.ListActiveContextIDs(ctx)
	if err != nil {
		logger.Warn("integrity proof: list active contexts failed", "error", err)
		return
	}

	for _, contextID := range contextIDs {
		latest, err := db.LatestIntegrityProof(ctx, contextID)
		if err != nil {
			logger.Warn("integrity proof: get latest failed", "error", err, "context_id", contextID)
			continue
		}

		entries, err := db.ListLedgerEntries(ctx, contextID, latest.ToSequence, 0)
		if err != nil {
			logger.Warn("integrity proof: list ledger entries failed", "error", err, "context_id", contextID)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		leaves := make([]string, len(entries))
		for i, e := range entries {
			leaves[i] = e.Hash
		}
		root := integrity.BuildMerkleRoot(leaves)

		proof := domain.IntegrityProof{
			ContextID:    contextID,
			MerkleRoot:   root,
			EntryCount:   len(entries),
			FromSequence: entries[0].Sequence,
			ToSequence:   entries[len(entries)-1].Sequence,
		}
		if _, err := db.InsertIntegrityProof(ctx, proof); err != nil {
			logger.Warn("integrity proof: insert failed", "error", err, "context_id", contextID)
			continue
		}

		logger.Info("integrity proof created", "context_id", contextID, "entries", len(entries), "to_sequence", proof.ToSequence)
	}
}

// newEventHandler routes a dequeued webhook/sync event to a ledger append,
// the composite operation the queue consumer exists to drive (§4.G).
func newEventHandler(db *storage.DB, logger *slog.Logger) queue.Handler {
	return func(ctx context.Context, event queue.Event) error {
		var body struct {
			ContextID string         `json:"contextId"`
			Payload   map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(event.Payload, &body); err != nil {
			return fmt.Errorf("event handler: decode payload: %w", err)
		}
		if body.ContextID == "" {
			return fmt.Errorf("event handler: payload missing contextId")
		}

		_, err := db.AppendLedgerEntry(ctx, body.ContextID, domain.LedgerEventType(event.Kind), body.Payload)
		if err != nil {
			return fmt.Errorf("event handler: append ledger entry: %w", err)
		}
		logger.Info("queue: event applied", "deliveryId", event.DeliveryID, "kind", event.Kind, "contextId", body.ContextID)
		return nil
	}
}

// serviceURLResolver maps a logical service name to its base URL via
// CHITTY_SERVICE_{NAME}_URL. The proxy surface (§4.B) is fully dynamic —
// there is no fixed service list to hardcode.
func serviceURLResolver() gateway.ServiceResolver {
	return func(service string) (string, error) {
		key := "CHITTY_SERVICE_" + strings.ToUpper(service) + "_URL"
		url := os.Getenv(key)
		if url == "" {
			return "", fmt.Errorf("gateway: no base url configured for service %q (set %s)", service, key)
		}
		return url, nil
	}
}

// breakerConfigResolver selects a stricter circuit-breaker profile for
// identity/auth-critical services, and the default profile for everything
// else, using the thresholds from config rather than the package's
// hardcoded DefaultBreakerConfig/IdentityBreakerConfig constants so
// operators can tune both profiles via environment variables.
func breakerConfigResolver(cfg config.Config) func(service string) gateway.BreakerConfig {
	return func(service string) gateway.BreakerConfig {
		s := strings.ToLower(service)
		if strings.Contains(s, "auth") || strings.Contains(s, "identity") {
			return gateway.BreakerConfig{
				Name:             service,
				MaxRequests:      1,
				FailureThreshold: cfg.GatewayBreakerFailureThresholdStrict,
				ResetTimeout:     cfg.GatewayBreakerResetTimeoutStrict,
			}
		}
		return gateway.BreakerConfig{
			Name:             service,
			MaxRequests:      1,
			FailureThreshold: cfg.GatewayBreakerFailureThreshold,
			ResetTimeout:     cfg.GatewayBreakerResetTimeout,
		}
	}
}

// authHelperImpl implements AuthHelper by delegating to the server package's
// exported scope-gating middleware.
type authHelperImpl struct{}

func (authHelperImpl) RequireScope(scope string) func(http.Handler) http.Handler {
	return server.RequireScope(scope)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
