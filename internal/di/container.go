package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hungerhunt/storefront/internal/checkout"
	"github.com/hungerhunt/storefront/internal/handlers"
	"github.com/hungerhunt/storefront/internal/payments"
	"github.com/hungerhunt/storefront/internal/platform/auth"
	"github.com/hungerhunt/storefront/internal/platform/config"
	pfirestore "github.com/hungerhunt/storefront/internal/platform/firestore"
	"github.com/hungerhunt/storefront/internal/platform/idempotency"
	"github.com/hungerhunt/storefront/internal/platform/jobs"
	"github.com/hungerhunt/storefront/internal/platform/observability"
	"github.com/hungerhunt/storefront/internal/platform/secrets"
	"github.com/hungerhunt/storefront/internal/platform/storage"
	"github.com/hungerhunt/storefront/internal/repositories"
	firestorerepo "github.com/hungerhunt/storefront/internal/repositories/firestore"
	remoterepo "github.com/hungerhunt/storefront/internal/repositories/remote"
	staticrepo "github.com/hungerhunt/storefront/internal/repositories/static"
	"github.com/hungerhunt/storefront/internal/services"
)

const (
	idempotencyCacheSize   = 4096
	idempotencyTTL         = 10 * time.Minute
	sessionOpenLimit       = 30
	sessionOpenWindow      = time.Minute
	catalogProbeTimeout    = 3 * time.Second
	firestoreProbeTimeout  = 1500 * time.Millisecond
	secretProbeTimeout     = time.Second
	eventsProbeTimeout     = 2 * time.Second
	secretHealthReference  = "secret://system/healthz?version=latest"
	checkoutMetricsFailure = "checkout metrics unavailable"
)

// Services bundles the service-layer contracts the handlers rely upon.
type Services struct {
	Catalog services.CatalogService
	Widgets services.WidgetService
	Gateway *payments.CallbackGateway
}

// Container wires repositories, services and transport for runtime use.
type Container struct {
	Config   config.Config
	Services Services
	Health   repositories.HealthRepository
	Handler  http.Handler

	logger  *zap.Logger
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customises NewContainer.
type Option func(*containerOptions)

type containerOptions struct {
	logger     *zap.Logger
	secrets    *secrets.Resolver
	meter      metric.Meter
	build      handlers.BuildInfo
	httpClient *http.Client
	traceID    string
}

// WithLogger sets the base logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSecretResolver registers the resolver used to load config so readiness can probe it.
func WithSecretResolver(resolver *secrets.Resolver) Option {
	return func(o *containerOptions) {
		o.secrets = resolver
	}
}

// WithMeter overrides the meter used for checkout metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *containerOptions) {
		o.meter = meter
	}
}

// WithBuildInfo sets the build metadata reported by /healthz.
func WithBuildInfo(info handlers.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithHTTPClient overrides the client used for remote catalog and checkout calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *containerOptions) {
		o.httpClient = client
	}
}

// WithTraceProject sets the Cloud Trace project used to format trace ids in logs.
func WithTraceProject(projectID string) Option {
	return func(o *containerOptions) {
		o.traceID = strings.TrimSpace(projectID)
	}
}

// NewContainer constructs the runtime dependencies from cfg. Resources acquired before a failure
// are released before returning.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (container *Container, err error) {
	options := containerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&options)
	}

	c := &Container{Config: cfg, logger: options.logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
		}
	}()

	events := observability.EventLogger(options.logger)
	var checks []repositories.DependencyCheck

	var provider *pfirestore.Provider
	if cfg.Catalog.Source == config.CatalogSourceFirestore {
		provider = pfirestore.NewProvider(cfg.Firestore)
		c.addCloser("firestore", provider.Close)
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: firestoreProbeTimeout,
			Check:   provider.Ping,
		})
	}

	catalogRepo, err := buildCatalogRepository(cfg, provider, options.httpClient)
	if err != nil {
		return nil, err
	}
	checks = append(checks, repositories.DependencyCheck{
		Name:    "catalog",
		Timeout: catalogProbeTimeout,
		Check: func(ctx context.Context) error {
			_, err := catalogRepo.FetchAll(ctx)
			return err
		},
	})

	catalogDeps := services.CatalogServiceDeps{
		Provider: catalogRepo,
		CacheTTL: cfg.Catalog.CacheTTL,
		Logger:   events,
	}
	if cfg.Storage.SignerEmail != "" && cfg.Storage.SignerPrivateKey != "" {
		signer, err := storage.NewServiceAccountSigner(cfg.Storage.SignerEmail, cfg.Storage.SignerPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("di: storage signer: %w", err)
		}
		images, err := storage.NewImageSigner(signer, storage.WithTTL(cfg.Storage.SignedURLTTL))
		if err != nil {
			return nil, fmt.Errorf("di: image signer: %w", err)
		}
		catalogDeps.Images = images
	}
	catalogService, err := services.NewCatalogService(catalogDeps)
	if err != nil {
		return nil, err
	}

	manager, err := buildPaymentsManager(cfg, options.httpClient, events)
	if err != nil {
		return nil, err
	}
	gateway := payments.NewCallbackGateway(events)

	var publisher services.SettlementPublisher
	switch cfg.Events.Sink {
	case config.EventsSinkPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			return nil, fmt.Errorf("di: pubsub client: %w", err)
		}
		c.addCloser("pubsub", client.Close)
		topic := client.Topic(cfg.Events.PubSubTopic)
		pub, err := jobs.NewPubSubSettlementPublisher(topic)
		if err != nil {
			return nil, err
		}
		c.addCloser("pubsub.topic", pub.Close)
		publisher = pub
		checks = append(checks, repositories.DependencyCheck{
			Name:    "events",
			Timeout: eventsProbeTimeout,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		})
	case config.EventsSinkAMQP:
		pub, err := jobs.DialAMQPSettlementPublisher(cfg.Events.AMQPURL, cfg.Events.AMQPExchange, cfg.Events.AMQPRoutingKey)
		if err != nil {
			return nil, err
		}
		c.addCloser("amqp", pub.Close)
		publisher = pub
	}

	var recorder services.CheckoutRecorder
	if metrics, err := observability.NewCheckoutMetrics(options.meter); err != nil {
		options.logger.Warn(checkoutMetricsFailure, zap.Error(err))
	} else {
		recorder = metrics
	}

	widgets, err := services.NewWidgetService(services.WidgetServiceDeps{
		Catalog:       catalogService,
		Backend:       manager,
		Gateway:       gateway,
		Callbacks:     gateway,
		Publisher:     publisher,
		Recorder:      recorder,
		Currency:      cfg.Storefront.Currency,
		MerchantName:  cfg.Storefront.MerchantName,
		Description:   cfg.Storefront.Description,
		SessionTTL:    cfg.Storefront.SessionTTL,
		MaxSessions:   cfg.Storefront.MaxSessions,
		VerifyTimeout: cfg.Checkout.VerifyTimeout,
		FieldLimit:    cfg.Storefront.FieldLimit,
		Clock:         time.Now,
		Logger:        events,
	})
	if err != nil {
		return nil, err
	}

	if resolver := options.secrets; resolver != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: secretProbeTimeout,
			Check: func(ctx context.Context) error {
				_, err := resolver.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrSecretNotFound) {
					return nil
				}
				return err
			},
		})
	}

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	router, err := buildRouter(cfg, options, routerDeps{
		health:   health,
		catalog:  catalogService,
		widgets:  widgets,
		gateway:  gateway,
		eventLog: events,
	})
	if err != nil {
		return nil, err
	}

	c.Services = Services{Catalog: catalogService, Widgets: widgets, Gateway: gateway}
	c.Health = health
	c.Handler = router
	return c, nil
}

// Close releases clients and connections in reverse acquisition order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		closer := c.closers[i]
		if err := closer.close(); err != nil {
			c.logger.Warn("failed to close dependency", zap.String("dependency", closer.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", closer.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

func buildCatalogRepository(cfg config.Config, provider *pfirestore.Provider, httpClient *http.Client) (repositories.CatalogRepository, error) {
	switch cfg.Catalog.Source {
	case config.CatalogSourceFirestore:
		return firestorerepo.NewCatalogRepository(provider, cfg.Catalog.Collection)
	case config.CatalogSourceRemote:
		return remoterepo.NewCatalogRepository(cfg.Catalog.RemoteBaseURL, httpClient, cfg.Catalog.Timeout)
	case config.CatalogSourceFile:
		return staticrepo.NewCatalogRepository(cfg.Catalog.FilePath)
	default:
		return nil, fmt.Errorf("di: unsupported catalog source %q", cfg.Catalog.Source)
	}
}

func buildPaymentsManager(cfg config.Config, httpClient *http.Client, events func(ctx context.Context, event string, fields map[string]any)) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if cfg.Checkout.RemoteBaseURL != "" {
		client, err := checkout.NewClient(checkout.Config{
			BaseURL:    cfg.Checkout.RemoteBaseURL,
			Timeout:    cfg.Checkout.Timeout,
			HTTPClient: httpClient,
			Logger:     events,
		})
		if err != nil {
			return nil, err
		}
		providers[checkout.ProviderName] = client
	}
	if cfg.PSP.StripeAPIKey != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:         cfg.PSP.StripeAPIKey,
			PublishableKey: cfg.PSP.StripePublishableKey,
			AccountID:      cfg.PSP.StripeAccountID,
			Logger:         events,
		})
		if err != nil {
			return nil, err
		}
		providers[config.CheckoutBackendStripe] = stripe
	}
	return payments.NewManager(providers,
		payments.WithDefaultProvider(cfg.Checkout.Backend),
		payments.WithCurrencyRoutes(cfg.Checkout.CurrencyRoutes),
		payments.WithDescription(cfg.Storefront.Description),
		payments.WithLogger(events),
	)
}

type routerDeps struct {
	health   repositories.HealthRepository
	catalog  services.CatalogService
	widgets  services.WidgetService
	gateway  *payments.CallbackGateway
	eventLog func(ctx context.Context, event string, fields map[string]any)
}

func buildRouter(cfg config.Config, options containerOptions, deps routerDeps) (http.Handler, error) {
	httpLogger := options.logger.Named("http")

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(options.traceID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(),
			handlers.CORSMiddleware(cfg.Storefront.AllowedOrigins),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthRepository(deps.health),
			handlers.WithHealthBuildInfo(options.build),
		)),
		handlers.WithCatalogRoutes(handlers.NewCatalogHandlers(deps.catalog, cfg.Storefront.Currency).Routes),
		handlers.WithWidgetRoutes(handlers.NewWidgetHandlers(deps.widgets, cfg.Storefront.Currency,
			handlers.WithSessionRateLimit(sessionOpenLimit, sessionOpenWindow),
		).Routes),
		handlers.WithWidgetMiddlewares(idempotency.Middleware(
			idempotency.NewMemoryStore(idempotencyCacheSize, idempotencyTTL),
			idempotency.WithLogger(deps.eventLog),
		)),
	}

	if cfg.Webhooks.Secret != "" {
		verifier, err := auth.NewWebhookVerifier(cfg.Webhooks.Secret,
			auth.WithHeaders(cfg.Webhooks.SignatureHeader, cfg.Webhooks.TimestampHeader),
			auth.WithClockSkew(cfg.Webhooks.ClockSkew),
			auth.WithLogger(deps.eventLog),
		)
		if err != nil {
			return nil, fmt.Errorf("di: webhook verifier: %w", err)
		}
		opts = append(opts,
			handlers.WithWebhookRoutes(handlers.NewPaymentWebhookHandlers(deps.gateway, deps.eventLog).Routes),
			handlers.WithWebhookMiddlewares(verifier.Require),
		)
	} else {
		options.logger.Warn("webhook secret not configured; payment webhooks are disabled")
	}

	return handlers.NewRouter(opts...), nil
}
