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

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hungerhunt/storefront/internal/di"
	"github.com/hungerhunt/storefront/internal/handlers"
	"github.com/hungerhunt/storefront/internal/platform/config"
	"github.com/hungerhunt/storefront/internal/platform/observability"
	"github.com/hungerhunt/storefront/internal/platform/secrets"
)

const (
	defaultSecretsFallback = ".secrets.local"
	closeTimeout           = 5 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	lookup, err := config.NewLookup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(lookupValue(lookup, "STOREFRONT_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("storefront")

	resolver, err := newSecretResolver(ctx, logger, lookup)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(lookup)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(logger),
		di.WithSecretResolver(resolver),
		di.WithBuildInfo(buildInfoFromLookup(lookup, startedAt)),
		di.WithTraceProject(traceProjectID(cfg)),
	)
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("dependency close error", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      container.Handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Info("storefront listening",
			zap.String("catalogSource", cfg.Catalog.Source),
			zap.String("checkoutBackend", cfg.Checkout.Backend),
			zap.String("eventsSink", cfg.Events.Sink),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-shutdown:
		logger.Info("shutdown signal received; draining requests")
	case err, ok := <-serveErr:
		if ok {
			serverLogger.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, lookup config.Lookup) (*secrets.Resolver, error) {
	project := lookupValue(lookup, "STOREFRONT_SECRETS_PROJECT_ID")
	if project == "" {
		project = lookupValue(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID")
	}
	fallback := lookupValue(lookup, "STOREFRONT_SECRETS_FALLBACK_FILE")
	if fallback == "" {
		fallback = defaultSecretsFallback
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallback),
	}
	if credentials := lookupValue(lookup, "STOREFRONT_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve for the selected backends. Production
// deployments additionally require the webhook secret.
func requiredSecretNames(lookup config.Lookup) []string {
	var required []string
	if strings.EqualFold(lookupValue(lookup, "STOREFRONT_CHECKOUT_BACKEND"), config.CheckoutBackendStripe) {
		required = append(required, "PSP.StripeAPIKey")
	}
	if strings.EqualFold(lookupValue(lookup, "STOREFRONT_EVENTS_SINK"), config.EventsSinkAMQP) {
		required = append(required, "Events.AMQPURL")
	}
	if environment(lookup) == "prod" {
		required = append(required, "Webhooks.Secret")
	}
	return required
}

func buildInfoFromLookup(lookup config.Lookup, started time.Time) handlers.BuildInfo {
	version := lookupValue(lookup, "STOREFRONT_BUILD_VERSION")
	if version == "" {
		version = "dev"
	}
	commit := lookupValue(lookup, "STOREFRONT_BUILD_COMMIT_SHA")
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment(lookup),
		StartedAt:   started,
	}
}

func environment(lookup config.Lookup) string {
	if env := strings.ToLower(lookupValue(lookup, "STOREFRONT_ENVIRONMENT")); env != "" {
		return env
	}
	return "local"
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Events.PubSubProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func lookupValue(lookup config.Lookup, key string) string {
	if lookup == nil {
		return ""
	}
	value, _ := lookup(key)
	return strings.TrimSpace(value)
}
