package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/currency"
)

const (
	defaultEnvFile         = ".env"
	defaultPort            = "8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 20 * time.Second

	defaultMerchantName = "Hunger Hunt"
	defaultDescription  = "School Food Delivery"
	defaultCurrency     = "INR"
	defaultSessionTTL   = 2 * time.Hour
	defaultMaxSessions  = 10000
	defaultFieldLimit   = 120

	defaultCatalogSource     = CatalogSourceFile
	defaultCatalogFile       = "catalog.yaml"
	defaultCatalogCollection = "products"
	defaultCatalogCacheTTL   = time.Minute
	defaultCatalogTimeout    = 5 * time.Second
	defaultSignedURLTTL      = 15 * time.Minute

	defaultCheckoutBackend = CheckoutBackendRemote
	defaultCheckoutTimeout = 8 * time.Second
	defaultVerifyTimeout   = 30 * time.Second

	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultClockSkew       = 5 * time.Minute

	defaultEventsSink     = EventsSinkNone
	defaultPubSubTopic    = "order-settled"
	defaultAMQPExchange   = "storefront.events"
	defaultAMQPRoutingKey = "order.settled"
)

// Catalog sources.
const (
	CatalogSourceFirestore = "firestore"
	CatalogSourceRemote    = "remote"
	CatalogSourceFile      = "file"
)

// Checkout backends.
const (
	CheckoutBackendRemote = "remote"
	CheckoutBackendStripe = "stripe"
)

// Settlement event sinks.
const (
	EventsSinkNone   = "none"
	EventsSinkPubSub = "pubsub"
	EventsSinkAMQP   = "amqp"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Storefront StorefrontConfig
	Catalog    CatalogConfig
	Firestore  FirestoreConfig
	Storage    StorageConfig
	Checkout   CheckoutConfig
	PSP        PSPConfig
	Webhooks   WebhookConfig
	Events     EventsConfig
	Secrets    SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// StorefrontConfig holds the widget-facing settings.
type StorefrontConfig struct {
	MerchantName   string
	Description    string
	Currency       string
	SessionTTL     time.Duration
	MaxSessions    int
	FieldLimit     int
	AllowedOrigins []string
}

// CatalogConfig selects and tunes the catalog source.
type CatalogConfig struct {
	Source        string
	RemoteBaseURL string
	FilePath      string
	Collection    string
	CacheTTL      time.Duration
	Timeout       time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig configures signed URLs for gs:// catalog images.
type StorageConfig struct {
	SignerEmail      string
	SignerPrivateKey string
	SignedURLTTL     time.Duration
}

// CheckoutConfig selects the checkout backend.
type CheckoutConfig struct {
	Backend        string
	RemoteBaseURL  string
	Timeout        time.Duration
	VerifyTimeout  time.Duration
	CurrencyRoutes map[string]string
}

// PSPConfig stores payment service provider credentials.
type PSPConfig struct {
	StripeAPIKey         string
	StripePublishableKey string
	StripeAccountID      string
}

// WebhookConfig configures HMAC validation of gateway webhooks.
type WebhookConfig struct {
	Secret          string
	SignatureHeader string
	TimestampHeader string
	ClockSkew       time.Duration
}

// EventsConfig selects where OrderSettled events go.
type EventsConfig struct {
	Sink            string
	PubSubProjectID string
	PubSubTopic     string
	AMQPURL         string
	AMQPExchange    string
	AMQPRoutingKey  string
}

// SecretsConfig configures Secret Manager lookups for secret:// references.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are redacted.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the config field names of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns stable hashes of the missing secret names for logging.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Lookup reads raw values with the same precedence as Load: explicit map, then OS env, then .env.
type Lookup func(key string) (string, bool)

// NewLookup builds the layered lookup used by Load. It is exported so main can read
// bootstrap values (such as the secrets project) before secrets can be resolved.
func NewLookup(opts ...Option) (Lookup, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return options.lookup()
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		}),
	}
}

func (o loaderOptions) lookup() (Lookup, error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if value, ok := o.envMap[key]; ok {
			return value, true
		}
		if o.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	}, nil
}

// Load assembles the configuration from defaults, .env overrides, environment variables and
// secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	lookup, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Storefront: StorefrontConfig{
			MerchantName:   stringWithDefault(lookup, "STOREFRONT_MERCHANT_NAME", defaultMerchantName),
			Description:    stringWithDefault(lookup, "STOREFRONT_DESCRIPTION", defaultDescription),
			Currency:       strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_CURRENCY", defaultCurrency)),
			SessionTTL:     durationWithDefault(lookup, "STOREFRONT_SESSION_TTL", defaultSessionTTL),
			MaxSessions:    intWithDefault(lookup, "STOREFRONT_MAX_SESSIONS", defaultMaxSessions),
			FieldLimit:     intWithDefault(lookup, "STOREFRONT_FIELD_LIMIT", defaultFieldLimit),
			AllowedOrigins: csvWithDefault(lookup, "STOREFRONT_ALLOWED_ORIGINS"),
		},
		Catalog: CatalogConfig{
			Source:        strings.ToLower(stringWithDefault(lookup, "STOREFRONT_CATALOG_SOURCE", defaultCatalogSource)),
			RemoteBaseURL: stringWithDefault(lookup, "STOREFRONT_CATALOG_REMOTE_URL", ""),
			FilePath:      stringWithDefault(lookup, "STOREFRONT_CATALOG_FILE", defaultCatalogFile),
			Collection:    stringWithDefault(lookup, "STOREFRONT_CATALOG_COLLECTION", defaultCatalogCollection),
			CacheTTL:      durationWithDefault(lookup, "STOREFRONT_CATALOG_CACHE_TTL", defaultCatalogCacheTTL),
			Timeout:       durationWithDefault(lookup, "STOREFRONT_CATALOG_TIMEOUT", defaultCatalogTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "STOREFRONT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			SignerEmail:      stringWithDefault(lookup, "STOREFRONT_STORAGE_SIGNER_EMAIL", ""),
			SignerPrivateKey: stringWithDefault(lookup, "STOREFRONT_STORAGE_SIGNER_KEY", ""),
			SignedURLTTL:     durationWithDefault(lookup, "STOREFRONT_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		Checkout: CheckoutConfig{
			Backend:        strings.ToLower(stringWithDefault(lookup, "STOREFRONT_CHECKOUT_BACKEND", defaultCheckoutBackend)),
			RemoteBaseURL:  stringWithDefault(lookup, "STOREFRONT_CHECKOUT_REMOTE_URL", ""),
			Timeout:        durationWithDefault(lookup, "STOREFRONT_CHECKOUT_TIMEOUT", defaultCheckoutTimeout),
			VerifyTimeout:  durationWithDefault(lookup, "STOREFRONT_CHECKOUT_VERIFY_TIMEOUT", defaultVerifyTimeout),
			CurrencyRoutes: mapWithDefault(lookup, "STOREFRONT_CHECKOUT_CURRENCY_ROUTES"),
		},
		PSP: PSPConfig{
			StripeAPIKey:         stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_API_KEY", ""),
			StripePublishableKey: stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_PUBLISHABLE_KEY", ""),
			StripeAccountID:      stringWithDefault(lookup, "STOREFRONT_PSP_STRIPE_ACCOUNT_ID", ""),
		},
		Webhooks: WebhookConfig{
			Secret:          stringWithDefault(lookup, "STOREFRONT_WEBHOOK_SECRET", ""),
			SignatureHeader: stringWithDefault(lookup, "STOREFRONT_WEBHOOK_SIGNATURE_HEADER", defaultSignatureHeader),
			TimestampHeader: stringWithDefault(lookup, "STOREFRONT_WEBHOOK_TIMESTAMP_HEADER", defaultTimestampHeader),
			ClockSkew:       durationWithDefault(lookup, "STOREFRONT_WEBHOOK_CLOCK_SKEW", defaultClockSkew),
		},
		Events: EventsConfig{
			Sink:            strings.ToLower(stringWithDefault(lookup, "STOREFRONT_EVENTS_SINK", defaultEventsSink)),
			PubSubProjectID: stringWithDefault(lookup, "STOREFRONT_EVENTS_PUBSUB_PROJECT_ID", ""),
			PubSubTopic:     stringWithDefault(lookup, "STOREFRONT_EVENTS_PUBSUB_TOPIC", defaultPubSubTopic),
			AMQPURL:         stringWithDefault(lookup, "STOREFRONT_EVENTS_AMQP_URL", ""),
			AMQPExchange:    stringWithDefault(lookup, "STOREFRONT_EVENTS_AMQP_EXCHANGE", defaultAMQPExchange),
			AMQPRoutingKey:  stringWithDefault(lookup, "STOREFRONT_EVENTS_AMQP_ROUTING_KEY", defaultAMQPRoutingKey),
		},
		Secrets: SecretsConfig{
			ProjectID:    stringWithDefault(lookup, "STOREFRONT_SECRETS_PROJECT_ID", ""),
			FallbackFile: stringWithDefault(lookup, "STOREFRONT_SECRETS_FALLBACK_FILE", ""),
		},
	}

	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Firestore.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Webhooks.Secret", &cfg.Webhooks.Secret},
		{"Storage.SignerPrivateKey", &cfg.Storage.SignerPrivateKey},
		{"Events.AMQPURL", &cfg.Events.AMQPURL},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}
	return cfg, nil
}

// IsSecretReference reports whether value points at Secret Manager.
func IsSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !IsSecretReference(value) {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "secret://"), "sm://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var invalid []string
	require := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}
	present := func(v string) bool { return strings.TrimSpace(v) != "" }

	require(present(cfg.Server.Port), "Server.Port")
	_, err := currency.ParseISO(cfg.Storefront.Currency)
	require(err == nil, "Storefront.Currency")
	require(cfg.Storefront.SessionTTL > 0, "Storefront.SessionTTL")
	require(cfg.Storefront.MaxSessions > 0, "Storefront.MaxSessions")
	require(cfg.Storefront.FieldLimit > 0, "Storefront.FieldLimit")
	require(present(cfg.Storefront.MerchantName), "Storefront.MerchantName")

	switch cfg.Catalog.Source {
	case CatalogSourceFirestore:
		require(present(cfg.Firestore.ProjectID), "Firestore.ProjectID")
		require(present(cfg.Catalog.Collection), "Catalog.Collection")
	case CatalogSourceRemote:
		require(present(cfg.Catalog.RemoteBaseURL), "Catalog.RemoteBaseURL")
	case CatalogSourceFile:
		require(present(cfg.Catalog.FilePath), "Catalog.FilePath")
	default:
		invalid = append(invalid, "Catalog.Source")
	}
	require(cfg.Catalog.CacheTTL >= 0, "Catalog.CacheTTL")

	if present(cfg.Storage.SignerEmail) || present(cfg.Storage.SignerPrivateKey) {
		require(present(cfg.Storage.SignerEmail), "Storage.SignerEmail")
		require(present(cfg.Storage.SignerPrivateKey), "Storage.SignerPrivateKey")
		require(cfg.Storage.SignedURLTTL > 0, "Storage.SignedURLTTL")
	}

	switch cfg.Checkout.Backend {
	case CheckoutBackendRemote:
		require(present(cfg.Checkout.RemoteBaseURL), "Checkout.RemoteBaseURL")
	case CheckoutBackendStripe:
		require(present(cfg.PSP.StripeAPIKey), "PSP.StripeAPIKey")
		require(present(cfg.PSP.StripePublishableKey), "PSP.StripePublishableKey")
	default:
		invalid = append(invalid, "Checkout.Backend")
	}
	require(cfg.Checkout.VerifyTimeout > 0, "Checkout.VerifyTimeout")

	switch cfg.Events.Sink {
	case EventsSinkNone:
	case EventsSinkPubSub:
		require(present(cfg.Events.PubSubProjectID), "Events.PubSubProjectID")
		require(present(cfg.Events.PubSubTopic), "Events.PubSubTopic")
	case EventsSinkAMQP:
		require(present(cfg.Events.AMQPURL), "Events.AMQPURL")
		require(present(cfg.Events.AMQPExchange), "Events.AMQPExchange")
	default:
		invalid = append(invalid, "Events.Sink")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup Lookup, key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup Lookup, key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup Lookup, key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func csvWithDefault(lookup Lookup, key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup Lookup, key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range csvWithDefault(lookup, key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToUpper(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
