package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 10 * time.Minute
	meterName        = "github.com/hungerhunt/storefront/internal/platform/secrets"
)

// ErrSecretNotFound is returned when neither Secret Manager nor the fallback file holds the secret.
var ErrSecretNotFound = errors.New("secrets: secret not found")

type secretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (secretAccessor, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Resolver resolves secret:// references through Secret Manager with a short-lived cache and a
// local fallback file for development.
type Resolver struct {
	client     secretAccessor
	ownsClient bool
	projectID  string
	fallback   map[string]string
	cache      *expirable.LRU[string, string]
	logger     *zap.Logger
	latency    metric.Float64Histogram
}

type resolverConfig struct {
	projectID    string
	fallbackPath string
	cacheTTL     time.Duration
	logger       *zap.Logger
	client       secretAccessor
	clientOpts   []option.ClientOption
	meter        metric.Meter
}

// Option customises the Resolver.
type Option func(*resolverConfig)

// WithProject sets the project used for references without a ?project= override.
func WithProject(projectID string) Option {
	return func(c *resolverConfig) { c.projectID = strings.TrimSpace(projectID) }
}

// WithFallbackFile points at a dotenv-style file consulted when Secret Manager is unreachable.
func WithFallbackFile(path string) Option {
	return func(c *resolverConfig) { c.fallbackPath = strings.TrimSpace(path) }
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *resolverConfig) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *resolverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientOptions passes options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *resolverConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithMeter overrides the meter used for latency metrics.
func WithMeter(meter metric.Meter) Option {
	return func(c *resolverConfig) { c.meter = meter }
}

func withAccessor(client secretAccessor) Option {
	return func(c *resolverConfig) { c.client = client }
}

// NewResolver builds a Resolver. A Secret Manager client failure is not fatal: the resolver then
// serves only the fallback file.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{cacheTTL: defaultCacheTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	fallback := map[string]string{}
	if cfg.fallbackPath != "" {
		values, err := godotenv.Read(cfg.fallbackPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("secrets: read fallback file: %w", err)
		default:
			fallback = values
		}
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	latency, err := meter.Float64Histogram(
		"storefront.secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret resolution"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}

	r := &Resolver{
		client:    cfg.client,
		projectID: cfg.projectID,
		fallback:  fallback,
		cache:     expirable.NewLRU[string, string](defaultCacheSize, nil, cfg.cacheTTL),
		logger:    cfg.logger,
		latency:   latency,
	}
	if r.client == nil && r.projectID != "" {
		client, err := newSecretManagerClient(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the Secret Manager client when the resolver created it.
func (r *Resolver) Close() error {
	if r == nil || !r.ownsClient || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ResolveSecret implements config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := time.Now()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	if value, ok := r.cache.Get(parsed.key()); ok {
		r.record(ctx, start, "cache")
		return value, nil
	}

	project := parsed.project
	if project == "" {
		project = r.projectID
	}
	if r.client != nil && project != "" {
		value, err := r.access(ctx, project, parsed)
		if err == nil {
			r.cache.Add(parsed.key(), value)
			r.record(ctx, start, "secret_manager")
			return value, nil
		}
		if !fallbackAllowed(err) {
			r.record(ctx, start, "error")
			return "", fmt.Errorf("secrets: access %s: %w", parsed.name, err)
		}
		r.logger.Debug("secrets: falling back to local file", zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok := r.fallback[parsed.fallbackKey()]
	if !ok {
		r.record(ctx, start, "error")
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, parsed.name)
	}
	r.cache.Add(parsed.key(), value)
	r.record(ctx, start, "fallback")
	return value, nil
}

func (r *Resolver) access(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := r.client.AccessSecretVersion(ctx,
		&secretmanagerpb.AccessSecretVersionRequest{Name: name},
		gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) record(ctx context.Context, start time.Time, source string) {
	if r.latency == nil {
		return
	}
	r.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("source", source)))
}

// Credentials problems and outages fall back to the local file; a missing secret does not.
func fallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.project + "/" + r.name + "@" + r.version
}

// fallbackKey maps "stripe/api-key" to "STRIPE_API_KEY".
func (r reference) fallbackKey() string {
	return strings.ToUpper(strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		default:
			return '_'
		}
	}, r.name))
}

// parseReference accepts secret://name[?version=N&project=P]. Path separators become dashes
// since Secret Manager names are flat.
func parseReference(ref string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, fmt.Errorf("secrets: missing secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		name:    strings.ReplaceAll(name, "/", "-"),
		version: version,
		project: strings.TrimSpace(u.Query().Get("project")),
	}, nil
}
