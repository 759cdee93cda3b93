package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/httpx"
	"github.com/hungerhunt/storefront/internal/repositories"
)

// BuildInfo identifies the running binary in health responses.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	repo  repositories.HealthRepository
	build BuildInfo
	now   func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthRepository sets the dependency probes used by /readyz.
func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.repo = repo
	}
}

// WithHealthBuildInfo sets the version metadata reported by both probes.
func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthClock overrides the clock, mainly for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// NewHealthHandlers builds probes. Without a repository /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type healthResponse struct {
	Status      string                      `json:"status"`
	Version     string                      `json:"version,omitempty"`
	CommitSHA   string                      `json:"commitSha,omitempty"`
	Environment string                      `json:"environment,omitempty"`
	Uptime      string                      `json:"uptime"`
	Timestamp   string                      `json:"timestamp"`
	Checks      map[string]healthCheckEntry `json:"checks,omitempty"`
	Details     []string                    `json:"details,omitempty"`
}

type healthCheckEntry struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

// Healthz reports process liveness only.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	setNoStoreHeaders(w)
	writeJSONResponse(w, http.StatusOK, h.baseResponse(domain.HealthStatusOK))
}

// Readyz probes dependencies and answers 503 unless every one is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	setNoStoreHeaders(w)
	if h.repo == nil {
		writeJSONResponse(w, http.StatusOK, h.baseResponse(domain.HealthStatusOK))
		return
	}

	report, err := h.repo.Collect(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("readiness_unavailable", "readiness probes could not run", http.StatusServiceUnavailable))
		return
	}

	payload := h.baseResponse(report.Status)
	payload.Checks = make(map[string]healthCheckEntry, len(report.Dependencies))
	for name, dep := range report.Dependencies {
		entry := healthCheckEntry{
			Status:    string(dep.Status),
			LatencyMS: dep.Latency.Milliseconds(),
		}
		if !dep.CheckedAt.IsZero() {
			entry.CheckedAt = dep.CheckedAt.UTC().Format(time.RFC3339Nano)
		}
		if dep.Status != domain.HealthStatusOK {
			entry.Detail = dep.Detail
			payload.Details = append(payload.Details, name+": "+strings.TrimSpace(dep.Detail))
		}
		payload.Checks[name] = entry
	}
	sort.Strings(payload.Details)

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, payload)
}

func (h *HealthHandlers) baseResponse(status domain.HealthStatus) healthResponse {
	now := h.now().UTC()
	return healthResponse{
		Status:      string(status),
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	}
}
