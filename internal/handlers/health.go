package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/platform/requestctx"
	"github.com/fernvale/orderflow/internal/services"
)

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.SystemService
	now    func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

// Healthz reports process liveness only; it never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      h.now().Sub(h.build.StartedAt).Round(time.Second).String(),
	})
}

// Readyz runs the dependency checks and answers 503 unless every check passed.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status": domain.HealthStatusOK,
			"checks": map[string]any{},
		})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		requestctx.Logger(r.Context()).Error("readiness check failed", zap.Error(err))
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "unable to evaluate readiness", http.StatusServiceUnavailable))
		return
	}

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]any, len(names))
	details := make([]string, 0)
	for _, name := range names {
		check := report.Checks[name]
		entry := map[string]any{
			"status":    check.Status,
			"latencyMs": check.Latency.Milliseconds(),
		}
		if !check.CheckedAt.IsZero() {
			entry["checkedAt"] = check.CheckedAt.UTC().Format(time.RFC3339)
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
			details = append(details, name+": "+check.Error)
		}
		checks[name] = entry
	}

	status := strings.TrimSpace(report.Status)
	if status == "" {
		status = domain.HealthStatusOK
	}
	code := http.StatusOK
	if status != domain.HealthStatusOK {
		code = http.StatusServiceUnavailable
	}

	httpx.WriteJSON(w, code, map[string]any{
		"status":      status,
		"checks":      checks,
		"details":     details,
		"version":     report.Version,
		"commitSha":   report.CommitSHA,
		"environment": report.Environment,
		"uptime":      report.Uptime.Round(time.Second).String(),
		"generatedAt": h.now().UTC().Format(time.RFC3339),
	})
}
