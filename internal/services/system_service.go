package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

const defaultOutboxBacklogThreshold = 500

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Outbox, when set, adds an "outbox" check that degrades once due entries exceed BacklogThreshold.
	Outbox           repositories.OutboxRepository
	BacklogThreshold int
	Clock            func() time.Time
	Build            BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	outbox     repositories.OutboxRepository
	backlog    int
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service backing the readiness probe.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	backlog := deps.BacklogThreshold
	if backlog <= 0 {
		backlog = defaultOutboxBacklogThreshold
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		outbox:     deps.Outbox,
		backlog:    backlog,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.outbox != nil {
		report.Checks["outbox"] = s.outboxCheck(ctx, now)
		report.Status = ""
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

func (s *systemService) outboxCheck(ctx context.Context, now time.Time) domain.SystemHealthCheck {
	started := s.clock()
	due, err := s.outbox.ListDue(ctx, now, s.backlog+1)
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Latency:   s.clock().Sub(started),
		CheckedAt: now,
	}
	switch {
	case err != nil:
		check.Status = domain.HealthStatusError
		check.Error = err.Error()
	case len(due) > s.backlog:
		check.Status = domain.HealthStatusDegraded
		check.Detail = fmt.Sprintf("more than %d entries due", s.backlog)
	default:
		check.Detail = fmt.Sprintf("%d entries due", len(due))
	}
	return check
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
