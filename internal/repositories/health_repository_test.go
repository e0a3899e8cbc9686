package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/fernvale/orderflow/internal/domain"
)

func TestDependencyHealthRepositoryRejectsIncompleteChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatalf("expected error for empty check set")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "postgres"}}); err == nil {
		t.Fatalf("expected error for check without function")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Check: func(context.Context) error { return nil }}}); err == nil {
		t.Fatalf("expected error for unnamed check")
	}
}

func TestDependencyHealthRepositoryCollect(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("connection refused")

	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "postgres", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return boom }},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if got := report.Checks["postgres"].Status; got != domain.HealthStatusOK {
		t.Fatalf("expected postgres ok, got %s", got)
	}
	redis := report.Checks["redis"]
	if redis.Status != domain.HealthStatusDegraded || redis.Error != boom.Error() {
		t.Fatalf("unexpected redis result %+v", redis)
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryCollectTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{{
		Name:    "firestore",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			select {
			case <-time.After(200 * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if detail := report.Checks["firestore"].Detail; detail != "timeout" {
		t.Fatalf("expected timeout detail, got %s", detail)
	}
}
