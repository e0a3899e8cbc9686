package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/repositories"
)

const guestUserIDPrefix = "usr_"

// CustomerServiceDeps bundles dependencies required to resolve purchasers.
type CustomerServiceDeps struct {
	Users       repositories.UserRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type customerService struct {
	users  repositories.UserRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCustomerService constructs the purchaser resolver.
func NewCustomerService(deps CustomerServiceDeps) (CustomerService, error) {
	if deps.Users == nil {
		return nil, errors.New("customer service: user repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &customerService{
		users:  deps.Users,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// NormalizeEmail folds case and compatibility forms so lookups match regardless of how the address was typed.
func NormalizeEmail(email string) string {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(trimmed))
}

// ResolvePurchaser prefers a live session user and otherwise resolves or creates a guest keyed by email.
func (s *customerService) ResolvePurchaser(ctx context.Context, in PurchaserInput) (domain.User, error) {
	if uid := strings.TrimSpace(in.SessionUserID); uid != "" {
		user, err := s.users.FindByID(ctx, uid)
		switch {
		case err == nil:
			return user, nil
		case isRepoNotFound(err):
			s.logger(ctx, "customer.session.stale", map[string]any{"userId": uid})
		default:
			return domain.User{}, fmt.Errorf("customer: load session user: %w", err)
		}
	}

	email := NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, ErrPurchaserInvalid
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !isRepoNotFound(err) {
		return domain.User{}, fmt.Errorf("customer: find by email: %w", err)
	}

	now := s.clock()
	guest := domain.User{
		ID:        guestUserIDPrefix + s.newID(),
		Email:     email,
		Name:      strings.TrimSpace(in.Name),
		Kind:      domain.AccountKindGuest,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.CreateGuest(ctx, guest); err != nil {
		if !isRepoConflict(err) {
			return domain.User{}, fmt.Errorf("customer: create guest: %w", err)
		}
		// Lost the race against a concurrent checkout with the same email.
		existing, findErr := s.users.FindByEmail(ctx, email)
		if findErr != nil {
			return domain.User{}, fmt.Errorf("customer: reload guest: %w", findErr)
		}
		return existing, nil
	}
	s.logger(ctx, "customer.guest.created", map[string]any{"userId": guest.ID})
	return guest, nil
}
