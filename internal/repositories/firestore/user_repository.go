package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	domain "github.com/fernvale/orderflow/internal/domain"
	pfirestore "github.com/fernvale/orderflow/internal/platform/firestore"
	"github.com/fernvale/orderflow/internal/repositories"
)

// UserRepository stores purchasers. Email uniqueness is enforced through a userEmails
// index document created in the same transaction as the user.
type UserRepository struct {
	uow    pfirestore.UnitOfWork
	users  *pfirestore.Collection[userDocument]
	emails *pfirestore.Collection[userEmailDocument]
}

var _ repositories.UserRepository = (*UserRepository)(nil)

// NewUserRepository constructs the user repository.
func NewUserRepository(provider *pfirestore.Provider) (*UserRepository, error) {
	if provider == nil {
		return nil, errors.New("user repository requires firestore provider")
	}
	return &UserRepository{
		uow:    pfirestore.UnitOfWork{Provider: provider},
		users:  pfirestore.NewCollection[userDocument](provider, usersCollection),
		emails: pfirestore.NewCollection[userEmailDocument](provider, userEmailsCollection),
	}, nil
}

// FindByID returns the user document.
func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	id := strings.TrimSpace(userID)
	if id == "" {
		return domain.User{}, pfirestore.NotFound("users.get", "user")
	}
	doc, err := r.users.Get(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:        doc.ID,
		Email:     doc.Email,
		Name:      doc.Name,
		Kind:      domain.AccountKind(doc.Kind),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

// FindByEmail resolves the email index and then loads the user.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (domain.User, error) {
	key := emailKey(email)
	if key == "" {
		return domain.User{}, pfirestore.NotFound("userEmails.get", "user")
	}
	index, err := r.emails.Get(ctx, key)
	if err != nil {
		return domain.User{}, err
	}
	return r.FindByID(ctx, index.UserID)
}

// CreateGuest writes the index entry and the user together. An existing index entry surfaces as a conflict.
func (r *UserRepository) CreateGuest(ctx context.Context, user domain.User) error {
	key := emailKey(user.Email)
	if key == "" {
		return errors.New("user repository: email is required")
	}
	if strings.TrimSpace(user.ID) == "" {
		return errors.New("user repository: user id is required")
	}
	return r.uow.RunInTx(ctx, func(txCtx context.Context) error {
		if err := r.emails.Create(txCtx, key, userEmailDocument{UserID: user.ID, Email: user.Email}); err != nil {
			return err
		}
		return r.users.Create(txCtx, user.ID, userDocument{
			ID:        user.ID,
			Email:     user.Email,
			Name:      user.Name,
			Kind:      string(domain.AccountKindGuest),
			CreatedAt: user.CreatedAt.UTC(),
			UpdatedAt: user.UpdatedAt.UTC(),
		})
	})
}

// emailKey hashes the normalised address so it is a valid document ID.
func emailKey(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
