package services

import (
	"errors"
	"fmt"

	"github.com/fernvale/orderflow/internal/repositories"
)

// Error classes surfaced to the transport layer. Every exported service error wraps exactly one of them.
var (
	// ErrValidation marks missing or inconsistent caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an absent order, product or feature.
	ErrNotFound = errors.New("not found")
	// ErrSignature marks an untrusted provider callback.
	ErrSignature = errors.New("signature verification failed")
	// ErrPersistence marks storage failures that abort a commit.
	ErrPersistence = errors.New("persistence failure")
)

var (
	ErrInvalidDiscount = classified(ErrValidation, "discount: invalid code")

	ErrCheckoutInvalidInput   = classified(ErrValidation, "checkout: invalid input")
	ErrCheckoutPaymentFailed  = classified(ErrPersistence, "checkout: payment provider failure")
	ErrUnknownProviderOrder   = classified(ErrValidation, "checkout: unknown provider order")
	ErrPaymentNotCapturable   = classified(ErrValidation, "checkout: payment not capturable")
	ErrWebhookSignature       = classified(ErrSignature, "checkout: webhook signature invalid")
	ErrWebhookMetadata        = classified(ErrValidation, "checkout: webhook metadata invalid")
	ErrSimulatedPaymentsOff   = classified(ErrNotFound, "checkout: simulated payments disabled")
	ErrPaymentProviderOff     = classified(ErrNotFound, "checkout: payment provider not configured")
	ErrOrderInvalidInput      = classified(ErrValidation, "order: invalid input")
	ErrOrderInvalidState      = classified(ErrValidation, "order: invalid status transition")
	ErrOrderNotFound          = classified(ErrNotFound, "order: not found")
	ErrOrderConflict          = classified(ErrPersistence, "order: number conflict")
	ErrOrderRepositoryFailure = classified(ErrPersistence, "order: repository failure")
	ErrPurchaserInvalid       = classified(ErrValidation, "customer: purchaser email required")
)

type classifiedError struct {
	msg  string
	kind error
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.kind }

func classified(kind error, msg string) error {
	return &classifiedError{msg: msg, kind: kind}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrOrderRepositoryFailure, err)
}
