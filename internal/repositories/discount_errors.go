package repositories

import "fmt"

// DiscountErrorCode enumerates repository error causes for discount redemptions.
type DiscountErrorCode string

const (
	// DiscountErrorNotFound indicates the code has no stored record.
	DiscountErrorNotFound DiscountErrorCode = "discount_not_found"
	// DiscountErrorUsageLimitReached indicates usedCount already equals usageLimit.
	DiscountErrorUsageLimitReached DiscountErrorCode = "discount_usage_limit_reached"
)

// DiscountError wraps discount-specific failures with machine readable codes.
type DiscountError struct {
	Code    DiscountErrorCode
	Message string
	Err     error
}

func (e *DiscountError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DiscountError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound satisfies RepositoryError.
func (e *DiscountError) IsNotFound() bool { return e != nil && e.Code == DiscountErrorNotFound }

// IsConflict satisfies RepositoryError.
func (e *DiscountError) IsConflict() bool {
	return e != nil && e.Code == DiscountErrorUsageLimitReached
}

// IsUnavailable satisfies RepositoryError.
func (e *DiscountError) IsUnavailable() bool { return false }

// NewDiscountError constructs a typed discount error.
func NewDiscountError(code DiscountErrorCode, discountCode string) *DiscountError {
	return &DiscountError{Code: code, Message: fmt.Sprintf("discount %q: %s", discountCode, code)}
}
