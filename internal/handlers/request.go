package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fernvale/orderflow/internal/platform/httpx"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")

	minorUnitScale = decimal.NewFromInt(100)
)

// newValidator reports fields by their JSON names and validates decimals as numbers.
func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		switch d := field.Interface().(type) {
		case decimal.Decimal:
			f, _ := d.Float64()
			return f
		case decimal.NullDecimal:
			if !d.Valid {
				return nil
			}
			f, _ := d.Decimal.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{}, decimal.NullDecimal{})
	return v
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeRequest reads a JSON body into out and validates it. It writes the error response itself and
// reports whether the handler may continue.
func decodeRequest(w http.ResponseWriter, r *http.Request, validate *validatorv10.Validate, limit int64, out any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON: "+err.Error(), http.StatusBadRequest))
		return false
	}
	if validate == nil {
		return true
	}
	if err := validate.Struct(out); err != nil {
		writeValidationError(w, r, err)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	fields := map[string]string{}
	var verrs validatorv10.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = describeRule(fe)
		}
	} else {
		fields["body"] = err.Error()
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("validation_failed", "request validation failed", http.StatusBadRequest).
		WithDetails(map[string]any{"fields": fields}))
}

func writeMissingFields(w http.ResponseWriter, r *http.Request, names ...string) {
	fields := make(map[string]string, len(names))
	for _, name := range names {
		fields[name] = "is required"
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("validation_failed", "request validation failed", http.StatusBadRequest).
		WithDetails(map[string]any{"fields": fields}))
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describeRule(fe validatorv10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// toMinor converts a major-unit amount to minor units, rejecting sub-cent precision.
func toMinor(field string, amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(minorUnitScale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s must have at most two decimal places", field)
	}
	return scaled.IntPart(), nil
}

func optionalMinor(field string, amount decimal.NullDecimal) (*int64, error) {
	if !amount.Valid {
		return nil, nil
	}
	v, err := toMinor(field, amount.Decimal)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// money renders minor units as a JSON number with two decimals.
type money int64

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.New(int64(m), -2).StringFixed(2)), nil
}
