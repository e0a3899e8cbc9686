package services

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	orderNumberPrefix   = "FV"
	orderNumberAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	orderNumberRandLen  = 4
)

var orderNumberPattern = regexp.MustCompile(`^FV-[0-9A-Z]{1,13}-[0-9A-Z]{4}$`)

// OrderNumberGenerator produces FV-<TIMESTAMP36>-<RAND4> order numbers.
type OrderNumberGenerator struct {
	clock   func() time.Time
	entropy func(n int) (string, error)
}

// NewOrderNumberGenerator returns a generator reading time from clock. A nil clock uses time.Now.
func NewOrderNumberGenerator(clock func() time.Time) *OrderNumberGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &OrderNumberGenerator{clock: clock, entropy: randomSuffix}
}

// Next returns a fresh order number.
func (g *OrderNumberGenerator) Next() (string, error) {
	suffix, err := g.entropy(orderNumberRandLen)
	if err != nil {
		return "", fmt.Errorf("order number: entropy: %w", err)
	}
	stamp := strings.ToUpper(strconv.FormatInt(g.clock().UnixMilli(), 36))
	return fmt.Sprintf("%s-%s-%s", orderNumberPrefix, stamp, suffix), nil
}

// Derive replaces the random suffix of number deterministically from salt and attempt.
// Replaying the same inputs yields the same number, so a retried delivery lands on the order it created before.
func (g *OrderNumberGenerator) Derive(number, salt string, attempt int) string {
	idx := strings.LastIndex(number, "-")
	if idx < 0 {
		return number
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", number, salt, attempt)))
	var b strings.Builder
	for i := 0; i < orderNumberRandLen; i++ {
		b.WriteByte(orderNumberAlphabet[int(sum[i])%len(orderNumberAlphabet)])
	}
	return number[:idx+1] + b.String()
}

// ValidOrderNumber reports whether value matches the durable order number format.
func ValidOrderNumber(value string) bool {
	return orderNumberPattern.MatchString(value)
}

func randomSuffix(n int) (string, error) {
	limit := big.NewInt(int64(len(orderNumberAlphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = orderNumberAlphabet[v.Int64()]
	}
	return string(out), nil
}
