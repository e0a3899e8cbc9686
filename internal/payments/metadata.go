package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MetadataOrderNumber carries the order number on sessions and intents.
	MetadataOrderNumber = "orderNumber"

	// MaxMetadataValueLength is Stripe's per-value limit.
	MaxMetadataValueLength = 500
	// MaxMetadataKeys is Stripe's per-object key limit.
	MaxMetadataKeys = 50

	chunkCountSuffix = "_n"
)

// ErrMetadataTooLarge is returned when a value cannot be chunked within the key budget.
var ErrMetadataTooLarge = errors.New("payments: metadata exceeds provider limits")

// PutChunked splits value across prefix_0..prefix_k keys of at most MaxMetadataValueLength bytes
// and records the chunk count under prefix_n.
func PutChunked(meta map[string]string, prefix, value string) error {
	if meta == nil {
		return errors.New("payments: metadata map is nil")
	}
	chunks := splitChunks(value, MaxMetadataValueLength)
	if len(meta)+len(chunks)+1 > MaxMetadataKeys {
		return fmt.Errorf("%w: %s needs %d keys", ErrMetadataTooLarge, prefix, len(chunks)+1)
	}
	for i, chunk := range chunks {
		meta[prefix+"_"+strconv.Itoa(i)] = chunk
	}
	meta[prefix+chunkCountSuffix] = strconv.Itoa(len(chunks))
	return nil
}

// GetChunked reassembles a value written by PutChunked.
func GetChunked(meta map[string]string, prefix string) (string, error) {
	raw, ok := meta[prefix+chunkCountSuffix]
	if !ok {
		return "", fmt.Errorf("payments: metadata %s missing", prefix)
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 || count > MaxMetadataKeys {
		return "", fmt.Errorf("payments: metadata %s has invalid chunk count %q", prefix, raw)
	}
	var b strings.Builder
	for i := 0; i < count; i++ {
		chunk, ok := meta[prefix+"_"+strconv.Itoa(i)]
		if !ok {
			return "", fmt.Errorf("payments: metadata %s chunk %d missing", prefix, i)
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// splitChunks cuts s into pieces of at most size bytes without splitting a UTF-8 sequence.
func splitChunks(s string, size int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > size {
		cut := size
		for cut > 0 && !isRuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = size
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return append(out, s)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
