package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fernvale/orderflow/internal/platform/auth"
	"github.com/fernvale/orderflow/internal/platform/httpx"
	"github.com/fernvale/orderflow/internal/platform/requestctx"
)

const (
	DefaultHeader = "Idempotency-Key"
	ReplayHeader  = "X-Idempotent-Replay"

	maxKeyLength = 255
)

type config struct {
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
}

// Option customises Middleware.
type Option func(*config)

func WithHeader(name string) Option {
	return func(cfg *config) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long a completed response stays replayable.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithRequired rejects guarded requests that carry no key.
func WithRequired(required bool) Option {
	return func(cfg *config) { cfg.required = required }
}

func WithClock(now func() time.Time) Option {
	return func(cfg *config) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Middleware replays the stored response when a request is retried with the same key. Keys are
// scoped to the caller, and a key reused with a different body is rejected with 409. Server errors
// are not stored: the reservation is released so the retry runs again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := config{header: DefaultHeader, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := requestctx.Logger(ctx)

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			switch {
			case key == "" && !cfg.required:
				next.ServeHTTP(w, r)
				return
			case key == "":
				writeError(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing "+cfg.header+" header")
				return
			case len(key) > maxKeyLength:
				writeError(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", cfg.header+" is too long")
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				writeError(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read request body")
				return
			}

			requester := requesterID(ctx)
			scoped := requester + "|" + key
			fingerprint := requestFingerprint(r, body, requester)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.now().UTC(), cfg.ttl)
			if errors.Is(err, ErrFingerprintMismatch) {
				writeError(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
				return
			}
			if err != nil {
				logger.Error("idempotency reserve failed", zap.Error(err))
				writeError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				writeError(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			}

			recorder := newRecorder()
			next.ServeHTTP(recorder, r)

			if recorder.Status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				recorder.flush(w)
				return
			}

			resp := Response{Status: recorder.Status(), Headers: recorder.header.Clone(), Body: recorder.body.Bytes()}
			if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.now().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency save failed", zap.Error(err))
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			}
			recorder.flush(w)
		})
	}
}

// bufferBody reads the body and puts an identical reader back for the handler.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, requester string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		sha256Hex(body),
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "guest"
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// recorder buffers the handler's response so it can be stored before the client sees it.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *recorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) flush(w http.ResponseWriter) {
	dst := w.Header()
	for name, values := range r.header {
		dst[name] = append([]string(nil), values...)
	}
	w.WriteHeader(r.Status())
	if r.body.Len() > 0 {
		_, _ = w.Write(r.body.Bytes())
	}
}
