package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/fernvale/orderflow/internal/services"
)

func newWebhookRouter(svc services.CheckoutService) chi.Router {
	r := chi.NewRouter()
	r.Route("/webhooks", NewWebhookHandlers(svc).Routes)
	return r
}

func TestWebhookHandlers_PassesRawBodyAndSignature(t *testing.T) {
	svc := &stubCheckoutService{webhook: services.WebhookResult{EventID: "evt_1", EventType: "checkout.session.completed", OrderNumber: "FV-1"}}
	payload := `{"id":"evt_1",  "type":"checkout.session.completed"}`

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if string(svc.webhookCmd.Payload) != payload {
		t.Fatalf("expected raw payload to be forwarded untouched, got %q", svc.webhookCmd.Payload)
	}
	if svc.webhookCmd.Signature != "t=1,v1=abc" {
		t.Fatalf("unexpected signature %q", svc.webhookCmd.Signature)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["received"] != true {
		t.Fatalf("expected received=true, got %v", body)
	}
}

func TestWebhookHandlers_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "bad signature", err: services.ErrWebhookSignature, status: http.StatusBadRequest},
		{name: "bad metadata", err: fmt.Errorf("%w: missing order number", services.ErrWebhookMetadata), status: http.StatusBadRequest},
		{name: "commit failure", err: fmt.Errorf("%w: write failed", services.ErrOrderRepositoryFailure), status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newWebhookRouter(&stubCheckoutService{err: tc.err}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{}`)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}

func TestWebhookHandlers_RejectsOversizedBody(t *testing.T) {
	svc := &stubCheckoutService{}
	body := strings.Repeat("a", maxWebhookBodySize+1)

	rr := httptest.NewRecorder()
	newWebhookRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if svc.webhookCmd.Payload != nil {
		t.Fatal("service must not see an oversized payload")
	}
}
