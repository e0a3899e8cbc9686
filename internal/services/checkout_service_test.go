package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/fernvale/orderflow/internal/domain"
	"github.com/fernvale/orderflow/internal/payments"
)

type stubProvider struct {
	sessionReqs []payments.CheckoutSessionRequest
	intentReqs  []payments.PaymentIntentRequest
	captures    []payments.CaptureRequest

	details   map[string]payments.PaymentDetails
	event     *payments.WebhookEvent
	parseErr  error
	createErr error
}

func (p *stubProvider) CreateCheckoutSession(_ context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	if p.createErr != nil {
		return payments.CheckoutSession{}, p.createErr
	}
	p.sessionReqs = append(p.sessionReqs, req)
	return payments.CheckoutSession{ID: "cs_test_1", RedirectURL: "https://checkout.stripe.test/cs_test_1", IntentID: "pi_test_1"}, nil
}

func (p *stubProvider) CreatePaymentIntent(_ context.Context, req payments.PaymentIntentRequest) (payments.PaymentIntent, error) {
	if p.createErr != nil {
		return payments.PaymentIntent{}, p.createErr
	}
	p.intentReqs = append(p.intentReqs, req)
	return payments.PaymentIntent{ID: "pi_test_1", ClientSecret: "pi_test_1_secret", Status: payments.StatusRequiresCapture, Amount: req.Amount, Currency: req.Currency}, nil
}

func (p *stubProvider) Capture(_ context.Context, req payments.CaptureRequest) (payments.PaymentDetails, error) {
	p.captures = append(p.captures, req)
	details := p.details[req.IntentID]
	details.Status = payments.StatusSucceeded
	details.Captured = true
	p.details[req.IntentID] = details
	return details, nil
}

func (p *stubProvider) LookupPayment(_ context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	details, ok := p.details[req.IntentID]
	if !ok {
		return payments.PaymentDetails{}, payments.ErrPaymentNotFound
	}
	return details, nil
}

func (p *stubProvider) ParseWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	if p.parseErr != nil {
		return payments.WebhookEvent{}, p.parseErr
	}
	if p.event == nil {
		return payments.WebhookEvent{}, errors.New("no event queued")
	}
	return *p.event, nil
}

type checkoutFixture struct {
	*orderHarness
	provider *stubProvider
	checkout CheckoutService
}

func newCheckoutFixture(t *testing.T, simulated bool) checkoutFixture {
	t.Helper()
	h := newOrderHarness(t)
	seedCatalog(h)
	provider := &stubProvider{details: map[string]payments.PaymentDetails{}}
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Pricing:          h.pricing,
		Customers:        h.customers,
		Orders:           h.orders,
		Products:         stubProducts{h.store},
		Provider:         provider,
		SuccessURL:       "https://shop.test/thanks",
		CancelURL:        "https://shop.test/cart",
		SimulatedEnabled: simulated,
		Clock:            fixedClock(h.now),
	})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return checkoutFixture{orderHarness: h, provider: provider, checkout: svc}
}

func testCart() CheckoutCommand {
	total := int64(9500)
	return CheckoutCommand{
		Items: []domain.OrderItem{
			{ProductID: "p1", Name: "Linen Shirt", UnitPrice: 5000, Quantity: 2, Size: "M", Color: "Blue"},
		},
		ShippingAddress: domain.Address{
			Recipient:  "Ada Lovelace",
			Line1:      "12 Analytical Row",
			City:       "London",
			PostalCode: "N1 9GU",
			Country:    "GB",
		},
		Purchaser:    PurchaserInput{Email: "Ada@Example.com"},
		Shipping:     500,
		Total:        &total,
		DiscountCode: "save10",
		Currency:     "usd",
	}
}

func TestCheckoutSessionThenWebhookCommitsOrder(t *testing.T) {
	f := newCheckoutFixture(t, false)
	ctx := context.Background()

	session, err := f.checkout.CreateCheckoutSession(ctx, testCart())
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.Total != 9500 || session.Currency != "USD" || !ValidOrderNumber(session.OrderNumber) {
		t.Fatalf("unexpected session %+v", session)
	}
	if len(f.store.orders) != 0 || len(f.store.users) != 0 {
		t.Fatalf("opening a session must not write orders or users")
	}
	req := f.provider.sessionReqs[0]
	if req.IdempotencyKey != payments.IdempotencyKey(idempotencyOpSession, session.OrderNumber) {
		t.Fatalf("unexpected idempotency key %s", req.IdempotencyKey)
	}
	if len(req.Items) != 1 || req.Items[0].Name != "Order "+session.OrderNumber || req.Items[0].Amount != 9500 {
		t.Fatalf("unexpected line items %+v", req.Items)
	}

	f.provider.event = &payments.WebhookEvent{
		ID:              "evt_1",
		Type:            payments.EventCheckoutSessionCompleted,
		SessionID:       session.SessionID,
		PaymentIntentID: "pi_test_1",
		PaymentStatus:   payments.PaymentStatusPaid,
		AmountTotal:     9500,
		Currency:        "usd",
		Metadata:        req.Metadata,
	}
	result, err := f.checkout.HandleWebhook(ctx, WebhookCommand{Payload: []byte(`{}`), Signature: "t=1,v1=ok"})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if result.Ignored || result.Duplicate || result.OrderNumber != session.OrderNumber {
		t.Fatalf("unexpected webhook result %+v", result)
	}
	order := f.store.orders[session.OrderNumber]
	if order.CustomerEmail != "ada@example.com" || order.PaymentReference != "pi_test_1" || order.Discount == nil || order.Discount.Code != "SAVE10" {
		t.Fatalf("unexpected committed order %+v", order)
	}
	if order.ShippingAddress == nil || order.ShippingAddress.Email != "Ada@Example.com" {
		t.Fatalf("address email should fall back to purchaser email: %+v", order.ShippingAddress)
	}
	if len(f.store.users) != 1 {
		t.Fatalf("expected guest created on commit, got %d users", len(f.store.users))
	}

	again, err := f.checkout.HandleWebhook(ctx, WebhookCommand{Payload: []byte(`{}`), Signature: "t=1,v1=ok"})
	if err != nil {
		t.Fatalf("redelivered HandleWebhook: %v", err)
	}
	if !again.Duplicate {
		t.Fatalf("expected redelivery to be a duplicate")
	}
	if f.store.discounts["SAVE10"].UsedCount != 1 {
		t.Fatalf("discount usage counted twice")
	}
}

func TestHandleWebhookSignatureFailure(t *testing.T) {
	f := newCheckoutFixture(t, false)
	f.provider.parseErr = payments.ErrInvalidSignature

	_, err := f.checkout.HandleWebhook(context.Background(), WebhookCommand{Payload: []byte(`{}`), Signature: "bad"})
	if !errors.Is(err, ErrWebhookSignature) || !errors.Is(err, ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestHandleWebhookIgnoresOtherEvents(t *testing.T) {
	f := newCheckoutFixture(t, false)
	f.provider.event = &payments.WebhookEvent{ID: "evt_2", Type: "payment_intent.created"}

	result, err := f.checkout.HandleWebhook(context.Background(), WebhookCommand{})
	if err != nil || !result.Ignored {
		t.Fatalf("expected ignored event, got %+v %v", result, err)
	}

	f.provider.event = &payments.WebhookEvent{ID: "evt_3", Type: payments.EventCheckoutSessionCompleted, PaymentStatus: "unpaid"}
	result, err = f.checkout.HandleWebhook(context.Background(), WebhookCommand{})
	if err != nil || !result.Ignored {
		t.Fatalf("expected unpaid session ignored, got %+v %v", result, err)
	}
}

func TestHandleWebhookRejectsAmountMismatch(t *testing.T) {
	f := newCheckoutFixture(t, false)
	session, err := f.checkout.CreateCheckoutSession(context.Background(), testCart())
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	f.provider.event = &payments.WebhookEvent{
		ID:            "evt_1",
		Type:          payments.EventCheckoutSessionCompleted,
		SessionID:     session.SessionID,
		PaymentStatus: payments.PaymentStatusPaid,
		AmountTotal:   100,
		Metadata:      f.provider.sessionReqs[0].Metadata,
	}
	_, err = f.checkout.HandleWebhook(context.Background(), WebhookCommand{})
	if !errors.Is(err, ErrWebhookMetadata) {
		t.Fatalf("expected metadata error, got %v", err)
	}
	if len(f.store.orders) != 0 {
		t.Fatalf("mismatched payment must not commit")
	}
}

func TestCheckoutSessionRejectsTotalMismatch(t *testing.T) {
	f := newCheckoutFixture(t, false)
	cart := testCart()
	wrong := int64(9000)
	cart.Total = &wrong

	_, err := f.checkout.CreateCheckoutSession(context.Background(), cart)
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(f.provider.sessionReqs) != 0 {
		t.Fatalf("provider must not be called for a rejected cart")
	}
}

func TestCapturePaymentCommitsOrder(t *testing.T) {
	f := newCheckoutFixture(t, false)
	ctx := context.Background()

	intent, err := f.checkout.CreatePaymentIntent(ctx, testCart())
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	f.provider.details[intent.ID] = payments.PaymentDetails{
		IntentID: intent.ID,
		Status:   payments.StatusRequiresCapture,
		Amount:   intent.Total,
		Currency: "usd",
		Metadata: f.provider.intentReqs[0].Metadata,
	}

	cart := testCart()
	result, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &cart})
	if err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	if result.OrderNumber != intent.OrderNumber || result.Total != 9500 || result.Duplicate {
		t.Fatalf("unexpected capture result %+v", result)
	}
	if len(f.provider.captures) != 1 || f.provider.captures[0].IdempotencyKey != payments.IdempotencyKey(idempotencyOpCapture, intent.OrderNumber) {
		t.Fatalf("unexpected captures %+v", f.provider.captures)
	}
	order := f.store.orders[intent.OrderNumber]
	if order.PaymentMethod != domain.PaymentMethodTwoStep || order.Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected order %+v", order)
	}

	// A retried capture finds the intent already succeeded and commits nothing new.
	retry, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &cart})
	if err != nil {
		t.Fatalf("retried CapturePayment: %v", err)
	}
	if !retry.Duplicate || len(f.provider.captures) != 1 {
		t.Fatalf("expected duplicate without a second capture, got %+v", retry)
	}
}

func TestCapturePaymentErrors(t *testing.T) {
	f := newCheckoutFixture(t, false)
	cart := testCart()

	_, err := f.checkout.CapturePayment(context.Background(), CaptureCommand{ProviderOrderID: "pi_missing", Cart: &cart})
	if !errors.Is(err, ErrUnknownProviderOrder) {
		t.Fatalf("expected unknown provider order, got %v", err)
	}

	f.provider.details["pi_failed"] = payments.PaymentDetails{IntentID: "pi_failed", Status: payments.StatusFailed}
	_, err = f.checkout.CapturePayment(context.Background(), CaptureCommand{ProviderOrderID: "pi_failed", Cart: &cart})
	if !errors.Is(err, ErrPaymentNotCapturable) {
		t.Fatalf("expected not capturable, got %v", err)
	}

	f.provider.details["pi_short"] = payments.PaymentDetails{
		IntentID: "pi_short",
		Status:   payments.StatusRequiresCapture,
		Amount:   100,
		Metadata: map[string]string{payments.MetadataOrderNumber: "FV-ABC123-XY9Z"},
	}
	_, err = f.checkout.CapturePayment(context.Background(), CaptureCommand{ProviderOrderID: "pi_short", Cart: &cart})
	if !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if len(f.provider.captures) != 0 {
		t.Fatalf("no capture expected on failures")
	}

	_, err = f.checkout.CapturePayment(context.Background(), CaptureCommand{ProviderOrderID: "pi_short"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without cart, got %v", err)
	}
}

func TestSimulatedOrderDisabled(t *testing.T) {
	f := newCheckoutFixture(t, false)
	_, err := f.checkout.CreateSimulatedOrder(context.Background(), testCart())
	if !errors.Is(err, ErrSimulatedPaymentsOff) {
		t.Fatalf("expected simulated payments off, got %v", err)
	}
}

func TestSimulatedOrderSubstitutesMissingProducts(t *testing.T) {
	f := newCheckoutFixture(t, true)
	cart := testCart()
	cart.Items = append(cart.Items, domain.OrderItem{ProductID: "retired", Name: "Old Scarf", UnitPrice: 0, Quantity: 1, Size: "L"})

	result, err := f.checkout.CreateSimulatedOrder(context.Background(), cart)
	if err != nil {
		t.Fatalf("CreateSimulatedOrder: %v", err)
	}
	order := result.Order
	if order.Status != domain.OrderStatusPending || order.PaidAt != nil {
		t.Fatalf("simulated order must be pending and unpaid: %+v", order)
	}
	substituted := order.Items[1]
	if substituted.ProductID != defaultPlaceholderProductID || substituted.Size != "" {
		t.Fatalf("expected placeholder substitution, got %+v", substituted)
	}
	if _, ok := f.store.products[defaultPlaceholderProductID]; !ok {
		t.Fatalf("expected placeholder product ensured")
	}
	if !strings.HasPrefix(order.UserID, "usr_") {
		t.Fatalf("expected guest user id, got %s", order.UserID)
	}
}

func TestCheckoutWithoutProvider(t *testing.T) {
	h := newOrderHarness(t)
	svc, err := NewCheckoutService(CheckoutServiceDeps{Pricing: h.pricing, Customers: h.customers, Orders: h.orders})
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	if _, err := svc.CreateCheckoutSession(context.Background(), testCart()); !errors.Is(err, ErrPaymentProviderOff) {
		t.Fatalf("expected provider off, got %v", err)
	}
}

func authorisedIntent(t *testing.T, f checkoutFixture) PaymentIntentResult {
	t.Helper()
	intent, err := f.checkout.CreatePaymentIntent(context.Background(), testCart())
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	f.provider.details[intent.ID] = payments.PaymentDetails{
		IntentID: intent.ID,
		Status:   payments.StatusRequiresCapture,
		Amount:   intent.Total,
		Currency: "usd",
		Metadata: f.provider.intentReqs[0].Metadata,
	}
	return intent
}

func TestCapturePaymentReplayWithChangedPurchaserIsDuplicate(t *testing.T) {
	f := newCheckoutFixture(t, false)
	ctx := context.Background()
	intent := authorisedIntent(t, f)

	cart := testCart()
	first, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &cart})
	if err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}

	replay := testCart()
	replay.Purchaser = PurchaserInput{Email: "someone.else@example.com"}
	replay.ShippingAddress.Recipient = "Someone Else"
	again, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &replay})
	if err != nil {
		t.Fatalf("replayed CapturePayment: %v", err)
	}
	if !again.Duplicate || again.OrderNumber != first.OrderNumber {
		t.Fatalf("expected replay to resolve to %s as duplicate, got %+v", first.OrderNumber, again)
	}
	if len(f.store.orders) != 1 {
		t.Fatalf("expected one order for one payment, got %d", len(f.store.orders))
	}
	if len(f.store.users) != 1 {
		t.Fatalf("replay must not create a second purchaser, got %d users", len(f.store.users))
	}
	if f.store.products["p1"].Quantity != 1 {
		t.Fatalf("stock decremented twice: %+v", f.store.products["p1"])
	}
}

func TestCapturePaymentReplayAfterDiscountExhausted(t *testing.T) {
	f := newCheckoutFixture(t, false)
	ctx := context.Background()
	limited := save10()
	limit := 1
	limited.UsageLimit = &limit
	f.store.discounts["SAVE10"] = limited
	intent := authorisedIntent(t, f)

	cart := testCart()
	if _, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &cart}); err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	if got := f.store.discounts["SAVE10"].UsedCount; got != 1 {
		t.Fatalf("expected the order to use up the code, got usedCount %d", got)
	}

	retry, err := f.checkout.CapturePayment(ctx, CaptureCommand{ProviderOrderID: intent.ID, Cart: &cart})
	if err != nil {
		t.Fatalf("retried CapturePayment must not re-validate the spent code: %v", err)
	}
	if !retry.Duplicate || retry.Total != 9500 {
		t.Fatalf("unexpected retry result %+v", retry)
	}
}

func TestSimulatedOrderReplayWithClientNumber(t *testing.T) {
	f := newCheckoutFixture(t, true)
	ctx := context.Background()
	limited := save10()
	limit := 1
	limited.UsageLimit = &limit
	f.store.discounts["SAVE10"] = limited

	cart := testCart()
	cart.OrderNumber = "FV-ABC123-XY9Z"
	first, err := f.checkout.CreateSimulatedOrder(ctx, cart)
	if err != nil {
		t.Fatalf("CreateSimulatedOrder: %v", err)
	}
	if first.Duplicate || first.Order.PaymentReference != "FV-ABC123-XY9Z" {
		t.Fatalf("unexpected first order %+v", first.Order)
	}

	again, err := f.checkout.CreateSimulatedOrder(ctx, cart)
	if err != nil {
		t.Fatalf("replayed CreateSimulatedOrder: %v", err)
	}
	if !again.Duplicate || again.Order.OrderNumber != first.Order.OrderNumber {
		t.Fatalf("expected duplicate of %s, got %+v", first.Order.OrderNumber, again)
	}
	if len(f.store.orders) != 1 {
		t.Fatalf("expected one order row, got %d", len(f.store.orders))
	}
}

func TestHandleWebhookReplaySkipsPurchaserResolution(t *testing.T) {
	f := newCheckoutFixture(t, false)
	ctx := context.Background()
	session, err := f.checkout.CreateCheckoutSession(ctx, testCart())
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	f.provider.event = &payments.WebhookEvent{
		ID:              "evt_1",
		Type:            payments.EventCheckoutSessionCompleted,
		SessionID:       session.SessionID,
		PaymentIntentID: "pi_test_1",
		PaymentStatus:   payments.PaymentStatusPaid,
		AmountTotal:     9500,
		Metadata:        f.provider.sessionReqs[0].Metadata,
	}
	if _, err := f.checkout.HandleWebhook(ctx, WebhookCommand{}); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	// Purchaser resolution now fails, so only an answer from the stored order succeeds.
	f.store.users = map[string]domain.User{}
	f.store.createGuestHook = func(domain.User) error { return errStubTransient }
	again, err := f.checkout.HandleWebhook(ctx, WebhookCommand{})
	if err != nil {
		t.Fatalf("redelivered HandleWebhook: %v", err)
	}
	if !again.Duplicate || again.OrderNumber != session.OrderNumber {
		t.Fatalf("unexpected redelivery result %+v", again)
	}
}
