package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeChargeAPI interface {
	Get(id string, params *stripe.ChargeParams) (*stripe.Charge, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
	charges stripeChargeAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe APIs. A
// gateway order maps to a Payment Intent and a capture to its charge.
type StripeProvider struct {
	api           stripeClients
	account       string
	webhookSecret string
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
			charges: sc.Charges,
		}
	}

	if clients.intents == nil || clients.refunds == nil || clients.charges == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CaptureOrder captures the Payment Intent backing a gateway order.
func (p *StripeProvider) CaptureOrder(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
	if p == nil {
		return CaptureDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.AmountToCapture = stripe.Int64(*req.Amount)
	}
	intent, err := p.api.intents.Capture(req.GatewayOrderID, params)
	if err != nil {
		return CaptureDetails{}, classifyStripeError("capture payment intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"amountReceived": intent.AmountReceived,
	})
	return stripeCaptureDetails(intent), nil
}

// RefundCapture refunds the charge identified by CaptureID.
func (p *StripeProvider) RefundCapture(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error) {
	if p == nil {
		return RefundDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		Charge: stripe.String(req.CaptureID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return RefundDetails{}, classifyStripeError("refund charge", err)
	}
	p.logger(ctx, "payments.stripe.charge.refunded", map[string]any{
		"charge": req.CaptureID,
		"refund": refund.ID,
	})

	created := time.Unix(refund.Created, 0).UTC()
	return RefundDetails{
		Provider:  "stripe",
		RefundID:  refund.ID,
		CaptureID: req.CaptureID,
		Amount:    refund.Amount,
		Currency:  strings.ToUpper(string(refund.Currency)),
		Status:    CaptureStatusRefunded,
		CreatedAt: &created,
		Raw:       stripeRaw(refund),
	}, nil
}

// GetOrder retrieves the Payment Intent backing a gateway order.
func (p *StripeProvider) GetOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	if p == nil {
		return GatewayOrder{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(gatewayOrderID, params)
	if err != nil {
		return GatewayOrder{}, classifyStripeError("lookup payment intent", err)
	}

	order := GatewayOrder{
		Provider: "stripe",
		OrderID:  intent.ID,
		Status:   stripeOrderStatus(intent.Status),
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
		Raw:      stripeRaw(intent),
	}
	if details := stripeCaptureDetails(intent); details.CaptureID != "" {
		order.Captures = []CaptureDetails{details}
	}
	return order, nil
}

// GetCapture retrieves the charge behind a capture id.
func (p *StripeProvider) GetCapture(ctx context.Context, captureID string) (CaptureDetails, error) {
	if p == nil {
		return CaptureDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	charge, err := p.api.charges.Get(captureID, params)
	if err != nil {
		return CaptureDetails{}, classifyStripeError("lookup charge", err)
	}
	return stripeChargeDetails(charge), nil
}

// VerifyWebhook checks the Stripe-Signature header and normalises the event.
func (p *StripeProvider) VerifyWebhook(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	signature := headers["Stripe-Signature"]
	if signature == "" {
		signature = headers["stripe-signature"]
	}
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	normalized := WebhookEvent{
		Provider:  "stripe",
		EventID:   event.ID,
		EventType: stripeEventType(string(event.Type)),
		Payload:   map[string]any{},
	}
	if len(event.Data.Raw) > 0 {
		_ = json.Unmarshal(event.Data.Raw, &normalized.Payload)
	}

	if object, ok := normalized.Payload["object"].(string); ok {
		switch object {
		case "payment_intent":
			normalized.GatewayOrderID, _ = normalized.Payload["id"].(string)
		case "charge":
			normalized.CaptureID, _ = normalized.Payload["id"].(string)
			if intent, ok := normalized.Payload["payment_intent"].(string); ok {
				normalized.GatewayOrderID = intent
			}
		}
	}
	if amount, ok := normalized.Payload["amount"].(float64); ok {
		normalized.Amount = int64(amount)
	}
	if currency, ok := normalized.Payload["currency"].(string); ok {
		normalized.Currency = strings.ToUpper(currency)
	}

	p.logger(ctx, "payments.stripe.webhook.verified", map[string]any{
		"event": event.ID,
		"type":  string(event.Type),
	})

	return normalized, nil
}

func stripeEventType(eventType string) string {
	switch eventType {
	case "payment_intent.succeeded", "charge.succeeded":
		return "capture-completed"
	case "payment_intent.payment_failed", "charge.failed":
		return "capture-denied"
	case "charge.refunded":
		return "capture-refunded"
	case "payment_intent.amount_capturable_updated":
		return "order-approved"
	case "checkout.session.completed":
		return "order-completed"
	default:
		return eventType
	}
}

func stripeOrderStatus(status stripe.PaymentIntentStatus) OrderStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return OrderStatusCompleted
	case stripe.PaymentIntentStatusCanceled:
		return OrderStatusVoided
	case stripe.PaymentIntentStatusRequiresCapture:
		return OrderStatusApproved
	default:
		return OrderStatusCreated
	}
}

func stripeCaptureDetails(intent *stripe.PaymentIntent) CaptureDetails {
	if intent == nil || intent.LatestCharge == nil {
		return CaptureDetails{}
	}
	return stripeChargeDetails(intent.LatestCharge)
}

func stripeChargeDetails(charge *stripe.Charge) CaptureDetails {
	if charge == nil {
		return CaptureDetails{}
	}

	status := CaptureStatusPending
	switch {
	case charge.Refunded || (charge.AmountRefunded >= charge.Amount && charge.AmountRefunded > 0):
		status = CaptureStatusRefunded
	case charge.AmountRefunded > 0:
		status = CaptureStatusPartiallyRefunded
	case charge.Captured || charge.Paid:
		status = CaptureStatusCompleted
	case charge.Status == "failed":
		status = CaptureStatusDeclined
	}

	var capturedAt *time.Time
	if charge.Captured || charge.Paid {
		t := time.Unix(charge.Created, 0).UTC()
		capturedAt = &t
	}

	gatewayOrderID := ""
	if charge.PaymentIntent != nil {
		gatewayOrderID = charge.PaymentIntent.ID
	}

	return CaptureDetails{
		Provider:       "stripe",
		CaptureID:      charge.ID,
		GatewayOrderID: gatewayOrderID,
		Status:         status,
		Amount:         charge.Amount,
		RefundedAmount: charge.AmountRefunded,
		Currency:       strings.ToUpper(string(charge.Currency)),
		CapturedAt:     capturedAt,
		Raw:            stripeRaw(charge),
	}
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == 404 {
			return fmt.Errorf("%w: stripe %s: %v", ErrGatewayNotFound, op, err)
		}
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
			return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe %s: %v", ErrGatewayRejected, op, err)
	}
	return fmt.Errorf("%w: stripe %s: %v", ErrGatewayUnavailable, op, err)
}

func stripeRaw(v any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
