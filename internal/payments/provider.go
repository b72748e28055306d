package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
)

// OrderStatus enumerates the normalised gateway-side order states.
type OrderStatus string

const (
	// OrderStatusCreated indicates the gateway order exists but the buyer has not acted.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusApproved indicates the buyer approved the order at the gateway.
	OrderStatusApproved OrderStatus = "approved"
	// OrderStatusCompleted indicates the gateway order is fully captured.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusVoided indicates the gateway order was voided before capture.
	OrderStatusVoided OrderStatus = "voided"
)

// CaptureStatus enumerates the normalised capture states shared across providers.
type CaptureStatus string

const (
	// CaptureStatusPending indicates the capture is awaiting settlement.
	CaptureStatusPending CaptureStatus = "pending"
	// CaptureStatusCompleted indicates funds settled successfully.
	CaptureStatusCompleted CaptureStatus = "completed"
	// CaptureStatusDeclined indicates the gateway refused the capture.
	CaptureStatusDeclined CaptureStatus = "declined"
	// CaptureStatusRefunded indicates the captured amount was fully returned.
	CaptureStatusRefunded CaptureStatus = "refunded"
	// CaptureStatusPartiallyRefunded indicates part of the captured amount was returned.
	CaptureStatusPartiallyRefunded CaptureStatus = "partially_refunded"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable marks transient transport or gateway failures; callers may retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected marks terminal gateway refusals; callers must not retry.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrSignatureInvalid marks webhook payloads whose signature failed verification.
	ErrSignatureInvalid = errors.New("payments: webhook signature invalid")
	// ErrGatewayNotFound marks lookups for orders or captures unknown to the gateway.
	ErrGatewayNotFound = errors.New("payments: gateway resource not found")
)

// CaptureOrderRequest asks the gateway to capture an approved order.
type CaptureOrderRequest struct {
	GatewayOrderID string
	Amount         *int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundCaptureRequest asks the gateway to return captured funds.
type RefundCaptureRequest struct {
	CaptureID      string
	Amount         *int64
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// GatewayOrder normalises the gateway's view of an order for reconciliation.
type GatewayOrder struct {
	Provider string
	OrderID  string
	Status   OrderStatus
	Amount   int64
	Currency string
	Captures []CaptureDetails
	Raw      map[string]any
}

// CaptureDetails normalises gateway capture records for storage and verification.
type CaptureDetails struct {
	Provider       string
	CaptureID      string
	GatewayOrderID string
	Status         CaptureStatus
	Amount         int64
	RefundedAmount int64
	Currency       string
	CapturedAt     *time.Time
	Raw            map[string]any
}

// RefundDetails normalises gateway refund records.
type RefundDetails struct {
	Provider  string
	RefundID  string
	CaptureID string
	Amount    int64
	Currency  string
	Status    CaptureStatus
	CreatedAt *time.Time
	Raw       map[string]any
}

// WebhookEvent is the provider-verified, normalised form of a webhook delivery.
type WebhookEvent struct {
	Provider       string
	EventID        string
	EventType      string
	GatewayOrderID string
	CaptureID      string
	Amount         int64
	Currency       string
	Payload        map[string]any
}

// Provider defines the contract gateway adapters implement.
type Provider interface {
	CaptureOrder(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error)
	RefundCapture(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error)
	GetOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error)
	GetCapture(ctx context.Context, captureID string) (CaptureDetails, error)
	VerifyWebhook(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error)
}

// Manager coordinates provider selection and retries transient gateway
// failures with exponential backoff. Terminal rejections pass through.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
	callTimeout     time.Duration
	maxAttempts     int
	backoff         func() gax.Backoff
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithCallTimeout bounds each gateway call. A timeout surfaces as
// ErrGatewayUnavailable so callers treat the outcome as unknown.
func WithCallTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.callTimeout = timeout
		}
	}
}

// WithMaxAttempts caps retry attempts for transient failures.
func WithMaxAttempts(attempts int) ManagerOption {
	return func(m *Manager) {
		if attempts > 0 {
			m.maxAttempts = attempts
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers:   copyMap,
		callTimeout: 15 * time.Second,
		maxAttempts: 3,
		backoff: func() gax.Backoff {
			return gax.Backoff{
				Initial:    500 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2,
			}
		},
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CaptureOrder delegates to the resolved provider with bounded retries.
func (m *Manager) CaptureOrder(ctx context.Context, paymentCtx PaymentContext, req CaptureOrderRequest) (CaptureDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureDetails{}, err
	}
	var details CaptureDetails
	err = m.call(ctx, func(callCtx context.Context) error {
		var callErr error
		details, callErr = provider.CaptureOrder(callCtx, req)
		return callErr
	})
	if err != nil {
		return CaptureDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// RefundCapture delegates to the resolved provider with bounded retries.
func (m *Manager) RefundCapture(ctx context.Context, paymentCtx PaymentContext, req RefundCaptureRequest) (RefundDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundDetails{}, err
	}
	var details RefundDetails
	err = m.call(ctx, func(callCtx context.Context) error {
		var callErr error
		details, callErr = provider.RefundCapture(callCtx, req)
		return callErr
	})
	if err != nil {
		return RefundDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// GetOrder delegates to the resolved provider.
func (m *Manager) GetOrder(ctx context.Context, paymentCtx PaymentContext, gatewayOrderID string) (GatewayOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return GatewayOrder{}, err
	}
	var order GatewayOrder
	err = m.call(ctx, func(callCtx context.Context) error {
		var callErr error
		order, callErr = provider.GetOrder(callCtx, gatewayOrderID)
		return callErr
	})
	if err != nil {
		return GatewayOrder{}, err
	}
	order.Provider = key
	return order, nil
}

// GetCapture delegates to the resolved provider.
func (m *Manager) GetCapture(ctx context.Context, paymentCtx PaymentContext, captureID string) (CaptureDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureDetails{}, err
	}
	var details CaptureDetails
	err = m.call(ctx, func(callCtx context.Context) error {
		var callErr error
		details, callErr = provider.GetCapture(callCtx, captureID)
		return callErr
	})
	if err != nil {
		return CaptureDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// VerifyWebhook resolves the named provider and verifies the delivery.
func (m *Manager) VerifyWebhook(ctx context.Context, providerKey string, payload []byte, headers map[string]string) (WebhookEvent, error) {
	if m == nil {
		return WebhookEvent{}, errors.New("payments: manager is nil")
	}
	// Webhooks are addressed to a specific provider; no fallback routing.
	key := strings.TrimSpace(strings.ToLower(providerKey))
	provider, ok := m.providers[key]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %q", ErrUnsupportedProvider, providerKey)
	}
	event, err := provider.VerifyWebhook(ctx, payload, headers)
	if err != nil {
		return WebhookEvent{}, err
	}
	event.Provider = key
	return event, nil
}

// call runs one gateway invocation with a per-attempt timeout and retries
// only transient failures. Context cancellation stops the loop.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	backoff := m.backoff()
	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		if !errors.Is(err, ErrGatewayUnavailable) {
			return err
		}
		lastErr = err
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return lastErr
		}
	}
	return lastErr
}
