package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PayPalLogger defines the logging contract for PayPal provider operations.
type PayPalLogger func(ctx context.Context, event string, fields map[string]any)

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
	HTTPClient   *http.Client
	Logger       PayPalLogger
	Clock        func() time.Time
}

// PayPalProvider implements the Provider interface against the PayPal
// Orders v2 REST API. Access tokens come from the OAuth client-credentials
// grant and are cached until shortly before expiry.
type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	httpClient   *http.Client
	clock        func() time.Time
	logger       PayPalLogger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api-m.paypal.com"
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal: client credentials are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PayPalProvider{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		webhookID:    strings.TrimSpace(cfg.WebhookID),
		httpClient:   httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CaptureOrder captures an approved PayPal order.
func (p *PayPalProvider) CaptureOrder(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
	var body any
	if req.Amount != nil {
		body = map[string]any{
			"amount": paypalAmount(*req.Amount, req.Currency),
		}
	}

	var resp paypalOrderResponse
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["PayPal-Request-Id"] = key
	}
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(req.GatewayOrderID)+"/capture", body, headers, &resp); err != nil {
		return CaptureDetails{}, err
	}

	details, ok := resp.firstCapture()
	if !ok {
		return CaptureDetails{}, fmt.Errorf("%w: capture response contained no capture", ErrGatewayRejected)
	}
	details.GatewayOrderID = resp.ID

	p.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"order":   resp.ID,
		"capture": details.CaptureID,
		"status":  string(details.Status),
	})

	return details, nil
}

// RefundCapture refunds a settled PayPal capture.
func (p *PayPalProvider) RefundCapture(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error) {
	body := map[string]any{}
	if req.Amount != nil {
		body["amount"] = paypalAmount(*req.Amount, req.Currency)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		body["note_to_payer"] = reason
	}

	var resp paypalRefundResponse
	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["PayPal-Request-Id"] = key
	}
	if err := p.do(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(req.CaptureID)+"/refund", body, headers, &resp); err != nil {
		return RefundDetails{}, err
	}

	amount, currency := resp.Amount.parse()
	created := resp.CreateTime
	p.logger(ctx, "payments.paypal.capture.refunded", map[string]any{
		"capture": req.CaptureID,
		"refund":  resp.ID,
		"status":  resp.Status,
	})

	return RefundDetails{
		Provider:  "paypal",
		RefundID:  resp.ID,
		CaptureID: req.CaptureID,
		Amount:    amount,
		Currency:  currency,
		Status:    CaptureStatusRefunded,
		CreatedAt: created,
	}, nil
}

// GetOrder retrieves the gateway's view of an order.
func (p *PayPalProvider) GetOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	var resp paypalOrderResponse
	if err := p.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(gatewayOrderID), nil, nil, &resp); err != nil {
		return GatewayOrder{}, err
	}

	order := GatewayOrder{
		Provider: "paypal",
		OrderID:  resp.ID,
		Status:   paypalOrderStatus(resp.Status),
	}
	for _, unit := range resp.PurchaseUnits {
		amount, currency := unit.Amount.parse()
		order.Amount += amount
		if currency != "" {
			order.Currency = currency
		}
		for _, capture := range unit.Payments.Captures {
			details := capture.details()
			details.GatewayOrderID = resp.ID
			order.Captures = append(order.Captures, details)
		}
	}
	return order, nil
}

// GetCapture retrieves a single capture record.
func (p *PayPalProvider) GetCapture(ctx context.Context, captureID string) (CaptureDetails, error) {
	var resp paypalCapture
	if err := p.do(ctx, http.MethodGet, "/v2/payments/captures/"+url.PathEscape(captureID), nil, nil, &resp); err != nil {
		return CaptureDetails{}, err
	}
	return resp.details(), nil
}

// VerifyWebhook validates the delivery through PayPal's signature
// verification endpoint and normalises the event.
func (p *PayPalProvider) VerifyWebhook(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error) {
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: malformed event payload", ErrSignatureInvalid)
	}

	verification := map[string]any{
		"auth_algo":         headerValue(headers, "Paypal-Auth-Algo"),
		"cert_url":          headerValue(headers, "Paypal-Cert-Url"),
		"transmission_id":   headerValue(headers, "Paypal-Transmission-Id"),
		"transmission_sig":  headerValue(headers, "Paypal-Transmission-Sig"),
		"transmission_time": headerValue(headers, "Paypal-Transmission-Time"),
		"webhook_id":        p.webhookID,
		"webhook_event":     event,
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", verification, nil, &result); err != nil {
		return WebhookEvent{}, err
	}
	if result.VerificationStatus != "SUCCESS" {
		return WebhookEvent{}, fmt.Errorf("%w: verification status %q", ErrSignatureInvalid, result.VerificationStatus)
	}

	eventID, _ := event["id"].(string)
	eventType, _ := event["event_type"].(string)
	normalized := WebhookEvent{
		Provider:  "paypal",
		EventID:   eventID,
		EventType: paypalEventType(eventType),
		Payload:   event,
	}

	if resource, ok := event["resource"].(map[string]any); ok {
		if id, ok := resource["id"].(string); ok {
			if strings.HasPrefix(eventType, "PAYMENT.CAPTURE.") {
				normalized.CaptureID = id
			} else {
				normalized.GatewayOrderID = id
			}
		}
		if amount, ok := resource["amount"].(map[string]any); ok {
			if value, ok := amount["value"].(string); ok {
				normalized.Amount = parseMoneyValue(value)
			}
			if currency, ok := amount["currency_code"].(string); ok {
				normalized.Currency = strings.ToUpper(currency)
			}
		}
		if related, ok := resource["supplementary_data"].(map[string]any); ok {
			if ids, ok := related["related_ids"].(map[string]any); ok {
				if orderID, ok := ids["order_id"].(string); ok {
					normalized.GatewayOrderID = orderID
				}
			}
		}
	}

	return normalized, nil
}

func paypalEventType(eventType string) string {
	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		return "capture-completed"
	case "PAYMENT.CAPTURE.DENIED":
		return "capture-denied"
	case "PAYMENT.CAPTURE.REFUNDED":
		return "capture-refunded"
	case "CHECKOUT.ORDER.APPROVED":
		return "order-approved"
	case "CHECKOUT.ORDER.COMPLETED":
		return "order-completed"
	default:
		return eventType
	}
}

func paypalOrderStatus(status string) OrderStatus {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return OrderStatusCompleted
	case "APPROVED":
		return OrderStatusApproved
	case "VOIDED":
		return OrderStatusVoided
	default:
		return OrderStatusCreated
	}
}

// token returns a cached OAuth access token, refreshing it via the
// client-credentials grant when absent or near expiry.
func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.clock().Before(p.tokenExpiry.Add(-30*time.Second)) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyPayPalStatus("token exchange", resp.StatusCode, nil)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("%w: decode token response: %v", ErrGatewayUnavailable, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrGatewayRejected)
	}

	p.accessToken = token.AccessToken
	p.tokenExpiry = p.clock().Add(time.Duration(token.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

func (p *PayPalProvider) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paypal: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s timed out", ErrGatewayUnavailable, method, path)
		}
		return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyPayPalStatus(method+" "+path, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("paypal: decode response: %w", err)
		}
	}
	return nil
}

func classifyPayPalStatus(op string, status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 256 {
		detail = detail[:256]
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: paypal %s: %s", ErrGatewayNotFound, op, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: paypal %s: http %d", ErrGatewayUnavailable, op, status)
	default:
		return fmt.Errorf("%w: paypal %s: http %d: %s", ErrGatewayRejected, op, status, detail)
	}
}

// Wire types -----------------------------------------------------------------

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func (m paypalMoney) parse() (int64, string) {
	return parseMoneyValue(m.Value), strings.ToUpper(m.CurrencyCode)
}

func paypalAmount(amount int64, currency string) paypalMoney {
	return paypalMoney{
		CurrencyCode: strings.ToUpper(currency),
		Value:        fmt.Sprintf("%d.%02d", amount/100, amount%100),
	}
}

// parseMoneyValue converts a decimal money string into integer cents. The
// sign is taken from the raw string: a whole part of "-0" parses to zero and
// would otherwise drop it.
func parseMoneyValue(value string) int64 {
	value = strings.TrimSpace(value)
	negative := strings.HasPrefix(value, "-")
	whole, frac, _ := strings.Cut(strings.TrimPrefix(value, "-"), ".")
	cents, _ := strconv.ParseInt(whole, 10, 64)
	cents *= 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		sub, _ := strconv.ParseInt(frac, 10, 64)
		cents += sub
	}
	if negative {
		return -cents
	}
	return cents
}

type paypalCapture struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Amount     paypalMoney `json:"amount"`
	CreateTime *time.Time  `json:"create_time"`
	SellerReceivableBreakdown struct {
		TotalRefundedAmount paypalMoney `json:"total_refunded_amount"`
	} `json:"seller_receivable_breakdown"`
}

func (c paypalCapture) details() CaptureDetails {
	amount, currency := c.Amount.parse()
	refunded, _ := c.SellerReceivableBreakdown.TotalRefundedAmount.parse()

	status := CaptureStatusPending
	switch strings.ToUpper(c.Status) {
	case "COMPLETED":
		status = CaptureStatusCompleted
	case "DECLINED", "FAILED":
		status = CaptureStatusDeclined
	case "REFUNDED":
		status = CaptureStatusRefunded
	case "PARTIALLY_REFUNDED":
		status = CaptureStatusPartiallyRefunded
	}

	return CaptureDetails{
		Provider:       "paypal",
		CaptureID:      c.ID,
		Status:         status,
		Amount:         amount,
		RefundedAmount: refunded,
		Currency:       currency,
		CapturedAt:     c.CreateTime,
	}
}

type paypalOrderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Amount   paypalMoney `json:"amount"`
		Payments struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (r paypalOrderResponse) firstCapture() (CaptureDetails, bool) {
	for _, unit := range r.PurchaseUnits {
		for _, capture := range unit.Payments.Captures {
			return capture.details(), true
		}
	}
	return CaptureDetails{}, false
}

type paypalRefundResponse struct {
	ID         string      `json:"id"`
	Status     string      `json:"status"`
	Amount     paypalMoney `json:"amount"`
	CreateTime *time.Time  `json:"create_time"`
}

func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	return headers[strings.ToLower(key)]
}
