package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	captureOrderFn  func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error)
	refundCaptureFn func(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error)
	getOrderFn      func(ctx context.Context, gatewayOrderID string) (GatewayOrder, error)
	getCaptureFn    func(ctx context.Context, captureID string) (CaptureDetails, error)
	verifyWebhookFn func(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error)
}

func (s *stubProvider) CaptureOrder(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
	if s.captureOrderFn != nil {
		return s.captureOrderFn(ctx, req)
	}
	return CaptureDetails{CaptureID: "cap_stub"}, nil
}

func (s *stubProvider) RefundCapture(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error) {
	if s.refundCaptureFn != nil {
		return s.refundCaptureFn(ctx, req)
	}
	return RefundDetails{RefundID: "ref_stub"}, nil
}

func (s *stubProvider) GetOrder(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
	if s.getOrderFn != nil {
		return s.getOrderFn(ctx, gatewayOrderID)
	}
	return GatewayOrder{OrderID: gatewayOrderID}, nil
}

func (s *stubProvider) GetCapture(ctx context.Context, captureID string) (CaptureDetails, error) {
	if s.getCaptureFn != nil {
		return s.getCaptureFn(ctx, captureID)
	}
	return CaptureDetails{CaptureID: captureID}, nil
}

func (s *stubProvider) VerifyWebhook(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error) {
	if s.verifyWebhookFn != nil {
		return s.verifyWebhookFn(ctx, payload, headers)
	}
	return WebhookEvent{EventID: "evt_stub"}, nil
}

var _ Provider = (*stubProvider)(nil)

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]Provider{"": &stubProvider{}}); err == nil {
		t.Fatal("expected error for blank provider key")
	}
	if _, err := NewManager(map[string]Provider{"stripe": nil}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestCaptureOrderRoutesByPreferredProvider(t *testing.T) {
	var stripeCalls, paypalCalls int
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				stripeCalls++
				return CaptureDetails{CaptureID: "cap_s"}, nil
			},
		},
		"paypal": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				paypalCalls++
				return CaptureDetails{CaptureID: "cap_p"}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	details, err := manager.CaptureOrder(context.Background(), PaymentContext{PreferredProvider: "PayPal"}, CaptureOrderRequest{GatewayOrderID: "gw_1"})
	if err != nil {
		t.Fatalf("CaptureOrder returned error: %v", err)
	}
	if paypalCalls != 1 || stripeCalls != 0 {
		t.Fatalf("expected paypal routed, got stripe=%d paypal=%d", stripeCalls, paypalCalls)
	}
	if details.Provider != "paypal" {
		t.Fatalf("expected provider stamped on details, got %q", details.Provider)
	}
}

func TestCaptureOrderRoutesByCurrency(t *testing.T) {
	var paypalCalls int
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{},
		"paypal": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				paypalCalls++
				return CaptureDetails{}, nil
			},
		},
	}, WithCurrencyRoutes(map[string]string{"eur": "paypal"}))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if _, err := manager.CaptureOrder(context.Background(), PaymentContext{Currency: "EUR"}, CaptureOrderRequest{}); err != nil {
		t.Fatalf("CaptureOrder returned error: %v", err)
	}
	if paypalCalls != 1 {
		t.Fatalf("expected currency route to paypal, got %d calls", paypalCalls)
	}
}

func TestCaptureOrderDefaultsToStripe(t *testing.T) {
	var stripeCalls int
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				stripeCalls++
				return CaptureDetails{}, nil
			},
		},
		"paypal": &stubProvider{},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if _, err := manager.CaptureOrder(context.Background(), PaymentContext{}, CaptureOrderRequest{}); err != nil {
		t.Fatalf("CaptureOrder returned error: %v", err)
	}
	if stripeCalls != 1 {
		t.Fatalf("expected default stripe routing, got %d calls", stripeCalls)
	}
}

func TestSingleProviderIsImplicitDefault(t *testing.T) {
	var calls int
	manager, err := NewManager(map[string]Provider{
		"paypal": &stubProvider{
			getOrderFn: func(ctx context.Context, gatewayOrderID string) (GatewayOrder, error) {
				calls++
				return GatewayOrder{OrderID: gatewayOrderID}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	order, err := manager.GetOrder(context.Background(), PaymentContext{}, "gw_1")
	if err != nil {
		t.Fatalf("GetOrder returned error: %v", err)
	}
	if calls != 1 || order.Provider != "paypal" {
		t.Fatalf("expected lone provider used, calls=%d provider=%q", calls, order.Provider)
	}
}

func TestCaptureOrderRetriesTransientFailures(t *testing.T) {
	attempts := 0
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				attempts++
				if attempts == 1 {
					return CaptureDetails{}, ErrGatewayUnavailable
				}
				return CaptureDetails{CaptureID: "cap_retry"}, nil
			},
		},
	}, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	details, err := manager.CaptureOrder(context.Background(), PaymentContext{}, CaptureOrderRequest{})
	if err != nil {
		t.Fatalf("CaptureOrder returned error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected retry after transient failure, got %d attempts", attempts)
	}
	if details.CaptureID != "cap_retry" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestCaptureOrderStopsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				attempts++
				return CaptureDetails{}, ErrGatewayUnavailable
			},
		},
	}, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	_, err = manager.CaptureOrder(context.Background(), PaymentContext{}, CaptureOrderRequest{})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected attempts capped at 2, got %d", attempts)
	}
}

func TestCaptureOrderRejectionIsTerminal(t *testing.T) {
	attempts := 0
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				attempts++
				return CaptureDetails{}, ErrGatewayRejected
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	_, err = manager.CaptureOrder(context.Background(), PaymentContext{}, CaptureOrderRequest{})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("terminal rejections must not retry, got %d attempts", attempts)
	}
}

func TestCaptureOrderTimeoutSurfacesAsUnavailable(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			captureOrderFn: func(ctx context.Context, req CaptureOrderRequest) (CaptureDetails, error) {
				<-ctx.Done()
				return CaptureDetails{}, ctx.Err()
			},
		},
	}, WithCallTimeout(10*time.Millisecond), WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	_, err = manager.CaptureOrder(context.Background(), PaymentContext{}, CaptureOrderRequest{})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable on timeout, got %v", err)
	}
}

func TestRefundCaptureStampsProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			refundCaptureFn: func(ctx context.Context, req RefundCaptureRequest) (RefundDetails, error) {
				return RefundDetails{RefundID: "ref_1", CaptureID: req.CaptureID}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	details, err := manager.RefundCapture(context.Background(), PaymentContext{}, RefundCaptureRequest{CaptureID: "cap_1"})
	if err != nil {
		t.Fatalf("RefundCapture returned error: %v", err)
	}
	if details.Provider != "stripe" || details.RefundID != "ref_1" {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestVerifyWebhookRequiresExactProvider(t *testing.T) {
	var verified int
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			verifyWebhookFn: func(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error) {
				verified++
				return WebhookEvent{EventID: "evt_1", EventType: "capture-completed"}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	event, err := manager.VerifyWebhook(context.Background(), "Stripe", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("VerifyWebhook returned error: %v", err)
	}
	if verified != 1 || event.Provider != "stripe" {
		t.Fatalf("expected stripe verification, got verified=%d provider=%q", verified, event.Provider)
	}

	// Webhooks never fall back to the default provider.
	if _, err := manager.VerifyWebhook(context.Background(), "paypal", []byte(`{}`), nil); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestVerifyWebhookPropagatesSignatureFailure(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{
			verifyWebhookFn: func(ctx context.Context, payload []byte, headers map[string]string) (WebhookEvent, error) {
				return WebhookEvent{}, ErrSignatureInvalid
			},
		},
	})
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	if _, err := manager.VerifyWebhook(context.Background(), "stripe", []byte(`{}`), nil); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}
