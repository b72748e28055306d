package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/payments"
	"github.com/vendora/engine/internal/services"
)

type stubReconciliationService struct {
	captureFn func(context.Context, services.CaptureCommand) (services.ReconcileResult, error)
	refundFn  func(context.Context, services.RefundCommand) (services.ReconcileResult, error)
	verifyFn  func(context.Context, string) (services.VerificationReport, error)
	webhookFn func(context.Context, services.WebhookCommand) (services.ReconcileResult, error)
}

func (s *stubReconciliationService) ReconcileCapture(ctx context.Context, cmd services.CaptureCommand) (services.ReconcileResult, error) {
	if s.captureFn != nil {
		return s.captureFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func (s *stubReconciliationService) ReconcileRefund(ctx context.Context, cmd services.RefundCommand) (services.ReconcileResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func (s *stubReconciliationService) Verify(ctx context.Context, orderID string) (services.VerificationReport, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, orderID)
	}
	return services.VerificationReport{}, errors.New("not implemented")
}

func (s *stubReconciliationService) IngestWebhook(ctx context.Context, cmd services.WebhookCommand) (services.ReconcileResult, error) {
	if s.webhookFn != nil {
		return s.webhookFn(ctx, cmd)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

var _ services.ReconciliationService = (*stubReconciliationService)(nil)

func newPaymentTestRouter(service services.ReconciliationService) chi.Router {
	handler := NewPaymentHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/payments", handler.Routes)
	return router
}

func TestPaymentHandlersCaptureApplied(t *testing.T) {
	var captured services.CaptureCommand
	service := &stubReconciliationService{
		captureFn: func(ctx context.Context, cmd services.CaptureCommand) (services.ReconcileResult, error) {
			captured = cmd
			order := services.Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid}
			return services.ReconcileResult{Outcome: services.OutcomeApplied, Order: &order}, nil
		},
	}

	router := newPaymentTestRouter(service)
	body := bytes.NewBufferString(`{"provider":"stripe","capture_id":"CAP-9","amount":1300,"currency":"jpy"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/payments/ord_123:capture", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.CaptureID != "CAP-9" || captured.Amount != 1300 {
		t.Fatalf("unexpected command: %#v", captured)
	}
	if captured.ActorID != "user-1" {
		t.Fatalf("expected actor user-1, got %s", captured.ActorID)
	}

	var resp reconcileResultPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Outcome != "applied" {
		t.Fatalf("expected applied, got %s", resp.Outcome)
	}
	if resp.Order == nil || resp.Order.Status != "paid" {
		t.Fatalf("unexpected order: %#v", resp.Order)
	}
}

func TestPaymentHandlersCaptureDuplicate(t *testing.T) {
	service := &stubReconciliationService{
		captureFn: func(ctx context.Context, cmd services.CaptureCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{Outcome: services.OutcomeAlreadyApplied}, nil
		},
	}

	router := newPaymentTestRouter(service)
	body := bytes.NewBufferString(`{"provider":"stripe","capture_id":"CAP-9"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/payments/ord_123:capture", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp reconcileResultPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Outcome != "already_applied" {
		t.Fatalf("expected already_applied, got %s", resp.Outcome)
	}
}

func TestPaymentHandlersRefundPartialRejected(t *testing.T) {
	service := &stubReconciliationService{
		refundFn: func(ctx context.Context, cmd services.RefundCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{
				Outcome: services.OutcomeRejected,
				Reason:  "partial refund recorded without status change",
			}, nil
		},
	}

	router := newPaymentTestRouter(service)
	body := bytes.NewBufferString(`{"provider":"stripe","refund_id":"REF-1","amount":500,"currency":"jpy","reason":"damaged item"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/payments/ord_123:refund", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp reconcileResultPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Outcome != "rejected" || resp.Reason == "" {
		t.Fatalf("unexpected result: %#v", resp)
	}
}

func TestPaymentHandlersRefundGatewayUnavailable(t *testing.T) {
	service := &stubReconciliationService{
		refundFn: func(ctx context.Context, cmd services.RefundCommand) (services.ReconcileResult, error) {
			return services.ReconcileResult{}, fmt.Errorf("%w: timeout", payments.ErrGatewayUnavailable)
		},
	}

	router := newPaymentTestRouter(service)
	body := bytes.NewBufferString(`{"provider":"stripe","refund_id":"REF-1"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/payments/ord_123:refund", body))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestPaymentHandlersVerifySuccess(t *testing.T) {
	now := time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC)
	service := &stubReconciliationService{
		verifyFn: func(ctx context.Context, orderID string) (services.VerificationReport, error) {
			return services.VerificationReport{
				OrderID:       orderID,
				LocalStatus:   domain.OrderStatusPaid,
				GatewayStatus: "COMPLETED",
				AmountMatches: true,
				LocalAmount:   1300,
				GatewayAmount: 1300,
				CheckedAt:     now,
			}, nil
		},
	}

	router := newPaymentTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/payments/ord_123:verify", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp verificationReportPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.OrderID != "ord_123" || !resp.AmountMatches || resp.GatewayStatus != "COMPLETED" {
		t.Fatalf("unexpected report: %#v", resp)
	}
}

func TestPaymentHandlersVerifyNotFound(t *testing.T) {
	service := &stubReconciliationService{
		verifyFn: func(ctx context.Context, orderID string) (services.VerificationReport, error) {
			return services.VerificationReport{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
		},
	}

	router := newPaymentTestRouter(service)
	req := authed(httptest.NewRequest(http.MethodGet, "/payments/ord_missing:verify", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
