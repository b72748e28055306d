package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/repositories"
)

type stubAuditLogRepo struct {
	appendFn func(ctx context.Context, entry domain.AuditLogEntry) error
	listFn   func(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

func (s *stubAuditLogRepo) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if s.appendFn != nil {
		return s.appendFn(ctx, entry)
	}
	return nil
}

func (s *stubAuditLogRepo) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.AuditLogEntry]{}, nil
}

var _ repositories.AuditLogRepository = (*stubAuditLogRepo)(nil)

type capturingWarnLogger struct {
	warnings []string
}

func (l *capturingWarnLogger) Warnf(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

func TestNewAuditLogServiceRequiresRepository(t *testing.T) {
	if _, err := NewAuditLogService(AuditLogServiceDeps{}); err == nil {
		t.Fatal("expected error when repository is missing")
	}
}

func TestRecordPersistsSanitisedEntry(t *testing.T) {
	now := time.Date(2026, time.May, 5, 9, 0, 0, 0, time.UTC)
	var appended *domain.AuditLogEntry

	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: &stubAuditLogRepo{
			appendFn: func(ctx context.Context, entry domain.AuditLogEntry) error {
				appended = &entry
				return nil
			},
		},
		Clock:       fixedClock(now),
		IDGenerator: sequentialIDs("AUD"),
	})
	if err != nil {
		t.Fatalf("NewAuditLogService returned error: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Action:    "  payment.capture.applied\x00 ",
		TargetRef: "orders/ord_1",
		ActorID:   "reconciler",
		Details:   map[string]any{"captureId": "cap_123"},
	})

	if appended == nil {
		t.Fatal("expected entry appended")
	}
	if !strings.HasPrefix(appended.ID, "aud_") {
		t.Fatalf("expected aud_ prefix, got %q", appended.ID)
	}
	if appended.Action != "payment.capture.applied" {
		t.Fatalf("expected control characters stripped, got %q", appended.Action)
	}
	if appended.ActorType != domain.ActorTypeSystem {
		t.Fatalf("expected default system actor, got %s", appended.ActorType)
	}
	if !appended.CreatedAt.Equal(now) {
		t.Fatalf("expected CreatedAt %s, got %s", now, appended.CreatedAt)
	}
	if appended.Details["captureId"] != "cap_123" {
		t.Fatalf("unexpected details %v", appended.Details)
	}
}

func TestRecordTruncatesLongText(t *testing.T) {
	var appended *domain.AuditLogEntry
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: &stubAuditLogRepo{
			appendFn: func(ctx context.Context, entry domain.AuditLogEntry) error {
				appended = &entry
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewAuditLogService returned error: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{
		Action: strings.Repeat("a", 500),
	})
	if len(appended.Action) != 120 {
		t.Fatalf("expected action trimmed to 120 characters, got %d", len(appended.Action))
	}
}

func TestRecordSwallowsRepositoryFailure(t *testing.T) {
	logger := &capturingWarnLogger{}
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: &stubAuditLogRepo{
			appendFn: func(ctx context.Context, entry domain.AuditLogEntry) error {
				return errors.New("firestore down")
			},
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewAuditLogService returned error: %v", err)
	}

	svc.Record(context.Background(), AuditLogRecord{Action: "noop"})

	if len(logger.warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", logger.warnings)
	}
	if !strings.Contains(logger.warnings[0], "firestore down") {
		t.Fatalf("expected cause in warning, got %q", logger.warnings[0])
	}
}

func TestListTrimsFilterFields(t *testing.T) {
	var captured *repositories.AuditLogFilter
	svc, err := NewAuditLogService(AuditLogServiceDeps{
		Repository: &stubAuditLogRepo{
			listFn: func(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
				captured = &filter
				return domain.CursorPage[domain.AuditLogEntry]{}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewAuditLogService returned error: %v", err)
	}

	if _, err := svc.List(context.Background(), AuditLogFilter{
		TargetRef: " orders/ord_1 ",
		Actor:     " reconciler ",
		Action:    " payment.capture.applied ",
	}); err != nil {
		t.Fatalf("List returned error: %v", err)
	}

	if captured.TargetRef != "orders/ord_1" || captured.Actor != "reconciler" || captured.Action != "payment.capture.applied" {
		t.Fatalf("expected trimmed filter, got %+v", captured)
	}
}
