package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/repositories"
)

const auditLogIDPrefix = "aud_"

// AuditLogger defines the logging contract used by the audit writer service.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

type auditLogService struct {
	repo  repositories.AuditLogRepository
	clock func() time.Time
	newID func() string
	log   AuditLogger
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, fmt.Errorf("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = noopAuditLogger{}
	}

	return &auditLogService{
		repo:  deps.Repository,
		clock: func() time.Time { return clock().UTC() },
		newID: idGen,
		log:   logger,
	}, nil
}

// Record persists an audit log entry. Repository failures are logged but do
// not bubble up to callers to avoid interrupting the primary mutation flow.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry := domain.AuditLogEntry{
		ID:        auditLogIDPrefix + s.newID(),
		Action:    sanitizeText(record.Action, 120),
		TargetRef: sanitizeText(record.TargetRef, 200),
		ActorType: record.ActorType,
		ActorID:   sanitizeText(record.ActorID, 160),
		Details:   cloneMap(record.Details),
		CreatedAt: s.clock(),
	}
	if entry.ActorType == "" {
		entry.ActorType = domain.ActorTypeSystem
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.log.Warnf("audit log append failed: %v", err)
	}
}

// List delegates to the repository to retrieve paginated audit logs.
func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	page, err := s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		ActorType:  strings.TrimSpace(filter.ActorType),
		Action:     strings.TrimSpace(filter.Action),
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[AuditLogEntry]{}, err
	}
	return page, nil
}

type noopAuditLogger struct{}

func (noopAuditLogger) Warnf(string, ...any) {}

func sanitizeText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
