package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/vendora/engine/internal/domain"
	pfirestore "github.com/vendora/engine/internal/platform/firestore"
	"github.com/vendora/engine/internal/repositories"
)

const (
	auditLogCollection = "auditLogs"
)

// AuditLogRepository stores immutable audit trail entries.
type AuditLogRepository struct {
	base *pfirestore.BaseRepository[auditLogDocument]
}

// NewAuditLogRepository constructs a Firestore-backed audit log repository.
func NewAuditLogRepository(provider *pfirestore.Provider) (*AuditLogRepository, error) {
	if provider == nil {
		return nil, errors.New("audit log repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[auditLogDocument](provider, auditLogCollection, nil, nil)
	return &AuditLogRepository{base: base}, nil
}

// Append stores a new audit entry. Entries are never updated or removed.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("audit log repository not initialised")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("audit log repository: entry id is required")
	}

	doc := auditLogDocument{
		Action:    strings.TrimSpace(entry.Action),
		TargetRef: strings.TrimSpace(entry.TargetRef),
		ActorType: string(entry.ActorType),
		ActorID:   strings.TrimSpace(entry.ActorID),
		Details:   cloneAnyMap(entry.Details),
		CreatedAt: entry.CreatedAt.UTC(),
	}

	ref, err := r.base.DocumentRef(ctx, entryID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("auditLogs.append", err)
	}
	return nil
}

// List returns audit entries matching the filter, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, errors.New("audit log repository not initialised")
	}

	pageSize := normalisePageSize(filter.Pagination.PageSize)

	var cursor *timeCursor
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeTimeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		cursor = decoded
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if target := strings.TrimSpace(filter.TargetRef); target != "" {
			query = query.Where("targetRef", "==", target)
		}
		if actor := strings.TrimSpace(filter.Actor); actor != "" {
			query = query.Where("actorId", "==", actor)
		}
		if actorType := strings.TrimSpace(filter.ActorType); actorType != "" {
			query = query.Where("actorType", "==", actorType)
		}
		if action := strings.TrimSpace(filter.Action); action != "" {
			query = query.Where("action", "==", action)
		}
		if filter.DateRange.From != nil {
			query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
		}
		query = query.
			OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor != nil {
			query = query.StartAfter(cursor.At, cursor.ID)
		}
		return query.Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, err
	}

	entries := make([]domain.AuditLogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data.toDomain(doc.ID))
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}
	var nextToken string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		encoded, err := encodeTimeCursor(timeCursor{At: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, pfirestore.WrapError("auditLogs.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.AuditLogEntry]{
		Items:         entries,
		NextPageToken: nextToken,
	}, nil
}

type auditLogDocument struct {
	Action    string         `firestore:"action"`
	TargetRef string         `firestore:"targetRef,omitempty"`
	ActorType string         `firestore:"actorType,omitempty"`
	ActorID   string         `firestore:"actorId,omitempty"`
	Details   map[string]any `firestore:"details,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func (d auditLogDocument) toDomain(id string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		ID:        id,
		Action:    d.Action,
		TargetRef: d.TargetRef,
		ActorType: domain.ActorType(d.ActorType),
		ActorID:   d.ActorID,
		Details:   cloneAnyMap(d.Details),
		CreatedAt: d.CreatedAt,
	}
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)
