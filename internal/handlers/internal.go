package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/vendora/engine/internal/domain"
	"github.com/vendora/engine/internal/platform/httpx"
	"github.com/vendora/engine/internal/services"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
)

// NotificationQueueStats exposes the queue counters surfaced on the
// internal routes. Satisfied by services.NotificationQueue.
type NotificationQueueStats interface {
	Pending() int
	DeadLetters() []services.Notification
}

// InternalHandlers exposes operator-only endpoints: the audit trail and
// the notification queue counters. The /internal group is expected to be
// protected by network policy or a shared-secret middleware.
type InternalHandlers struct {
	system services.SystemService
	queue  NotificationQueueStats
}

// NewInternalHandlers constructs a new InternalHandlers instance.
func NewInternalHandlers(system services.SystemService, queue NotificationQueueStats) *InternalHandlers {
	return &InternalHandlers{
		system: system,
		queue:  queue,
	}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/audit-logs", h.listAuditLogs)
	r.Get("/notifications/stats", h.notificationStats)
}

func (h *InternalHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var dateRange domain.RangeQuery[time.Time]
	var hasDateRange bool
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "from must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
		hasDateRange = true
	}
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "to must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
		hasDateRange = true
	}

	pageSize, err := parsePageSize(query.Get("page_size"), defaultAuditPageSize, maxAuditPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target_ref")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actor_type")),
		Action:    strings.TrimSpace(query.Get("action")),
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if hasDateRange {
		filter.DateRange = dateRange
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, auditLogPayload{
			ID:        entry.ID,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			ActorType: string(entry.ActorType),
			ActorID:   entry.ActorID,
			Details:   cloneMap(entry.Details),
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *InternalHandlers) notificationStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "notification queue unavailable", http.StatusServiceUnavailable))
		return
	}

	deadLetters := h.queue.DeadLetters()
	items := make([]deadLetterPayload, 0, len(deadLetters))
	for _, notification := range deadLetters {
		items = append(items, deadLetterPayload{
			ID:         notification.ID,
			Template:   string(notification.Template),
			Recipient:  notification.Recipient,
			OrderID:    notification.OrderID,
			Priority:   string(notification.Priority),
			RetryCount: notification.RetryCount,
			LastError:  notification.LastError,
			EnqueuedAt: formatTime(notification.EnqueuedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, notificationStatsResponse{
		Pending:     h.queue.Pending(),
		DeadLetters: items,
	})
}

type auditLogListResponse struct {
	Items         []auditLogPayload `json:"items"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	ActorType string         `json:"actor_type,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type notificationStatsResponse struct {
	Pending     int                 `json:"pending"`
	DeadLetters []deadLetterPayload `json:"dead_letters"`
}

type deadLetterPayload struct {
	ID         string `json:"id"`
	Template   string `json:"template"`
	Recipient  string `json:"recipient,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	Priority   string `json:"priority"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	EnqueuedAt string `json:"enqueued_at,omitempty"`
}
