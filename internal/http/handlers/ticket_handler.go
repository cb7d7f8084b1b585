// Ticket HTTP handlers.
//
// This file exposes REST endpoints for ticket resources:
//   - POST   /tickets               (create)
//   - GET    /tickets               (list visible tickets, paginated, ETag support)
//   - GET    /tickets/{id}          (fetch one)
//   - PUT    /tickets/{id}/status   (lifecycle transition)
//   - PUT    /tickets/{id}/assignee (assign / unassign)
//   - POST   /tickets/{id}/watchers (add secondary assignee)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
// Idempotent replay and duplicate suppression for the mutating endpoints are
// handled entirely by upstream middleware; handlers never see duplicates.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/http/middleware"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
	"github.com/freightdesk/go-helpdesk-backend/internal/services"
	"github.com/freightdesk/go-helpdesk-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// TicketService defines ticket lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type TicketService interface {
	// Create opens a new ticket for creatorID.
	Create(ctx context.Context, creatorID, subject, description, priority string) (*domain.Ticket, error)
	// Get fetches one ticket by id.
	Get(ctx context.Context, id string) (*domain.Ticket, error)
	// ListPage returns a page of tickets visible to userID and the total count.
	ListPage(ctx context.Context, userID string, admin bool, page, pageSize int) ([]domain.Ticket, int64, error)
	// UpdateStatus transitions a ticket's lifecycle state.
	UpdateStatus(ctx context.Context, actorID, ticketID, status string) error
	// Assign sets or clears the primary assignee.
	Assign(ctx context.Context, actorID, ticketID string, assigneeID *string) error
	// AddWatcher links a secondary assignee to the ticket.
	AddWatcher(ctx context.Context, actorID, ticketID, userID string) error
}

// CommentService defines comment thread operations consumed by HTTP handlers.
type CommentService interface {
	// Add appends a comment to a ticket.
	Add(ctx context.Context, authorID, ticketID, body string, internal bool) (*domain.Comment, error)
	// ListPage returns a page of a ticket's comments and the total count.
	ListPage(ctx context.Context, ticketID string, page, pageSize int) ([]domain.Comment, int64, error)
}

// NotificationService defines notification inbox operations consumed by HTTP
// handlers. Emission is internal to the services layer and not exposed here.
type NotificationService interface {
	// ListPage returns a page of the user's visible notification rows.
	ListPage(ctx context.Context, userID string, page, pageSize int, unreadOnly bool) ([]domain.NotificationRecipient, int64, error)
	// CountUnread returns the user's unread, non-dismissed notification count.
	CountUnread(ctx context.Context, userID string) (int64, error)
	// MarkRead marks the user's copy of a notification as read.
	MarkRead(ctx context.Context, userID string, notificationID uint) error
	// Dismiss hides the user's copy of a notification from listings.
	Dismiss(ctx context.Context, userID string, notificationID uint) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for tickets, comments, and notifications.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic. The streamer serves the live notification
// feed (see notification_handler.go).
type Handlers struct {
	ticketSvc TicketService
	cmtSvc    CommentService
	notifSvc  NotificationService
	streamer  *NotificationStreamer
}

// New constructs and returns a Handlers instance bound to the given services.
func New(ticketSvc TicketService, cmtSvc CommentService, notifSvc NotificationService, streamer *NotificationStreamer) *Handlers {
	return &Handlers{ticketSvc: ticketSvc, cmtSvc: cmtSvc, notifSvc: notifSvc, streamer: streamer}
}

// principal extracts the authenticated identity from the Gin context (set by
// upstream auth middleware). The boolean reports whether a user is present;
// handlers reject anonymous requests with 401.
func principal(c *gin.Context) (userID string, admin bool, ok bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		return "", false, false
	}
	return uid, middleware.UserRole(c) == domain.RoleAdmin, true
}

// requirePrincipal is the common 401 guard for authenticated endpoints.
func requirePrincipal(c *gin.Context) (string, bool, bool) {
	uid, admin, ok := principal(c)
	if !ok {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
	}
	return uid, admin, ok
}

//
// DTOs
//

// CreateTicketRequest is the JSON payload for opening a ticket.
type CreateTicketRequest struct {
	// Subject is the short summary line. Required.
	Subject string `json:"subject" binding:"required,min=1"`
	// Description is the full report body. Optional.
	Description string `json:"description"`
	// Priority is one of low|normal|high|urgent; defaults to normal.
	Priority string `json:"priority"`
}

// UpdateTicketStatusRequest is the JSON payload for a status transition.
type UpdateTicketStatusRequest struct {
	// Status is one of open|in_progress|resolved|closed.
	Status string `json:"status" binding:"required"`
}

// AssignTicketRequest is the JSON payload for (un)assigning a ticket. A null
// or absent assignee_id clears the assignment.
type AssignTicketRequest struct {
	AssigneeID *string `json:"assignee_id"`
}

// AddWatcherRequest is the JSON payload for adding a secondary assignee.
type AddWatcherRequest struct {
	UserID string `json:"user_id" binding:"required,min=1"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListTicketsResponse contains a page of tickets and pagination metadata.
type ListTicketsResponse struct {
	Tickets    []domain.Ticket `json:"tickets"`
	Pagination Pagination      `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize). The camelCase
// pageSize spelling is accepted as an alias.
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	raw := c.Query("page_size")
	if raw == "" {
		raw = c.Query("pageSize")
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(raw, defaultPageSize), 1, maxPageSize)
	return
}

// paginationMeta builds the standard pagination envelope.
func paginationMeta(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// CreateTicket opens a new ticket on behalf of the authenticated user and
// returns it with 201. Subject normalization, reference assignment, and the
// ticket:created fan-out all happen in the service layer.
func (h *Handlers) CreateTicket(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	var req CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subject required")
		return
	}

	t, err := h.ticketSvc.Create(ctx, uid, req.Subject, req.Description, req.Priority)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrEmptySubject):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subject required")
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subject or description too long")
		case errors.Is(err, services.ErrInvalidPriority):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "priority must be one of low, normal, high, urgent")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, t)
}

// ListTickets returns a paginated list of tickets visible to the caller,
// with a weak ETag derived from the visible set's count and latest update.
func (h *Handlers) ListTickets(c *gin.Context) {
	ctx := c.Request.Context()
	uid, admin, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, okSvc := h.ticketSvc.(*services.TicketService); okSvc {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.TicketsStats(ctx, db, uid, admin)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"tickets:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.ticketSvc.ListPage(ctx, uid, admin, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListTicketsResponse{
		Tickets:    items,
		Pagination: paginationMeta(page, pageSize, total),
	})
}

// GetTicket fetches a single ticket by id.
func (h *Handlers) GetTicket(c *gin.Context) {
	ctx := c.Request.Context()
	if _, _, okAuth := requirePrincipal(c); !okAuth {
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	t, err := h.ticketSvc.Get(ctx, id)
	if err != nil {
		if errors.Is(err, services.ErrTicketNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, t)
}

// UpdateTicketStatus transitions the ticket lifecycle state.
func (h *Handlers) UpdateTicketStatus(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	var req UpdateTicketStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}

	if err := h.ticketSvc.UpdateStatus(ctx, uid, id, req.Status); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidStatus):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be one of open, in_progress, resolved, closed")
		case errors.Is(err, services.ErrTicketNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// AssignTicket sets or clears the ticket's primary assignee.
func (h *Handlers) AssignTicket(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	var req AssignTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid payload")
		return
	}

	if err := h.ticketSvc.Assign(ctx, uid, id, req.AssigneeID); err != nil {
		switch {
		case errors.Is(err, services.ErrTicketNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
		case errors.Is(err, services.ErrUserNotFound):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "assignee does not exist")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// AddWatcher links a secondary assignee to the ticket. Re-adding an existing
// watcher succeeds without effect.
func (h *Handlers) AddWatcher(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	var req AddWatcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}

	if err := h.ticketSvc.AddWatcher(ctx, uid, id, req.UserID); err != nil {
		switch {
		case errors.Is(err, services.ErrTicketNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
		case errors.Is(err, services.ErrUserNotFound):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user does not exist")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}
