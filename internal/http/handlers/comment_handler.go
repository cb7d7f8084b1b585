// Comment HTTP handlers.
//
// This file exposes REST endpoints for ticket comment threads:
//   - POST /tickets/{id}/comments   (append a comment)
//   - GET  /tickets/{id}/comments   (list paginated thread)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to the application service (CommentService)
//   - translate service errors to stable HTTP codes
//
// The comment:added fan-out happens in the service layer after the insert
// commits; the handler only reports the created comment.
package handlers

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/services"
)

//
// DTOs
//

// PostCommentRequest is the JSON payload for appending a comment.
//
// Body is normalized by the handler (line endings and excessive blank lines)
// before being passed to the service layer, which enforces the length cap.
type PostCommentRequest struct {
	// Body is the comment text. It must be non-empty.
	Body string `json:"body" binding:"required,min=1"`
	// Internal marks agent-only comments hidden from requesters.
	Internal bool `json:"internal"`
}

// ListCommentsResponse contains a page of comments and pagination metadata.
type ListCommentsResponse struct {
	Comments   []domain.Comment `json:"comments"`
	Pagination Pagination       `json:"pagination"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeBody normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeBody(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// PostComment appends a comment to the ticket thread and returns it with 201.
func (h *Handlers) PostComment(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	ticketID := c.Param("id")
	if _, err := uuid.Parse(ticketID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	var req PostCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}

	body := sanitizeBody(req.Body)
	if body == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}

	cm, err := h.cmtSvc.Add(ctx, uid, ticketID, body, req.Internal)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTicketNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
		case errors.Is(err, services.ErrEmptyBody):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "comment too long")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, cm)
}

// ListComments returns a paginated page of the ticket's comment thread in
// chronological order.
func (h *Handlers) ListComments(c *gin.Context) {
	ctx := c.Request.Context()
	if _, _, okAuth := requirePrincipal(c); !okAuth {
		return
	}

	ticketID := c.Param("id")
	if _, err := uuid.Parse(ticketID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "ticket id must be a UUID")
		return
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.cmtSvc.ListPage(ctx, ticketID, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrTicketNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListCommentsResponse{
		Comments:   items,
		Pagination: paginationMeta(page, pageSize, total),
	})
}
