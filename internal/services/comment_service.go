// Package services – CommentService
//
// This file implements the comment thread use-cases: appending a comment to
// a ticket (with existence check and length guard, atomically) and listing
// the thread in page form. Successful appends emit a comment:added event.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
)

// CommentService owns the ticket discussion threads.
type CommentService struct {
	DB *gorm.DB
	// Notifier emits comment:added events. May be nil.
	Notifier *NotificationService

	// MaxBodyRunes caps comment length when > 0.
	MaxBodyRunes int
}

// Add appends a comment to ticketID on behalf of authorID. The existence
// check and insert run in one transaction so a ticket deleted mid-request
// cannot acquire orphan comments.
func (s *CommentService) Add(ctx context.Context, authorID, ticketID, body string, internal bool) (*domain.Comment, error) {
	tr := otel.Tracer("services/CommentService")
	ctx, span := tr.Start(ctx, "Add",
		trace.WithAttributes(
			attribute.String("ticket.id", ticketID),
			attribute.String("user.id", authorID),
		),
	)
	defer span.End()

	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(body) > s.MaxBodyRunes {
		return nil, ErrTooLong
	}

	var created *domain.Comment
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.GetTicket(ctx, tx, ticketID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTicketNotFound
			}
			return err
		}
		c, err := repo.CreateComment(tx, ticketID, authorID, body, internal)
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.Notifier != nil {
		actor := authorID
		if _, err := s.Notifier.Emit(ctx, domain.NotifCommentAdded, ticketID, "New comment on ticket", &actor); err != nil {
			// Best effort: the comment is already committed.
			span.RecordError(err)
		}
	}
	return created, nil
}

// ListPage returns a page of a ticket's comments in thread order and the
// total count. Missing tickets map to ErrTicketNotFound.
func (s *CommentService) ListPage(ctx context.Context, ticketID string, page, pageSize int) ([]domain.Comment, int64, error) {
	tr := otel.Tracer("services/CommentService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("ticket.id", ticketID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetTicket(ctx, s.DB, ticketID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, ErrTicketNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountComments(s.DB.WithContext(ctx), ticketID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Comment{}, 0, nil
	}

	items, err := repo.ListCommentsPage(s.DB.WithContext(ctx), ticketID, offset, pageSize)
	return items, total, err
}
