// Package services – NotificationService
//
// This file implements the notification fan-out use-cases: computing the
// recipient set for a ticket-scoped event, persisting the event with its
// per-recipient rows atomically, pushing a pointer event to any live
// subscriber connections, and serving the durable inbox queries (list,
// unread count, mark-read, dismiss).
//
// The push is strictly best effort and runs after the transaction commits;
// persistence never waits on, or fails because of, a slow subscriber.
package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/notify"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
)

// NotificationService owns notification emission and inbox state.
type NotificationService struct {
	// DB is the database handle used for all notification operations.
	DB *gorm.DB
	// Hub receives best-effort push events after successful persistence.
	// May be nil (e.g., in tests exercising durable state only).
	Hub *notify.Hub
}

// Emit records a ticket-scoped event and fans it out.
//
// Recipient computation:
//  1. the ticket's creator, primary assignee, and secondary assignees,
//  2. every admin user,
//  3. deduplicated, minus the acting user (actors never notify themselves).
//
// A missing ticket is a normal outcome (stale id), not an error: Emit
// returns (nil, nil) and nothing is persisted. After the transactional
// insert, a notification:new pointer event is pushed to each recipient's
// open connections; recipients without one pick the row up via polling.
func (s *NotificationService) Emit(ctx context.Context, typ, ticketID, message string, actorID *string) (*domain.Notification, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Emit",
		trace.WithAttributes(
			attribute.String("notification.type", typ),
			attribute.String("ticket.id", ticketID),
		),
	)
	defer span.End()

	related, err := repo.FindTicketRecipients(ctx, s.DB, ticketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	admins, err := repo.ListAdminIDs(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	recipients := computeRecipients(related, admins, actorID)
	n, err := repo.CreateNotification(ctx, s.DB, typ, ticketID, message, actorID, recipients)
	if err != nil {
		return nil, err
	}

	if s.Hub != nil {
		ev := notify.Event{Kind: notify.KindNotificationNew, NotificationID: n.ID}
		for _, uid := range recipients {
			s.Hub.Publish(uid, ev)
		}
	}
	return n, nil
}

// computeRecipients unions the ticket-related users with the admin set,
// deduplicates by user id, and removes the actor. Order follows first
// appearance (creator, assignee, secondaries, admins) for determinism.
func computeRecipients(related *repo.TicketRecipients, admins []string, actorID *string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 3+len(admins))

	add := func(id string) {
		if id == "" {
			return
		}
		if actorID != nil && id == *actorID {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	add(related.CreatorID)
	add(related.AssigneeID)
	for _, id := range related.SecondaryIDs {
		add(id)
	}
	for _, id := range admins {
		add(id)
	}
	return out
}

// ListPage returns a page of the user's visible (non-dismissed) notification
// rows, newest first, plus the total for pagination metadata.
func (s *NotificationService) ListPage(ctx context.Context, userID string, page, pageSize int, unreadOnly bool) ([]domain.NotificationRecipient, int64, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
			attribute.Bool("unread_only", unreadOnly),
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

	total, err := repo.CountRecipientRows(ctx, s.DB, userID, unreadOnly)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.NotificationRecipient{}, 0, nil
	}

	items, err := repo.ListRecipientRowsPage(ctx, s.DB, userID, unreadOnly, offset, pageSize)
	return items, total, err
}

// CountUnread returns the number of unread, non-dismissed notifications for
// the user.
func (s *NotificationService) CountUnread(ctx context.Context, userID string) (int64, error) {
	return repo.CountRecipientRows(ctx, s.DB, userID, true)
}

// MarkRead marks the user's copy of a notification as read. Repeated calls
// are no-op successes; a row addressed to someone else (or nobody) yields
// ErrNotificationNotFound.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, notificationID uint) error {
	err := repo.MarkRecipientRead(ctx, s.DB, userID, notificationID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}

// Dismiss hides the user's copy of a notification from all future listings.
// Repeated calls are no-op successes; an unknown row yields
// ErrNotificationNotFound.
func (s *NotificationService) Dismiss(ctx context.Context, userID string, notificationID uint) error {
	err := repo.DismissRecipient(ctx, s.DB, userID, notificationID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotificationNotFound
	}
	return err
}
