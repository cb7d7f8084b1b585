// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Ticket
// model and its assignee relation.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a ticket is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// TicketRecipients holds the users related to a ticket for notification
// fan-out: the creator, the primary assignee (empty when unassigned), and
// any secondary assignees.
type TicketRecipients struct {
	CreatorID    string
	AssigneeID   string
	SecondaryIDs []string
}

// CreateTicket inserts a new Ticket row created by creatorID. The ticket ID
// is a randomly generated UUID and CreatedAt is set to UTC.
func CreateTicket(ctx context.Context, db *gorm.DB, creatorID, reference, subject, description, priority string) (*domain.Ticket, error) {
	t := &domain.Ticket{
		ID:          uuid.NewString(),
		Reference:   reference,
		Subject:     subject,
		Description: description,
		Status:      domain.StatusOpen,
		Priority:    priority,
		CreatorID:   creatorID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetTicket fetches a single ticket by ID, or ErrNotFound if missing.
func GetTicket(ctx context.Context, db *gorm.DB, id string) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// CountTickets returns the total number of tickets visible to userID: tickets
// they created, are assigned to, or watch. Admins should pass admin=true to
// count everything.
func CountTickets(ctx context.Context, db *gorm.DB, userID string, admin bool) (int64, error) {
	var total int64
	err := ticketScope(db.WithContext(ctx), userID, admin).
		Model(&domain.Ticket{}).
		Count(&total).Error
	return total, err
}

// ListTicketsPage returns a paginated slice of tickets visible to userID,
// ordered by creation time descending. Use CountTickets for the total.
func ListTicketsPage(ctx context.Context, db *gorm.DB, userID string, admin bool, offset, limit int) ([]domain.Ticket, error) {
	var out []domain.Ticket
	err := ticketScope(db.WithContext(ctx), userID, admin).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ticketScope restricts a query to tickets the user may see. Admins see all.
func ticketScope(q *gorm.DB, userID string, admin bool) *gorm.DB {
	if admin {
		return q
	}
	return q.Where(
		"creator_id = ? OR assignee_id = ? OR id IN (SELECT ticket_id FROM ticket_assignees WHERE user_id = ?)",
		userID, userID, userID,
	)
}

// UpdateTicketStatus sets the lifecycle status of a ticket. If no rows are
// affected (ticket missing), it returns ErrNotFound.
func UpdateTicketStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateTicketAssignee sets (or clears, with nil) the primary assignee.
// Returns ErrNotFound when the ticket does not exist.
func UpdateTicketAssignee(ctx context.Context, db *gorm.DB, id string, assigneeID *string) error {
	res := db.WithContext(ctx).
		Model(&domain.Ticket{}).
		Where("id = ?", id).
		Update("assignee_id", assigneeID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AddTicketAssignee links a secondary assignee to a ticket. Duplicate links
// map to ErrDuplicate via the unique (ticket_id, user_id) index.
func AddTicketAssignee(ctx context.Context, db *gorm.DB, ticketID, userID string) error {
	link := &domain.TicketAssignee{TicketID: ticketID, UserID: userID}
	if err := db.WithContext(ctx).Create(link).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// FindTicketRecipients resolves the notification recipients related to a
// ticket. It returns ErrNotFound when the ticket does not exist; callers are
// expected to treat that as a silent drop, not a failure.
func FindTicketRecipients(ctx context.Context, db *gorm.DB, ticketID string) (*TicketRecipients, error) {
	t, err := GetTicket(ctx, db, ticketID)
	if err != nil {
		return nil, err
	}

	out := &TicketRecipients{CreatorID: t.CreatorID}
	if t.AssigneeID != nil {
		out.AssigneeID = *t.AssigneeID
	}

	var links []domain.TicketAssignee
	if err := db.WithContext(ctx).Where("ticket_id = ?", ticketID).Find(&links).Error; err != nil {
		return nil, err
	}
	for _, l := range links {
		out.SecondaryIDs = append(out.SecondaryIDs, l.UserID)
	}
	return out, nil
}
