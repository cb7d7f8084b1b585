// Package services – TicketService
//
// This file implements the ticket lifecycle use-cases: creation (with
// reference generation and subject normalization), visibility-scoped
// listing, status transitions, and assignment. Mutations emit notification
// events through the injected NotificationService; emission failures are
// logged and swallowed — notifications are a convenience layer, never a
// reason to fail the underlying business operation.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
)

// TicketService coordinates ticket persistence and event emission.
type TicketService struct {
	DB *gorm.DB
	// Notifier emits domain events after successful mutations. May be nil.
	Notifier *NotificationService

	// Optional guards
	MaxSubjectRunes int
	MaxBodyRunes    int

	// Subject normalization locale; English when unset.
	SubjectLocale language.Tag
}

// Create opens a new ticket for creatorID. The subject is normalized (and
// title-cased when the client sent an all-lowercase one), the reference
// number is derived from the current ticket count, and a ticket:created
// event is emitted with the creator as actor.
func (s *TicketService) Create(ctx context.Context, creatorID, subject, description, priority string) (*domain.Ticket, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", creatorID)),
	)
	defer span.End()

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrEmptySubject
	}
	if s.MaxSubjectRunes > 0 && utf8.RuneCountInString(subject) > s.MaxSubjectRunes {
		return nil, ErrTooLong
	}
	if s.MaxBodyRunes > 0 && utf8.RuneCountInString(description) > s.MaxBodyRunes {
		return nil, ErrTooLong
	}
	subject = s.normalizeSubject(subject)

	if priority == "" {
		priority = domain.PriorityNormal
	}
	if !validPriority(priority) {
		return nil, ErrInvalidPriority
	}

	var t *domain.Ticket
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq int64
		if err := tx.Model(&domain.Ticket{}).Unscoped().Count(&seq).Error; err != nil {
			return err
		}
		ref := fmt.Sprintf("FD-%04d", seq+1)
		created, err := repo.CreateTicket(ctx, tx, creatorID, ref, subject, description, priority)
		if err != nil {
			return err
		}
		t = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, domain.NotifTicketCreated, t.ID,
		fmt.Sprintf("Ticket %s opened: %s", t.Reference, t.Subject), creatorID)
	return t, nil
}

// Get fetches a single ticket by id, mapping missing rows to
// ErrTicketNotFound.
func (s *TicketService) Get(ctx context.Context, id string) (*domain.Ticket, error) {
	t, err := repo.GetTicket(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, err
	}
	return t, nil
}

// ListPage returns a page of tickets visible to userID and the total count.
// Admins see every ticket; agents see tickets they created, are assigned to,
// or watch.
func (s *TicketService) ListPage(ctx context.Context, userID string, admin bool, page, pageSize int) ([]domain.Ticket, int64, error) {
	tr := otel.Tracer("services/TicketService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
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

	total, err := repo.CountTickets(ctx, s.DB, userID, admin)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Ticket{}, 0, nil
	}

	items, err := repo.ListTicketsPage(ctx, s.DB, userID, admin, offset, pageSize)
	return items, total, err
}

// UpdateStatus transitions a ticket's lifecycle state and emits a
// ticket:updated event with the acting user as actor.
func (s *TicketService) UpdateStatus(ctx context.Context, actorID, ticketID, status string) error {
	if !validStatus(status) {
		return ErrInvalidStatus
	}
	if err := repo.UpdateTicketStatus(ctx, s.DB, ticketID, status); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTicketNotFound
		}
		return err
	}

	s.emit(ctx, domain.NotifTicketUpdated, ticketID,
		fmt.Sprintf("Ticket status changed to %s", status), actorID)
	return nil
}

// Assign sets the primary assignee (clearing it when assigneeID is nil),
// verifies the assignee exists, and emits a ticket:updated event.
func (s *TicketService) Assign(ctx context.Context, actorID, ticketID string, assigneeID *string) error {
	msg := "Ticket unassigned"
	if assigneeID != nil {
		u, err := repo.GetUser(ctx, s.DB, *assigneeID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		msg = fmt.Sprintf("Ticket assigned to %s", u.Name)
	}

	if err := repo.UpdateTicketAssignee(ctx, s.DB, ticketID, assigneeID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTicketNotFound
		}
		return err
	}

	s.emit(ctx, domain.NotifTicketUpdated, ticketID, msg, actorID)
	return nil
}

// AddWatcher links a secondary assignee to the ticket. Duplicate links are
// no-op successes (the watcher is already on the ticket).
func (s *TicketService) AddWatcher(ctx context.Context, actorID, ticketID, userID string) error {
	if _, err := repo.GetTicket(ctx, s.DB, ticketID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTicketNotFound
		}
		return err
	}
	if _, err := repo.GetUser(ctx, s.DB, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if err := repo.AddTicketAssignee(ctx, s.DB, ticketID, userID); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil
		}
		return err
	}

	s.emit(ctx, domain.NotifTicketUpdated, ticketID, "Watcher added to ticket", actorID)
	return nil
}

// emit forwards a domain event to the notifier, logging and swallowing any
// failure: the business mutation has already committed and must stand.
func (s *TicketService) emit(ctx context.Context, typ, ticketID, message, actorID string) {
	if s.Notifier == nil {
		return
	}
	actor := &actorID
	if actorID == "" {
		actor = nil
	}
	if _, err := s.Notifier.Emit(ctx, typ, ticketID, message, actor); err != nil {
		log.Warn().
			Err(err).
			Str("ticket_id", ticketID).
			Str("type", typ).
			Msg("notification emit failed")
	}
}

// normalizeSubject title-cases subjects that arrive entirely lowercase
// (a common habit with quick form submissions); mixed-case input is kept
// exactly as the user wrote it.
func (s *TicketService) normalizeSubject(subject string) string {
	for _, r := range subject {
		if unicode.IsUpper(r) {
			return subject
		}
	}
	loc := s.SubjectLocale
	if loc == language.Und {
		loc = language.English
	}
	return cases.Title(loc).String(subject)
}

func validStatus(s string) bool {
	switch s {
	case domain.StatusOpen, domain.StatusInProgress, domain.StatusResolved, domain.StatusClosed:
		return true
	}
	return false
}

func validPriority(p string) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}
