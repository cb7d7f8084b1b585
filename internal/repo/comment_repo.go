// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Comment
// model.
package repo

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// CreateComment inserts a comment authored by authorID on ticketID. The
// caller is responsible for verifying that the ticket exists (typically in
// the same transaction).
func CreateComment(db *gorm.DB, ticketID, authorID, body string, internal bool) (*domain.Comment, error) {
	c := &domain.Comment{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		AuthorID:  authorID,
		Body:      body,
		Internal:  internal,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// CountComments returns the number of comments on a ticket.
func CountComments(db *gorm.DB, ticketID string) (int64, error) {
	var total int64
	err := db.Model(&domain.Comment{}).Where("ticket_id = ?", ticketID).Count(&total).Error
	return total, err
}

// ListCommentsPage returns a page of comments for a ticket, oldest first
// (thread order). The caller computes offset and limit.
func ListCommentsPage(db *gorm.DB, ticketID string, offset, limit int) ([]domain.Comment, error) {
	var out []domain.Comment
	err := db.
		Where("ticket_id = ?", ticketID).
		Order("created_at asc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
