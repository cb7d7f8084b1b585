// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for notifications
// and their per-recipient state.
//
// Write semantics worth calling out:
//   - CreateNotification persists the event and all recipient rows in one
//     transaction; either everything exists afterwards or nothing does.
//   - MarkRecipientRead and DismissRecipient are idempotent: the first call
//     sets the timestamp, later calls succeed without advancing it.
//   - Recipient rows are never deleted; dismissal is a soft marker that
//     removes the row from listings permanently.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// CreateNotification inserts one Notification plus one recipient row per
// entry in recipientIDs, atomically. An empty recipient set still records
// the notification (nothing will ever list it, but the audit trail keeps it).
func CreateNotification(ctx context.Context, db *gorm.DB, typ, ticketID, message string, actorID *string, recipientIDs []string) (*domain.Notification, error) {
	n := &domain.Notification{
		Type:      typ,
		TicketID:  ticketID,
		Message:   message,
		ActorID:   actorID,
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(n).Error; err != nil {
			return err
		}
		for _, uid := range recipientIDs {
			rec := &domain.NotificationRecipient{
				NotificationID: n.ID,
				UserID:         uid,
				CreatedAt:      n.CreatedAt,
			}
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// CountRecipientRows returns the number of non-dismissed recipient rows for
// userID, optionally restricted to unread ones.
func CountRecipientRows(ctx context.Context, db *gorm.DB, userID string, unreadOnly bool) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.NotificationRecipient{}).
		Where("user_id = ? AND dismissed_at IS NULL", userID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListRecipientRowsPage returns a page of non-dismissed recipient rows for
// userID, newest first by row id (a monotonically increasing recency proxy),
// with the parent Notification preloaded.
func ListRecipientRowsPage(ctx context.Context, db *gorm.DB, userID string, unreadOnly bool, offset, limit int) ([]domain.NotificationRecipient, error) {
	q := db.WithContext(ctx).
		Preload("Notification").
		Where("user_id = ? AND dismissed_at IS NULL", userID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var out []domain.NotificationRecipient
	err := q.Order("id desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// GetRecipientRow fetches the recipient row addressing notificationID to
// userID, or ErrNotFound. Scoping by user here is what prevents one user
// from touching another user's notification state.
func GetRecipientRow(ctx context.Context, db *gorm.DB, userID string, notificationID uint) (*domain.NotificationRecipient, error) {
	var rec domain.NotificationRecipient
	err := db.WithContext(ctx).
		Where("user_id = ? AND notification_id = ?", userID, notificationID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkRecipientRead sets read_at for the (userID, notificationID) row if it
// is still unset. Missing row → ErrNotFound; already read → no-op success.
func MarkRecipientRead(ctx context.Context, db *gorm.DB, userID string, notificationID uint) error {
	rec, err := GetRecipientRow(ctx, db, userID, notificationID)
	if err != nil {
		return err
	}
	if rec.ReadAt != nil {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.NotificationRecipient{}).
		Where("id = ? AND read_at IS NULL", rec.ID).
		Update("read_at", now).Error
}

// DismissRecipient sets dismissed_at for the (userID, notificationID) row if
// it is still unset. Missing row → ErrNotFound; already dismissed → no-op
// success.
func DismissRecipient(ctx context.Context, db *gorm.DB, userID string, notificationID uint) error {
	rec, err := GetRecipientRow(ctx, db, userID, notificationID)
	if err != nil {
		return err
	}
	if rec.DismissedAt != nil {
		return nil
	}
	now := time.Now().UTC()
	return db.WithContext(ctx).
		Model(&domain.NotificationRecipient{}).
		Where("id = ? AND dismissed_at IS NULL", rec.ID).
		Update("dismissed_at", now).Error
}
