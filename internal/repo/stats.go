// Aggregate queries feeding conditional responses (ETag generation) in the
// HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// TicketsStats reports how many tickets are visible to the user and the
// greatest UpdatedAt among them. With no visible rows the count is 0 and the
// timestamp nil.
func TicketsStats(ctx context.Context, db *gorm.DB, userID string, admin bool) (count int64, maxUpdatedAt *time.Time, err error) {
	q := ticketScope(db.WithContext(ctx).Model(&domain.Ticket{}), userID, admin)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
