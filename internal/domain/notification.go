// Package domain – notification models.
//
// A Notification is one ticket-scoped event; it fans out into one
// NotificationRecipient row per user entitled to see it. The recipient row is
// the durable per-user state: read and dismissed are soft one-way markers,
// rows are never deleted.
package domain

import "time"

// Notification event types.
const (
	NotifTicketCreated = "ticket:created"
	NotifTicketUpdated = "ticket:updated"
	NotifCommentAdded  = "comment:added"
)

// Notification is a single domain event recorded for later delivery. The row
// itself carries no per-user state; that lives on NotificationRecipient.
//
// ActorID identifies who caused the event and is nullable (system events).
type Notification struct {
	ID        uint      `json:"id"         gorm:"primaryKey;autoIncrement"`
	Type      string    `json:"type"       gorm:"type:varchar(32);not null;check:type IN ('ticket:created','ticket:updated','comment:added')"`
	TicketID  string    `json:"ticket_id"  gorm:"type:char(36);not null;index"`
	Message   string    `json:"message"    gorm:"type:varchar(512);not null"`
	ActorID   *string   `json:"actor_id"   gorm:"type:varchar(64)"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// NotificationRecipient addresses one notification to one user.
//
// The auto-increment ID doubles as a recency proxy for newest-first listing.
// ReadAt and DismissedAt are set at most once each; repeating either call is
// a no-op success. Unread means ReadAt IS NULL; listed means DismissedAt IS
// NULL (dismissed rows never reappear regardless of read state).
type NotificationRecipient struct {
	ID             uint       `json:"id"              gorm:"primaryKey;autoIncrement"`
	NotificationID uint       `json:"notification_id" gorm:"not null;uniqueIndex:ux_notification_recipient,priority:1"`
	UserID         string     `json:"user_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_notification_recipient,priority:2;index:idx_user_inbox"`
	ReadAt         *time.Time `json:"read_at"`
	DismissedAt    *time.Time `json:"dismissed_at"`
	CreatedAt      time.Time  `json:"created_at"`

	// Notification is the fanned-out event; recipient rows are cascade-deleted
	// with it (which in practice never happens — notifications are append-only).
	Notification Notification `json:"notification" gorm:"foreignKey:NotificationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for NotificationRecipient.
func (NotificationRecipient) TableName() string { return "notification_recipients" }
