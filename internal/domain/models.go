// Package domain defines the persistence models for users, tickets, and
// comments. These types are mapped with GORM and form the core data layer
// of the help-desk application.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// User roles. Admins receive every ticket notification and may act on any
// ticket; agents only see tickets they created or were assigned.
const (
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Ticket statuses, in their usual lifecycle order.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// Ticket priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// User represents an operator of the help desk: either a regular agent or an
// admin with elevated visibility.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name / Email: identity attributes; email is unique.
//   - Role: "agent" or "admin" (enforced by DB constraint).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type User struct {
	ID        string    `json:"id"    gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"  gorm:"type:varchar(120);not null"`
	Email     string    `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	Role      string    `json:"role"  gorm:"type:varchar(16);not null;default:'agent';check:role IN ('agent','admin');index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Ticket represents one freight-transport support case. Every ticket has a
// creator and optionally a primary assignee; additional watchers live in the
// ticket_assignees relation.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Reference: human-facing ticket number (e.g. "FD-2031"), unique.
//   - Subject / Description: case content.
//   - Status: lifecycle state (open → in_progress → resolved → closed).
//   - Priority: triage level.
//   - CreatorID: the user that opened the ticket (indexed).
//   - AssigneeID: primary assignee, nullable while unassigned.
//   - DeletedAt: soft deletion marker (retains row for audit/history).
type Ticket struct {
	ID          string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Reference   string         `json:"reference"   gorm:"type:varchar(32);not null;uniqueIndex"`
	Subject     string         `json:"subject"     gorm:"type:varchar(255);not null"`
	Description string         `json:"description" gorm:"type:text;not null"`
	Status      string         `json:"status"      gorm:"type:varchar(16);not null;default:'open';check:status IN ('open','in_progress','resolved','closed');index"`
	Priority    string         `json:"priority"    gorm:"type:varchar(16);not null;default:'normal';check:priority IN ('low','normal','high','urgent')"`
	CreatorID   string         `json:"creator_id"  gorm:"type:varchar(64);not null;index:idx_creator_tickets"`
	AssigneeID  *string        `json:"assignee_id" gorm:"type:varchar(64);index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Ticket.
func (Ticket) TableName() string { return "tickets" }

// TicketAssignee links secondary assignees (watchers) to a ticket. The
// primary assignee lives on the ticket row itself; rows here are strictly
// additional notification recipients and work-sharers.
type TicketAssignee struct {
	ID       uint   `json:"-"         gorm:"primaryKey;autoIncrement"`
	TicketID string `json:"ticket_id" gorm:"type:char(36);not null;uniqueIndex:ux_ticket_assignee,priority:1"`
	UserID   string `json:"user_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_ticket_assignee,priority:2"`

	// Ticket is the parent case. Assignee links are cascade-deleted with it.
	Ticket Ticket `json:"-" gorm:"foreignKey:TicketID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for TicketAssignee.
func (TicketAssignee) TableName() string { return "ticket_assignees" }

// Comment represents a single entry on a ticket's discussion thread.
// Internal comments are visible to agents/admins only.
type Comment struct {
	ID        string         `json:"id"        gorm:"type:char(36);primaryKey"`
	TicketID  string         `json:"ticket_id" gorm:"type:char(36);not null;index:idx_ticket_comments,priority:1"`
	AuthorID  string         `json:"author_id" gorm:"type:varchar(64);not null;index"`
	Body      string         `json:"body"      gorm:"type:text;not null"`
	Internal  bool           `json:"internal"  gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_ticket_comments,priority:2"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"         gorm:"index"`

	// Ticket is the parent case. Comments are cascade-deleted with it.
	Ticket Ticket `json:"-" gorm:"foreignKey:TicketID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Comment.
func (Comment) TableName() string { return "comments" }
