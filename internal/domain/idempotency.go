// Package domain – idempotency record.
//
// An Idempotency row captures the observable outcome of one mutating request
// so that retries within the TTL window replay the stored response instead of
// re-executing business logic.
package domain

import "time"

// Idempotency represents a claimed or completed mutating request, keyed by
// (scope, key). Scope is the actor partition ("user:<id>" or "ip:<addr>");
// key is either the client-supplied Idempotency-Key or a digest-derived value.
//
// Status and Response stay NULL between the claim and the handler finishing;
// a row with a NULL status signals a duplicate still in progress. Rows are
// never deleted — the ExpiresAt filter excludes stale ones.
type Idempotency struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	Scope     string    `gorm:"type:varchar(80);not null;uniqueIndex:ux_scope_key,priority:1;index:idx_scope_content,priority:1"`
	Key       string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_scope_key,priority:2"`
	Method    string    `gorm:"type:varchar(8);not null;index:idx_scope_content,priority:2"`
	Path      string    `gorm:"type:varchar(255);not null;index:idx_scope_content,priority:3"`
	BodyHash  string    `gorm:"type:char(64);not null;index:idx_scope_content,priority:4"`
	Status    *int      `gorm:"type:INTEGER"`
	Response  []byte    `gorm:"type:BLOB"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Completed reports whether the originating request has finished and the
// stored response can be replayed.
func (i *Idempotency) Completed() bool { return i.Status != nil }

// Live reports whether the record is still within its TTL window at now.
func (i *Idempotency) Live(now time.Time) bool { return i.ExpiresAt.After(now) }
