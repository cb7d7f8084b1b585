// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for mutating endpoints.
//
// Two lookups exist on purpose: GetIdempotency answers the key-based path
// ("has this exact key been used in this scope?"), while
// FindCompletedContent answers the content-based path ("has an identical
// payload already completed in this scope, under any key?"). The claim/race
// behavior relies on the unique index over (scope, key): a losing concurrent
// insert surfaces as ErrDuplicate, never as a fatal error.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// ErrDuplicate indicates that an idempotency record already exists for the
// given (scope, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns the non-expired record for (scope, key), or
// ErrNotFound. The record may be incomplete (status still NULL) when the
// originating request is in flight.
func GetIdempotency(ctx context.Context, db *gorm.DB, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("scope = ? AND key = ? AND expires_at > ?", scope, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindCompletedContent returns a non-expired, completed record matching the
// request content (scope, method, path, bodyHash) regardless of which key
// produced it, or ErrNotFound. This catches clients that vary their supplied
// key while repeating identical payloads.
func FindCompletedContent(ctx context.Context, db *gorm.DB, scope, method, path, bodyHash string, now time.Time) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("scope = ? AND method = ? AND path = ? AND body_hash = ? AND status IS NOT NULL AND expires_at > ?",
			scope, method, path, bodyHash, now).
		Order("created_at desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimIdempotency inserts a fresh, incomplete record for (scope, key) and
// returns ErrDuplicate on unique violation (another request holds the claim).
func ClaimIdempotency(ctx context.Context, db *gorm.DB, scope, key, method, path, bodyHash string, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		Scope:     scope,
		Key:       key,
		Method:    method,
		Path:      path,
		BodyHash:  bodyHash,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency attaches the final status and response payload to a
// previously claimed record. It updates the row at most once: a record that
// already has a status is left untouched (first writer wins).
func CompleteIdempotency(ctx context.Context, db *gorm.DB, id string, status int, response []byte) error {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("id = ? AND status IS NULL", id).
		Updates(map[string]any{"status": status, "response": response})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotency deletes a claimed record that never completed, freeing
// (scope, key) for the next attempt. Completed records are left untouched so
// an already-persisted response can still replay.
func ReleaseIdempotency(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ? AND status IS NULL", id).
		Delete(&domain.Idempotency{}).Error
}
