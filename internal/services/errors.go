// Package services defines the business logic for tickets, comments, and
// notifications. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrTicketNotFound indicates that the requested ticket does not exist or
	// is not accessible to the current user.
	ErrTicketNotFound = errors.New("ticket not found")

	// ErrEmptySubject is returned when a ticket is created without a subject.
	ErrEmptySubject = errors.New("subject is empty")

	// ErrEmptyBody is returned when a comment is submitted without content.
	ErrEmptyBody = errors.New("comment body is empty")

	// ErrTooLong is returned when a subject or body exceeds the configured
	// maximum length.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidStatus is returned when a status transition names an unknown
	// lifecycle state.
	ErrInvalidStatus = errors.New("invalid ticket status")

	// ErrInvalidPriority is returned when a ticket names an unknown priority.
	ErrInvalidPriority = errors.New("invalid ticket priority")

	// ErrUserNotFound indicates an assignee or actor id that does not resolve
	// to a known user.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotificationNotFound indicates that no notification is addressed to
	// the current user under the given id.
	ErrNotificationNotFound = errors.New("notification not found")
)
