// Notification HTTP handlers.
//
// This file exposes REST endpoints for the notification inbox and its live
// event stream:
//   - GET  /notifications               (list visible rows, paginated)
//   - GET  /notifications/unread-count  (badge count)
//   - POST /notifications/{id}/read     (mark the caller's copy read)
//   - POST /notifications/{id}/dismiss  (hide the caller's copy)
//   - GET  /notifications/stream        (Server-Sent Events feed)
//
// The stream is a pure push optimization: every event it carries points at
// durable rows that the list endpoints also serve, so clients that never
// connect (or miss events) lose nothing.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/http/middleware"
	"github.com/freightdesk/go-helpdesk-backend/internal/notify"
	"github.com/freightdesk/go-helpdesk-backend/internal/services"
	"github.com/freightdesk/go-helpdesk-backend/internal/sysutil"
)

//
// DTOs
//

// ListNotificationsResponse is the flat page envelope of the inbox listing.
type ListNotificationsResponse struct {
	Page     int                            `json:"page"`
	PageSize int                            `json:"page_size"`
	Count    int64                          `json:"count"`
	Pages    int                            `json:"pages"`
	Items    []domain.NotificationRecipient `json:"items"`
}

// UnreadCountResponse is the badge-count payload.
type UnreadCountResponse struct {
	Count int64 `json:"count"`
}

//
// Streamer
//

// NotificationStreamer serves the live SSE feed backed by the fan-out hub.
//
// KeepAlive bounds how long an idle connection stays silent: a comment line
// is written at that interval so intermediaries don't reap the connection.
// Values <= 0 default to 25s.
type NotificationStreamer struct {
	Hub       *notify.Hub
	KeepAlive time.Duration
}

//
// Handlers
//

// ListNotifications returns a page of the caller's visible (non-dismissed)
// notification rows, newest first. The unread query parameter narrows the
// page to unread rows.
func (h *Handlers) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	unreadOnly := sysutil.IsTruthy(c.Query("unread"))
	page, pageSize := clampPagination(c)

	items, total, err := h.notifSvc.ListPage(ctx, uid, page, pageSize, unreadOnly)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	ok(c, http.StatusOK, ListNotificationsResponse{
		Page:     page,
		PageSize: pageSize,
		Count:    total,
		Pages:    int((total + int64(pageSize) - 1) / int64(pageSize)),
		Items:    items,
	})
}

// UnreadCount returns the caller's unread, non-dismissed notification count.
func (h *Handlers) UnreadCount(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	n, err := h.notifSvc.CountUnread(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, UnreadCountResponse{Count: n})
}

// MarkNotificationRead marks the caller's copy of a notification as read.
// Marking an already-read row succeeds without changing its timestamp.
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	h.mutateNotification(c, func(uid string, id uint) error {
		return h.notifSvc.MarkRead(c.Request.Context(), uid, id)
	})
}

// DismissNotification hides the caller's copy of a notification from all
// future listings. Dismissing twice succeeds without effect.
func (h *Handlers) DismissNotification(c *gin.Context) {
	h.mutateNotification(c, func(uid string, id uint) error {
		return h.notifSvc.Dismiss(c.Request.Context(), uid, id)
	})
}

// mutateNotification factors the shared id-parsing and error translation of
// the two per-row mutations. Rows addressed to other users surface as 404,
// indistinguishable from rows that never existed.
func (h *Handlers) mutateNotification(c *gin.Context, op func(uid string, id uint) error) {
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}

	id64, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id64 == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id must be a positive integer")
		return
	}

	if err := op(uid, uint(id64)); err != nil {
		if errors.Is(err, services.ErrNotificationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// StreamNotifications serves the Server-Sent Events feed.
//
// Protocol:
//   - an sse:connected event is sent immediately after subscribing,
//   - each fan-out delivery arrives as a notification:new event whose data
//     carries the notification id (clients refetch the listing on receipt),
//   - a comment line is written every keep-alive interval on idle streams.
//
// The connection lives until the client disconnects or the hub shuts down;
// the subscriber is always removed from the registry on the way out.
func (h *Handlers) StreamNotifications(c *gin.Context) {
	uid, _, okAuth := requirePrincipal(c)
	if !okAuth {
		return
	}
	if h.streamer == nil || h.streamer.Hub == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "notification stream unavailable")
		return
	}

	keepAlive := h.streamer.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // defeat proxy buffering

	lg := middleware.LoggerFrom(c)

	// The server's WriteTimeout would sever this connection at the deadline
	// even while events and keep-alives flow; clear the per-connection write
	// deadline so only the client (or hub shutdown) ends the stream. Writers
	// without deadline support are left as-is.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		lg.Debug().Err(err).Msg("stream write deadline not cleared")
	}

	sub := h.streamer.Hub.Subscribe(uid)
	defer h.streamer.Hub.Unsubscribe(sub)

	lg.Info().Str("user_id", uid).Msg("notification stream opened")
	defer lg.Info().Str("user_id", uid).Msg("notification stream closed")

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.C:
			if !open {
				// Hub shut down.
				return false
			}
			c.SSEvent(ev.Kind, ev)
			return true
		case <-ticker.C:
			// SSE comment line: ignored by clients, keeps the pipe warm.
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case <-clientGone:
			return false
		}
	})
}
