// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the idempotency coordinator for unsafe HTTP methods
// (POST/PUT/PATCH/DELETE). For each mutating request it:
//   - derives the actor scope (user id, falling back to client IP),
//   - computes a canonical content hash of the JSON body,
//   - resolves the idempotency key (client header or derived),
//   - replays a stored response for completed duplicates,
//   - rejects concurrent duplicates with 409,
//   - claims the key, captures the handler's response, and persists it.
//
// Design goals:
//   - Keep transport concerns (hashing, capture, replay) in middleware.
//   - Decouple persistence via the narrow IdempotencyStore interface.
//   - Fail open: storage trouble during admission degrades to an unguarded
//     request, never to a 5xx. The business operation always takes priority
//     over the dedupe guarantee for its future duplicates.
package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// HeaderIdempotencyKey is the canonical request header that clients use to
// convey an idempotency key for unsafe operations.
//
// The value is expected to be stable for a given semantic operation so that
// retries (network, client, or server initiated) can be safely deduplicated.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplay marks responses served from a stored record rather
// than by executing business logic.
const HeaderIdempotencyReplay = "X-Idempotency-Replay"

// IdempotencyStore is the persistence contract consumed by the coordinator.
// Absent records are reported as (nil, nil); Claim reports a lost insert race
// the same way. Implementations typically wrap the repo layer (see the
// router's store adapter).
type IdempotencyStore interface {
	// Lookup returns the live record for (scope, key), complete or not.
	Lookup(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error)
	// LookupContent returns a live, completed record matching the request
	// content under any key.
	LookupContent(ctx context.Context, scope, method, path, bodyHash string, now time.Time) (*domain.Idempotency, error)
	// Claim inserts a fresh incomplete record, or returns (nil, nil) when a
	// concurrent request claimed (scope, key) first.
	Claim(ctx context.Context, scope, key, method, path, bodyHash string, ttl time.Duration) (*domain.Idempotency, error)
	// Complete attaches the final status and response body to a claim.
	Complete(ctx context.Context, id string, status int, response []byte) error
	// Release discards an incomplete claim whose handler never produced a
	// response, freeing the (scope, key) slot for the next retry.
	Release(ctx context.Context, id string) error
}

// IdempotencyOptions configures the coordinator.
type IdempotencyOptions struct {
	// TTL bounds how long records admit replay. Values <= 0 default to 10m.
	TTL time.Duration
	// MaxKeyLen caps the accepted header key length. Values <= 0 default to 200.
	MaxKeyLen int
	// Pattern restricts allowed header key characters. If nil, a conservative
	// RFC7230-like token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// mutatingMethods are the verbs guarded by the coordinator. Everything else
// passes through untouched.
var mutatingMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Idempotency returns the coordinator middleware bound to the given store.
//
// Guarantees (within the TTL window):
//   - sequential duplicates of a completed request observe its exact
//     response (status and body verbatim, plus X-Idempotency-Replay: true);
//   - of concurrent duplicates, at most one executes business logic; the
//     rest receive 409 duplicate_in_progress and are expected to retry;
//   - identical content under varying client keys still replays, via the
//     content-hash lookup.
func Idempotency(opts IdempotencyOptions, store IdempotencyStore) gin.HandlerFunc {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxLen := opts.MaxKeyLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		// RFC-7230-ish token + common safe chars.
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		if _, mutating := mutatingMethods[c.Request.Method]; !mutating || store == nil {
			c.Next()
			return
		}

		scope := actorScope(c)
		if scope == "" {
			// No identity at all: idempotency cannot partition state, so the
			// request proceeds unguarded.
			c.Next()
			return
		}

		headerKey := c.GetHeader(HeaderIdempotencyKey)
		if headerKey != "" && (len(headerKey) > maxLen || !pat.MatchString(headerKey)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get("X-Request-ID"),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}

		body, err := readAndRestoreBody(c)
		if err != nil {
			// Unreadable body: the handler will fail on it anyway; stay out of
			// the way.
			c.Next()
			return
		}

		method := c.Request.Method
		path := c.Request.URL.Path
		bodyHash := CanonicalBodyHash(body)

		key := headerKey
		if key == "" {
			key = method + ":" + path + ":" + bodyHash
		}

		ctx := c.Request.Context()
		now := time.Now().UTC()

		// Step 1: content-based dedupe — identical payload already completed
		// in this scope, regardless of which key produced it.
		if rec, err := store.LookupContent(ctx, scope, method, path, bodyHash, now); err == nil && rec != nil {
			replay(c, rec)
			return
		} else if err != nil {
			logFailOpen(c, "idempotency content lookup failed", err)
			c.Next()
			return
		}

		// Step 2: key-based dedupe.
		rec, err := store.Lookup(ctx, scope, key, now)
		if err != nil {
			logFailOpen(c, "idempotency key lookup failed", err)
			c.Next()
			return
		}
		if rec != nil {
			if rec.Completed() {
				replay(c, rec)
			} else {
				conflict(c)
			}
			return
		}

		// Step 3: claim. A lost insert race means another request beat us to
		// the key between lookup and insert; re-read and decide again.
		claim, err := store.Claim(ctx, scope, key, method, path, bodyHash, ttl)
		if err != nil {
			logFailOpen(c, "idempotency claim failed", err)
			c.Next()
			return
		}
		if claim == nil {
			rec, err := store.Lookup(ctx, scope, key, now)
			if err != nil || rec == nil {
				// The racing record vanished (expired edge) or storage failed:
				// fail open for this request.
				c.Next()
				return
			}
			if rec.Completed() {
				replay(c, rec)
			} else {
				conflict(c)
			}
			return
		}

		// Claimed: run the handler with response capture, then persist the
		// outcome. Persist failures must never reach the client.
		capture := &bodyCaptureWriter{ResponseWriter: c.Writer}
		c.Writer = capture
		idemGuarded.Inc()

		// Completion runs deferred so a panicking handler releases the claim
		// instead of leaving it in-progress until the TTL; a retry would see
		// duplicate_in_progress for the whole window otherwise.
		defer func() {
			if rec := recover(); rec != nil {
				if err := store.Release(ctx, claim.ID); err != nil {
					logFailOpen(c, "idempotency claim release failed", err)
				}
				panic(rec)
			}
			if status := capture.Status(); status > 0 {
				if err := store.Complete(ctx, claim.ID, status, capture.buf.Bytes()); err != nil {
					logFailOpen(c, "idempotency record completion failed", err)
				}
			}
		}()

		c.Next()
	}
}

// replay serves a stored response byte-for-byte with its original status.
func replay(c *gin.Context, rec *domain.Idempotency) {
	idemReplays.Inc()
	c.Header(HeaderIdempotencyReplay, "true")
	status := http.StatusOK
	if rec.Status != nil {
		status = *rec.Status
	}
	c.Data(status, "application/json; charset=utf-8", rec.Response)
	c.Abort()
}

// conflict rejects a duplicate whose original request is still in flight.
// No blocking or queueing: the client retries once the first completes.
func conflict(c *gin.Context) {
	idemConflicts.Inc()
	c.AbortWithStatusJSON(http.StatusConflict, gin.H{
		"request_id": c.Writer.Header().Get("X-Request-ID"),
		"code":       "duplicate_in_progress",
		"message":    "an identical request is already in progress",
	})
}

// actorScope partitions idempotency state by authenticated user, falling
// back to the client address for anonymous traffic.
func actorScope(c *gin.Context) string {
	if uid, ok := UserID(c); ok {
		return "user:" + uid
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return ""
}

// readAndRestoreBody drains the request body and replaces it so the handler
// can read it again.
func readAndRestoreBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// logFailOpen records an admission failure that degrades the request to
// unguarded execution.
func logFailOpen(c *gin.Context, msg string, err error) {
	LoggerFrom(c).Warn().Err(err).Msg(msg)
}

// CanonicalBodyHash returns the hex SHA-256 of the canonical form of a JSON
// body: object keys sorted recursively, array order preserved, numbers kept
// as written. Semantically identical payloads with differing key order hash
// identically. An empty, absent, or non-JSON body hashes the canonical
// empty-object form.
func CanonicalBodyHash(body []byte) string {
	canon := canonicalJSON(body)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders a stable byte form of the body. Decoding into
// interface{} and re-encoding sorts object keys; json.Number preserves
// numeric literals instead of collapsing them through float64.
func canonicalJSON(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []byte("{}")
	}
	out, err := marshalCanonical(v)
	if err != nil {
		return []byte("{}")
	}
	return out
}

// marshalCanonical encodes v with deterministic key order at every level.
func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b bytes.Buffer
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return b.Bytes(), nil
	case []any:
		var b bytes.Buffer
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			eb, err := marshalCanonical(e)
			if err != nil {
				return nil, err
			}
			b.Write(eb)
		}
		b.WriteByte(']')
		return b.Bytes(), nil
	default:
		return json.Marshal(v)
	}
}

// bodyCaptureWriter tees everything written to the response into a buffer so
// the coordinator can persist the exact bytes the client received.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

// Write records p and forwards it to the underlying writer.
func (w *bodyCaptureWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

// WriteString records s and forwards it to the underlying writer.
func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
