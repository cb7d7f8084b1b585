package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
)

// fakeIdemStore is an in-memory IdempotencyStore used to exercise the
// coordinator without a database. failLookup/failClaim/failComplete force the
// corresponding calls to error so fail-open behavior can be observed.
type fakeIdemStore struct {
	mu      sync.Mutex
	byKey   map[string]*domain.Idempotency // scope|key
	nextID  int
	ttlSeen time.Duration

	failLookup   bool
	failClaim    bool
	failComplete bool
	failRelease  bool
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{byKey: map[string]*domain.Idempotency{}}
}

func (f *fakeIdemStore) Lookup(_ context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if f.failLookup {
		return nil, errors.New("lookup down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byKey[scope+"|"+key]
	if !ok || !rec.Live(now) {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeIdemStore) LookupContent(_ context.Context, scope, method, path, bodyHash string, now time.Time) (*domain.Idempotency, error) {
	if f.failLookup {
		return nil, errors.New("lookup down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byKey {
		if rec.Scope == scope && rec.Method == method && rec.Path == path &&
			rec.BodyHash == bodyHash && rec.Completed() && rec.Live(now) {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeIdemStore) Claim(_ context.Context, scope, key, method, path, bodyHash string, ttl time.Duration) (*domain.Idempotency, error) {
	if f.failClaim {
		return nil, errors.New("claim down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := scope + "|" + key
	if existing, ok := f.byKey[k]; ok && existing.Live(time.Now()) {
		return nil, nil // lost the race
	}
	f.nextID++
	rec := &domain.Idempotency{
		ID:        "rec-" + strconv.Itoa(f.nextID),
		Scope:     scope,
		Key:       key,
		Method:    method,
		Path:      path,
		BodyHash:  bodyHash,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	f.ttlSeen = ttl
	f.byKey[k] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeIdemStore) Complete(_ context.Context, id string, status int, response []byte) error {
	if f.failComplete {
		return errors.New("complete down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.byKey {
		if rec.ID == id && !rec.Completed() {
			s := status
			rec.Status = &s
			rec.Response = append([]byte(nil), response...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeIdemStore) Release(_ context.Context, id string) error {
	if f.failRelease {
		return errors.New("release down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, rec := range f.byKey {
		if rec.ID == id && !rec.Completed() {
			delete(f.byKey, k)
			return nil
		}
	}
	return nil
}

// newIdemRouter builds a gin engine with auth-context stubbing, the
// coordinator, and a counting handler.
func newIdemRouter(store IdempotencyStore, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set(ctxKeyUserID, uid)
		}
		c.Next()
	})
	r.Use(Idempotency(IdempotencyOptions{TTL: time.Minute}, store))
	r.POST("/things", handler)
	r.GET("/things", handler)
	return r
}

func doPost(r *gin.Engine, body, user, key string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/things", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotency_FirstRequestExecutesAndStores(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})

	w := doPost(r, `{"a":1}`, "u1", "key-1")
	if w.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("first request: code=%d calls=%d", w.Code, calls)
	}
	if w.Header().Get(HeaderIdempotencyReplay) != "" {
		t.Fatalf("first request must not be marked as replay")
	}
	if store.ttlSeen != time.Minute {
		t.Fatalf("ttl not propagated to claim: %v", store.ttlSeen)
	}
}

func TestIdempotency_SequentialDuplicate_ReplaysVerbatim(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})

	first := doPost(r, `{"a":1}`, "u1", "key-1")
	second := doPost(r, `{"a":1}`, "u1", "key-1")

	if calls != 1 {
		t.Fatalf("handler ran %d times; want 1", calls)
	}
	if second.Code != first.Code {
		t.Fatalf("replay status = %d; want %d", second.Code, first.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body %q != original %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderIdempotencyReplay) != "true" {
		t.Fatalf("replay header missing")
	}
}

func TestIdempotency_ContentDedupe_DifferentKeysSamePayload(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})

	doPost(r, `{"a":1,"b":2}`, "u1", "key-1")
	// Same payload with reordered fields and a different key must replay.
	w := doPost(r, `{"b":2,"a":1}`, "u1", "key-2")

	if calls != 1 {
		t.Fatalf("handler ran %d times; want 1", calls)
	}
	if w.Header().Get(HeaderIdempotencyReplay) != "true" {
		t.Fatalf("content-based replay header missing")
	}
}

func TestIdempotency_DerivedKey_NoHeader(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"n": calls})
	})

	doPost(r, `{"x":true}`, "u1", "")
	doPost(r, `{"x":true}`, "u1", "")
	if calls != 1 {
		t.Fatalf("derived-key dedupe failed: handler ran %d times", calls)
	}

	// Different body derives a different key and executes.
	doPost(r, `{"x":false}`, "u1", "")
	if calls != 2 {
		t.Fatalf("distinct payload should execute: calls=%d", calls)
	}
}

func TestIdempotency_ScopesAreIsolatedPerUser(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"n": calls})
	})

	doPost(r, `{"a":1}`, "u1", "shared-key")
	doPost(r, `{"a":1}`, "u2", "shared-key")
	if calls != 2 {
		t.Fatalf("different users must not share records: calls=%d", calls)
	}
}

func TestIdempotency_InFlightDuplicate_409(t *testing.T) {
	store := newFakeIdemStore()

	release := make(chan struct{})
	started := make(chan struct{})
	r := newIdemRouter(store, func(c *gin.Context) {
		close(started)
		<-release
		c.JSON(http.StatusCreated, gin.H{"done": true})
	})

	var firstDone sync.WaitGroup
	firstDone.Add(1)
	go func() {
		defer firstDone.Done()
		doPost(r, `{"a":1}`, "u1", "key-1")
	}()
	<-started

	// Second identical request while the first is still executing.
	w := doPost(r, `{"a":1}`, "u1", "key-1")
	if w.Code != http.StatusConflict {
		t.Fatalf("concurrent duplicate code = %d; want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duplicate_in_progress") {
		t.Fatalf("conflict body missing code: %s", w.Body.String())
	}

	close(release)
	firstDone.Wait()
}

func TestIdempotency_InvalidHeaderKey_400(t *testing.T) {
	store := newFakeIdemStore()
	r := newIdemRouter(store, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doPost(r, `{}`, "u1", "bad key with spaces")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid key code = %d; want 400", w.Code)
	}

	long := strings.Repeat("k", 201)
	w = doPost(r, `{}`, "u1", long)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized key code = %d; want 400", w.Code)
	}
}

func TestIdempotency_GetRequestsPassThrough(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/things", nil)
		req.Header.Set("X-User-ID", "u1")
		r.ServeHTTP(w, req)
	}
	if calls != 3 {
		t.Fatalf("GET must never be deduplicated: calls=%d", calls)
	}
	if len(store.byKey) != 0 {
		t.Fatalf("GET must not create records: %d", len(store.byKey))
	}
}

func TestIdempotency_StoreFailure_FailsOpen(t *testing.T) {
	store := newFakeIdemStore()
	store.failLookup = true
	store.failClaim = true

	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})

	w := doPost(r, `{"a":1}`, "u1", "key-1")
	if w.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("fail-open violated: code=%d calls=%d", w.Code, calls)
	}
}

func TestIdempotency_CompleteFailure_ResponseStillServed(t *testing.T) {
	store := newFakeIdemStore()
	store.failComplete = true

	r := newIdemRouter(store, func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"made": true})
	})

	w := doPost(r, `{"a":1}`, "u1", "key-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("persist failure leaked to client: %d", w.Code)
	}
}

func TestIdempotency_PanickingHandler_ReleasesClaim(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-User-ID"); uid != "" {
			c.Set(ctxKeyUserID, uid)
		}
		c.Next()
	})
	// Recovery sits upstream of the coordinator, as in the production
	// pipeline, so the panic unwinds through the coordinator first.
	r.Use(Recovery())
	r.Use(Idempotency(IdempotencyOptions{TTL: time.Minute}, store))
	r.POST("/things", func(c *gin.Context) {
		calls++
		if calls == 1 {
			panic("handler died")
		}
		c.JSON(http.StatusCreated, gin.H{"n": calls})
	})

	first := doPost(r, `{"a":1}`, "u1", "key-1")
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("panicking request code = %d; want 500", first.Code)
	}
	if len(store.byKey) != 0 {
		t.Fatalf("claim survived the panic: %d records", len(store.byKey))
	}

	// The retry must re-execute, not sit behind duplicate_in_progress until
	// the record expires.
	second := doPost(r, `{"a":1}`, "u1", "key-1")
	if second.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("retry after panic: code=%d calls=%d; want 201 and a second execution", second.Code, calls)
	}
	if second.Header().Get(HeaderIdempotencyReplay) != "" {
		t.Fatalf("retry after panic must not be marked as replay")
	}
}

func TestIdempotency_ExpiredRecord_ExecutesAgain(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"n": calls})
	})

	doPost(r, `{"a":1}`, "u1", "key-1")

	// Age the record past its TTL.
	store.mu.Lock()
	for _, rec := range store.byKey {
		rec.ExpiresAt = time.Now().Add(-time.Second)
	}
	store.mu.Unlock()

	doPost(r, `{"a":1}`, "u1", "key-1")
	if calls != 2 {
		t.Fatalf("expired record must not replay: calls=%d", calls)
	}
}

func TestCanonicalBodyHash_KeyOrderInvariant(t *testing.T) {
	a := CanonicalBodyHash([]byte(`{"a":1,"b":{"y":2,"x":[3,4]}}`))
	b := CanonicalBodyHash([]byte(`{"b":{"x":[3,4],"y":2},"a":1}`))
	if a != b {
		t.Fatalf("reordered keys hash differently: %s vs %s", a, b)
	}

	c := CanonicalBodyHash([]byte(`{"a":1,"b":{"y":2,"x":[4,3]}}`))
	if a == c {
		t.Fatalf("array order must be significant")
	}
}

func TestCanonicalBodyHash_EmptyAndInvalidCollapse(t *testing.T) {
	empty := CanonicalBodyHash(nil)
	blank := CanonicalBodyHash([]byte("   \n"))
	obj := CanonicalBodyHash([]byte("{}"))
	junk := CanonicalBodyHash([]byte("not json at all"))

	if empty != blank || blank != obj || obj != junk {
		t.Fatalf("empty/invalid bodies must hash identically: %s %s %s %s", empty, blank, obj, junk)
	}
}

func TestCanonicalBodyHash_NumbersKeptVerbatim(t *testing.T) {
	// 1e2 and 100 are numerically equal but textually different; json.Number
	// preserves the distinction instead of collapsing through float64.
	a := CanonicalBodyHash([]byte(`{"n":1e2}`))
	b := CanonicalBodyHash([]byte(`{"n":100}`))
	if a == b {
		t.Fatalf("distinct numeric literals should hash differently")
	}

	// Large integers must not lose precision.
	x := CanonicalBodyHash([]byte(`{"n":9007199254740993}`))
	y := CanonicalBodyHash([]byte(`{"n":9007199254740992}`))
	if x == y {
		t.Fatalf("adjacent large integers collapsed")
	}
}

func TestIdempotency_AnonymousFallsBackToIP(t *testing.T) {
	store := newFakeIdemStore()
	calls := 0
	r := newIdemRouter(store, func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"n": calls})
	})

	// No user header: scope falls back to the client IP, so the duplicate
	// still replays.
	doPost(r, `{"a":1}`, "", "key-1")
	doPost(r, `{"a":1}`, "", "key-1")
	if calls != 1 {
		t.Fatalf("ip-scoped dedupe failed: calls=%d", calls)
	}
}
