package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/freightdesk/go-helpdesk-backend/internal/config"
	"github.com/freightdesk/go-helpdesk-backend/internal/domain"
	"github.com/freightdesk/go-helpdesk-backend/internal/http/middleware"
	"github.com/freightdesk/go-helpdesk-backend/internal/notify"
	"github.com/freightdesk/go-helpdesk-backend/internal/repo"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("router_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(
		&domain.User{}, &domain.Ticket{}, &domain.TicketAssignee{},
		&domain.Comment{}, &domain.Notification{}, &domain.NotificationRecipient{},
		&domain.Idempotency{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:     "/api/v1",
		MaxSubjectRunes: 200,
		MaxBodyRunes:    10000,
		RateWindow:      time.Minute,
		RateReadLimit:   1000,
		RateWriteLimit:  1000,
		IdempotencyTTL:  10 * time.Minute,
		SSEKeepAlive:    25 * time.Second,
		CORS:            config.CORSConfig{}, // allow-all branch
		Security:        config.SecurityConfig{EnableHSTS: false},
		OTEL:            config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t)
	hub := notify.NewHub()
	t.Cleanup(hub.Close)
	RegisterRoutes(r, db, hub, DBPrincipalResolver(db), cfg)
	return r, db
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404 envelope
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"not_found"`)) {
		t.Fatalf("404 body missing code: %s", w.Body.String())
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func seedRouterUser(t *testing.T, db *gorm.DB, name, role string) *domain.User {
	t.Helper()
	u, err := repo.CreateUser(context.Background(), db, name, name+"@example.com", role)
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return u
}

func doJSON(r *gin.Engine, method, path, userID, role, idemKey, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	if idemKey != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, idemKey)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestEndToEnd_CreateTicket_IdempotentReplay(t *testing.T) {
	r, db := newTestRouter(t, testConfig())
	agent := seedRouterUser(t, db, "agent", domain.RoleAgent)

	body := `{"subject":"Gate reader offline","description":"Dock B","priority":"high"}`

	// Unauthenticated mutation → 401 envelope.
	if w := doJSON(r, http.MethodPost, "/api/v1/tickets", "", "", "", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create = %d; want 401", w.Code)
	}

	w := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "order-77", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get(middleware.HeaderIdempotencyReplay) != "" {
		t.Fatalf("first execution flagged as replay")
	}
	first := w.Body.String()

	// Same key, same payload → verbatim replay, no second ticket.
	w2 := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "order-77", body)
	if w2.Code != http.StatusCreated {
		t.Fatalf("replay = %d body=%s", w2.Code, w2.Body.String())
	}
	if w2.Header().Get(middleware.HeaderIdempotencyReplay) != "true" {
		t.Fatalf("replay header missing")
	}
	if w2.Body.String() != first {
		t.Fatalf("replay body differs:\n%s\nvs\n%s", first, w2.Body.String())
	}

	var count int64
	db.Model(&domain.Ticket{}).Count(&count)
	if count != 1 {
		t.Fatalf("ticket count = %d; want 1", count)
	}

	// Same payload without any key still dedupes via the content hash.
	w3 := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "", body)
	if w3.Header().Get(middleware.HeaderIdempotencyReplay) != "true" {
		t.Fatalf("content dedupe did not replay: %d %s", w3.Code, w3.Body.String())
	}
	db.Model(&domain.Ticket{}).Count(&count)
	if count != 1 {
		t.Fatalf("ticket count after content dedupe = %d; want 1", count)
	}

	// A different payload executes normally.
	w4 := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "", `{"subject":"Another problem"}`)
	if w4.Code != http.StatusCreated || w4.Header().Get(middleware.HeaderIdempotencyReplay) != "" {
		t.Fatalf("distinct payload: %d replay=%q", w4.Code, w4.Header().Get(middleware.HeaderIdempotencyReplay))
	}
}

func TestEndToEnd_NotificationInboxFlow(t *testing.T) {
	r, db := newTestRouter(t, testConfig())
	agent := seedRouterUser(t, db, "agent", domain.RoleAgent)
	admin := seedRouterUser(t, db, "admin", domain.RoleAdmin)

	w := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "", `{"subject":"Printer down"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", w.Code, w.Body.String())
	}

	// The admin received the ticket:created notification.
	w = doJSON(r, http.MethodGet, "/api/v1/notifications/unread-count", admin.ID, domain.RoleAdmin, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unread-count = %d", w.Code)
	}
	var uc struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &uc); err != nil || uc.Count != 1 {
		t.Fatalf("unread count = %+v err=%v; want 1", uc, err)
	}

	// List, grab the notification id.
	w = doJSON(r, http.MethodGet, "/api/v1/notifications", admin.ID, domain.RoleAdmin, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list notifications = %d", w.Code)
	}
	var listResp struct {
		Count int64 `json:"count"`
		Items []struct {
			NotificationID uint `json:"notification_id"`
		} `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil || len(listResp.Items) != 1 {
		t.Fatalf("list body: %s (err=%v)", w.Body.String(), err)
	}
	if listResp.Count != 1 {
		t.Fatalf("count = %d; want 1", listResp.Count)
	}
	nid := listResp.Items[0].NotificationID

	// Mark read, then dismiss.
	w = doJSON(r, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%d/read", nid), admin.ID, domain.RoleAdmin, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("mark read = %d body=%s", w.Code, w.Body.String())
	}
	w = doJSON(r, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%d/dismiss", nid), admin.ID, domain.RoleAdmin, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("dismiss = %d body=%s", w.Code, w.Body.String())
	}

	// The agent (actor) never had a row; touching the admin's is a 404 for them.
	w = doJSON(r, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%d/read", nid), agent.ID, "", "", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-user read = %d; want 404", w.Code)
	}
}

func TestEndToEnd_RateLimitRejects(t *testing.T) {
	cfg := testConfig()
	cfg.RateWriteLimit = 1
	r, db := newTestRouter(t, cfg)
	agent := seedRouterUser(t, db, "agent", domain.RoleAgent)

	if w := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "", `{"subject":"one"}`); w.Code != http.StatusCreated {
		t.Fatalf("first write = %d", w.Code)
	}
	w := doJSON(r, http.MethodPost, "/api/v1/tickets", agent.ID, "", "", `{"subject":"two"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second write = %d; want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 missing Retry-After")
	}
}

func Test_idempotencyStoreShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := idempotencyStore{db: db}
	ctx := context.Background()
	now := time.Now().UTC()

	// Absent records come back as (nil, nil), not errors.
	if rec, err := shim.Lookup(ctx, "user:u1", "k", now); rec != nil || err != nil {
		t.Fatalf("Lookup(miss) = (%v, %v)", rec, err)
	}
	if rec, err := shim.LookupContent(ctx, "user:u1", "POST", "/p", "h", now); rec != nil || err != nil {
		t.Fatalf("LookupContent(miss) = (%v, %v)", rec, err)
	}

	rec, err := shim.Claim(ctx, "user:u1", "k", "POST", "/p", "h", time.Minute)
	if err != nil || rec == nil {
		t.Fatalf("Claim: rec=%v err=%v", rec, err)
	}
	// A lost race is (nil, nil).
	if dup, err := shim.Claim(ctx, "user:u1", "k", "POST", "/p", "h", time.Minute); dup != nil || err != nil {
		t.Fatalf("Claim(dup) = (%v, %v)", dup, err)
	}

	if err := shim.Complete(ctx, rec.ID, 201, []byte("body")); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Completing twice is quietly absorbed.
	if err := shim.Complete(ctx, rec.ID, 500, []byte("later")); err != nil {
		t.Fatalf("Complete(second) = %v; want nil", err)
	}

	got, err := shim.Lookup(ctx, "user:u1", "k", now)
	if err != nil || got == nil || !got.Completed() {
		t.Fatalf("Lookup after complete: rec=%v err=%v", got, err)
	}
	if hit, err := shim.LookupContent(ctx, "user:u1", "POST", "/p", "h", now); err != nil || hit == nil {
		t.Fatalf("LookupContent after complete: rec=%v err=%v", hit, err)
	}
}

func TestDBPrincipalResolver(t *testing.T) {
	db := newTestDB(t)
	u := seedRouterUser(t, db, "admin", domain.RoleAdmin)
	resolve := DBPrincipalResolver(db)

	p, err := resolve(context.Background(), u.ID)
	if err != nil || p.UserID != u.ID || p.Role != domain.RoleAdmin {
		t.Fatalf("resolve = %+v err=%v", p, err)
	}
	if _, err := resolve(context.Background(), "unknown"); err == nil {
		t.Fatalf("unknown credential should not resolve")
	}
}
