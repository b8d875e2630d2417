package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/tokengate/tokengate/internal/config"
	dbutil "github.com/tokengate/tokengate/internal/db"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/models"
	"github.com/tokengate/tokengate/internal/plans"
	"gorm.io/gorm"
)

const testAdminToken = "test-admin-token"

func newTestRouter(t *testing.T) (*gin.Engine, ledger.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:adminapi_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("sql db: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := dbutil.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	registry, errRegistry := plans.NewRegistry(nil, "")
	if errRegistry != nil {
		t.Fatalf("registry: %v", errRegistry)
	}
	store := ledger.NewGormStore(conn, registry)

	cfg := config.Default()
	cfg.AdminAPIToken = testAdminToken

	return NewRouter(cfg, store, registry, conn), store, conn
}

func doRequest(t *testing.T, engine *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func TestHealthzIsOpen(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	recorder := doRequest(t, engine, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	recorder := doRequest(t, engine, http.MethodGet, "/v0/stats", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	recorder = doRequest(t, engine, http.MethodGet, "/v0/stats", "wrong-token", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", recorder.Code)
	}
}

func TestGetQuotaCreatesDefaultRecord(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	recorder := doRequest(t, engine, http.MethodGet, "/v0/users/42/quota", testAdminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		UserID    int64  `json:"user_id"`
		Plan      string `json:"plan"`
		Remaining int64  `json:"remaining"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if payload.UserID != 42 || payload.Plan != "free" || payload.Remaining != 1000 {
		t.Fatalf("unexpected quota payload: %+v", payload)
	}
}

func TestGetQuotaRejectsBadUserID(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	recorder := doRequest(t, engine, http.MethodGet, "/v0/users/abc/quota", testAdminToken, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestSetPlanGrantsFreshAllowance(t *testing.T) {
	engine, store, _ := newTestRouter(t)

	if _, errDebit := store.Debit(context.Background(), 7, 500); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	recorder := doRequest(t, engine, http.MethodPut, "/v0/users/7/plan", testAdminToken, `{"plan":"pro"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Plan      string `json:"plan"`
		Remaining int64  `json:"remaining"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if payload.Plan != "pro" || payload.Remaining != 20000 {
		t.Fatalf("expected fresh pro allowance, got %+v", payload)
	}
}

func TestSetPlanRejectsUnknownPlan(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	recorder := doRequest(t, engine, http.MethodPut, "/v0/users/7/plan", testAdminToken, `{"plan":"platinum"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "unknown plan") {
		t.Fatalf("expected unknown plan error, got %s", recorder.Body.String())
	}
}

func TestStatsReportsTotals(t *testing.T) {
	engine, store, _ := newTestRouter(t)

	if _, errGet := store.GetOrCreate(context.Background(), 1); errGet != nil {
		t.Fatalf("get or create: %v", errGet)
	}
	if _, errGet := store.GetOrCreate(context.Background(), 2); errGet != nil {
		t.Fatalf("get or create: %v", errGet)
	}
	if _, errDebit := store.Debit(context.Background(), 2, 400); errDebit != nil {
		t.Fatalf("debit: %v", errDebit)
	}

	recorder := doRequest(t, engine, http.MethodGet, "/v0/stats", testAdminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var payload struct {
		Users           int64 `json:"users"`
		TokensRemaining int64 `json:"tokens_remaining"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if payload.Users != 2 || payload.TokensRemaining != 1600 {
		t.Fatalf("expected 2 users / 1600 tokens, got %+v", payload)
	}
}

func TestUsageListReturnsNewestFirst(t *testing.T) {
	engine, _, conn := newTestRouter(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		row := models.Usage{
			RequestID:    fmt.Sprintf("req-%d", i),
			UserID:       9,
			Model:        "models/test",
			RequestedAt:  base.Add(time.Duration(i) * time.Minute),
			InputTokens:  2,
			OutputTokens: 10,
			TotalTokens:  12,
		}
		if errCreate := conn.Create(&row).Error; errCreate != nil {
			t.Fatalf("seed usage: %v", errCreate)
		}
	}

	recorder := doRequest(t, engine, http.MethodGet, "/v0/users/9/usage?limit=2", testAdminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Items []struct {
			RequestID string `json:"request_id"`
		} `json:"items"`
		Count int `json:"count"`
	}
	if errDecode := json.Unmarshal(recorder.Body.Bytes(), &payload); errDecode != nil {
		t.Fatalf("decode: %v", errDecode)
	}
	if payload.Count != 2 {
		t.Fatalf("expected 2 items, got %d", payload.Count)
	}
	if payload.Items[0].RequestID != "req-2" || payload.Items[1].RequestID != "req-1" {
		t.Fatalf("expected newest first, got %+v", payload.Items)
	}
}
