package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func runHealth(t *testing.T, checks ...Check) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(checks...)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := runHealth(t, Check{
		Name:    "database",
		Pinger:  pingFunc(func(context.Context) error { return nil }),
		Details: func() interface{} { return &PoolStats{TotalConns: 3, MaxConns: 20} },
	})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	checks := body["checks"].(map[string]interface{})
	dbCheck := checks["database"].(map[string]interface{})
	details := dbCheck["details"].(map[string]interface{})
	if details["max_conns"] != float64(20) {
		t.Errorf("expected max_conns 20, got %v", details["max_conns"])
	}
}

func TestHealthHandler_OneUnhealthy(t *testing.T) {
	rec, body := runHealth(t,
		Check{Name: "database", Pinger: pingFunc(func(context.Context) error { return nil })},
		Check{Name: "sessions", Pinger: pingFunc(func(context.Context) error { return errors.New("connection refused") })},
	)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	sessions := body["checks"].(map[string]interface{})["sessions"].(map[string]interface{})
	if sessions["error"] != "connection refused" {
		t.Errorf("expected error message, got %v", sessions["error"])
	}
}

func TestHealthHandler_NoChecks(t *testing.T) {
	rec, _ := runHealth(t)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no checks, got %d", rec.Code)
	}
}
