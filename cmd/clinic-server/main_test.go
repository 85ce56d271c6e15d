package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/scheduling"
	"github.com/ehr/clinic/internal/platform/kvstore"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:            "test",
		Store:          config.StoreMemory,
		SessionTTL:     time.Hour,
		CORSOrigins:    []string{"http://localhost:3000"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		RequestTimeout: 5 * time.Second,
		Timezone:       "America/Santiago",
	}
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	e, err := buildServer(context.Background(), testConfig(), zerolog.Nop(), memoryStores(), kvstore.NewMemory())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newTestServer(t)
	rec := serve(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "session_store") {
		t.Errorf("expected session store check, got %s", rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected request id header")
	}

	if rec := serve(e, http.MethodGet, "/health/db", ""); rec.Code != http.StatusNotFound {
		t.Errorf("database check without a database: expected 404, got %d", rec.Code)
	}
}

func TestMemoryServerIsSeeded(t *testing.T) {
	e := newTestServer(t)

	rec := serve(e, http.MethodGet, "/api/v1/professionals", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var profs []struct {
		ID        string `json:"id"`
		Specialty string `json:"specialty"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profs); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(profs) != 5 {
		t.Fatalf("expected 5 demo professionals, got %d", len(profs))
	}

	rec = serve(e, http.MethodGet, "/api/v1/specialties", "")
	if !strings.Contains(rec.Body.String(), "Pediatría") {
		t.Errorf("unexpected specialties %s", rec.Body.String())
	}

	// Sessions default to the demo centro.
	rec = serve(e, http.MethodPost, "/api/v1/scheduling/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session struct {
		State string `json:"state"`
		Draft struct {
			CentroID string `json:"centro_id"`
		} `json:"draft"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if session.State != "selecting_professional" || session.Draft.CentroID == "00000000-0000-0000-0000-000000000000" {
		t.Errorf("unexpected session %+v", session)
	}
}

func TestSeedDemoIsIdempotent(t *testing.T) {
	st := memoryStores()
	svc := scheduling.NewService(scheduling.ServiceConfig{
		Roster:       st.roster,
		Appointments: st.appointments,
		Logger:       zerolog.Nop(),
	})
	ctx := context.Background()

	first, created, err := seedDemo(ctx, svc)
	if err != nil || !created {
		t.Fatalf("first seed: %v, created=%v", err, created)
	}
	second, created, err := seedDemo(ctx, svc)
	if err != nil || created {
		t.Fatalf("second seed: %v, created=%v", err, created)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same centro, got %s and %s", first.ID, second.ID)
	}
}

func TestUnknownRoute(t *testing.T) {
	e := newTestServer(t)
	if rec := serve(e, http.MethodGet, "/api/v1/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, nil)
	logger.Error().Str("key", "DATABASE_URL").Msg("failed to load config")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON log line without config, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["message"] != "failed to load config" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp")
	}

	buf.Reset()
	dev := newLogger(&buf, &config.Config{Env: "development"})
	dev.Info().Msg("listening")
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Errorf("expected console output in development, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "listening") {
		t.Errorf("expected message in output, got %q", buf.String())
	}
}
