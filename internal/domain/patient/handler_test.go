package patient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHandler() (*Handler, *Resolver) {
	r := NewResolver(NewMemoryRepo(), zerolog.Nop())
	return NewHandler(r), r
}

func TestHandler_CreatePatient(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()

	body := `{"rut":"12.345.678-9","first_name":"Ana","last_name":"Rojas","gender":"F"}`
	req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if p.IdentityKey != "123456789" {
		t.Errorf("expected identity key 123456789, got %s", p.IdentityKey)
	}
}

func TestHandler_CreatePatient_Duplicate(t *testing.T) {
	h, r := newTestHandler()
	e := echo.New()
	if _, err := r.Create(context.Background(), CreateInput{RUT: "12345678-9", FirstName: "A", LastName: "B"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := `{"rut":"12.345.678-9","first_name":"Ana","last_name":"Rojas"}`
	req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreatePatient(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", httpErr.Code)
	}
}

func TestHandler_CreatePatient_Invalid(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/patients", strings.NewReader(`{"rut":"123","first_name":"A","last_name":"B"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreatePatient(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_SearchByRUT(t *testing.T) {
	h, r := newTestHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/patients/search?rut=12345678-9", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	err := h.SearchByRUT(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before registration, got %v", err)
	}

	if _, err := r.Create(req.Context(), CreateInput{RUT: "12345678-9", FirstName: "Ana", LastName: "Rojas"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/patients/search?rut=12.345.678-9", nil)
	rec := httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := h.SearchByRUT(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_SearchByRUT_Missing(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/patients/search", nil), httptest.NewRecorder())

	err := h.SearchByRUT(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, r := newTestHandler()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p, err := r.Create(req.Context(), CreateInput{RUT: "12345678-9", FirstName: "Ana", LastName: "Rojas"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if httpErr, ok := h.GetPatient(c).(*echo.HTTPError); !ok || httpErr.Code != http.StatusBadRequest {
		t.Error("expected 400 for invalid id")
	}
}

func TestHandler_ListPatients(t *testing.T) {
	h, _ := newTestHandler()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/patients?q=x", nil), rec)

	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rec.Body.String())
	}
}
