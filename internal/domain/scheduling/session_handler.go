package scheduling

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/apperr"
)

// SessionHandler exposes booking workflows as server-side sessions, one
// request per step.
type SessionHandler struct {
	sessions        *Sessions
	roster          *Service
	defaultCentroID uuid.UUID
}

func NewSessionHandler(sessions *Sessions, roster *Service, defaultCentroID uuid.UUID) *SessionHandler {
	return &SessionHandler{sessions: sessions, roster: roster, defaultCentroID: defaultCentroID}
}

func (h *SessionHandler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/scheduling/sessions")
	g.POST("", h.Start)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Discard)
	g.POST("/:id/professional", h.SelectProfessional)
	g.POST("/:id/date", h.SelectDate)
	g.POST("/:id/slots/refresh", h.RefreshSlots)
	g.POST("/:id/slot", h.SelectSlot)
	g.POST("/:id/patient/resolve", h.ResolvePatient)
	g.POST("/:id/patient/change", h.ChangePatient)
	g.POST("/:id/patient/create", h.RequestPatientCreation)
	g.POST("/:id/patient/resume", h.ResumeWithPatient)
	g.POST("/:id/details", h.SetDetails)
	g.POST("/:id/commit", h.Commit)
	g.POST("/:id/cancel", h.Cancel)
}

func bindBody(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// apply runs fn on the session named in the path and renders the result.
func (h *SessionHandler) apply(c echo.Context, fn func(ctx context.Context, w *Workflow) error) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	v, err := h.sessions.Apply(ctx, id, func(w *Workflow) error { return fn(ctx, w) })
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *SessionHandler) Start(c echo.Context) error {
	var req struct {
		CentroID *uuid.UUID `json:"centro_id"`
	}
	if c.Request().ContentLength != 0 {
		if err := bindBody(c, &req); err != nil {
			return err
		}
	}
	centroID := h.defaultCentroID
	if req.CentroID != nil {
		centroID = *req.CentroID
	}
	v, err := h.sessions.Start(c.Request().Context(), centroID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *SessionHandler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *SessionHandler) Discard(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.sessions.Discard(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionHandler) SelectProfessional(c echo.Context) error {
	var req struct {
		ProfessionalID uuid.UUID `json:"professional_id"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if req.ProfessionalID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "professional_id is required")
	}
	p, err := h.roster.GetProfessional(c.Request().Context(), req.ProfessionalID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return h.apply(c, func(_ context.Context, w *Workflow) error {
		return w.SelectProfessional(*p)
	})
}

func (h *SessionHandler) SelectDate(c echo.Context) error {
	var req struct {
		Date Date `json:"date"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return h.apply(c, func(ctx context.Context, w *Workflow) error {
		return w.SelectDate(ctx, req.Date)
	})
}

func (h *SessionHandler) RefreshSlots(c echo.Context) error {
	return h.apply(c, func(ctx context.Context, w *Workflow) error {
		return w.RefreshSlots(ctx)
	})
}

func (h *SessionHandler) SelectSlot(c echo.Context) error {
	var req struct {
		Time *TimeSlot `json:"time"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if req.Time == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "time is required")
	}
	return h.apply(c, func(_ context.Context, w *Workflow) error {
		return w.SelectSlot(*req.Time)
	})
}

func (h *SessionHandler) ResolvePatient(c echo.Context) error {
	var req struct {
		RUT string `json:"rut"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return h.apply(c, func(ctx context.Context, w *Workflow) error {
		_, err := w.ResolvePatient(ctx, req.RUT)
		return err
	})
}

func (h *SessionHandler) ChangePatient(c echo.Context) error {
	return h.apply(c, func(_ context.Context, w *Workflow) error {
		return w.ChangePatient()
	})
}

func (h *SessionHandler) SetDetails(c echo.Context) error {
	var req struct {
		ConsultationType ConsultationType `json:"consultation_type"`
		RecordNumber     *string          `json:"record_number"`
		FolderNumber     *string          `json:"folder_number"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	return h.apply(c, func(_ context.Context, w *Workflow) error {
		return w.SetDetails(req.ConsultationType, req.RecordNumber, req.FolderNumber)
	})
}

func (h *SessionHandler) RequestPatientCreation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, sus, err := h.sessions.Suspend(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session":    v,
		"suspension": sus,
	})
}

func (h *SessionHandler) ResumeWithPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		Token   uuid.UUID           `json:"token"`
		Patient patient.CreateInput `json:"patient"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	if req.Token == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "token is required")
	}
	v, err := h.sessions.Resume(c.Request().Context(), id, req.Token, req.Patient)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *SessionHandler) Commit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.sessions.Commit(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *SessionHandler) Cancel(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req struct {
		From State `json:"from"`
	}
	if err := bindBody(c, &req); err != nil {
		return err
	}
	v, err := h.sessions.Cancel(c.Request().Context(), id, req.From)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}
