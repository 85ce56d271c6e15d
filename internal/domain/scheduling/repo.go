package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/apperr"
	"github.com/ehr/clinic/pkg/pagination"
)

var (
	ErrSlotConflict         = apperr.Conflict("slot already booked")
	ErrAppointmentNotFound  = apperr.NotFound("appointment not found")
	ErrProfessionalNotFound = apperr.NotFound("professional not found")
	ErrUnknownReference     = apperr.Validation("unknown professional, patient or centro")
)

type ProfessionalFilter struct {
	CentroID        *uuid.UUID
	Specialty       string
	IncludeInactive bool
}

// RosterRepository stores centros and the professionals working at them.
type RosterRepository interface {
	CreateCentro(ctx context.Context, c *Centro) error
	ListCentros(ctx context.Context) ([]*Centro, error)
	CreateProfessional(ctx context.Context, p *Professional) error
	GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error)
	ListProfessionals(ctx context.Context, f ProfessionalFilter) ([]*Professional, error)
	// Specialties lists the distinct specialties of active professionals.
	Specialties(ctx context.Context) ([]string, error)
}

type AppointmentFilter struct {
	ProfessionalID *uuid.UUID
	PatientID      *uuid.UUID
	CentroID       *uuid.UUID
	Date           *Date
	Status         Status
}

// AppointmentRepository persists appointments. Create and Update report
// ErrSlotConflict when another live (not cancelled) appointment holds the
// same professional, date and time.
type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate reads an appointment and, inside a transaction, locks
	// it until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
	// BookedSlots returns the times held by live appointments of a
	// professional on a date, across all centros.
	BookedSlots(ctx context.Context, professionalID uuid.UUID, date Date) ([]TimeSlot, error)
	Search(ctx context.Context, f AppointmentFilter, page pagination.Params) ([]*Appointment, int, error)
}
