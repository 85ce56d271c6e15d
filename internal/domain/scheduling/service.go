package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/pkg/apperr"
	"github.com/ehr/clinic/pkg/pagination"
)

// TxRunner runs fn atomically. Repositories must be called with the
// context fn receives.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// PostgresTx runs functions inside database transactions.
func PostgresTx(b db.TxBeginner) TxRunner {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, b, fn)
	}
}

func noTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// PatientLookup reads patients by ID.
type PatientLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// Service exposes the roster, availability and appointment operations.
type Service struct {
	roster       RosterRepository
	appointments AppointmentRepository
	patients     PatientLookup
	committer    BookingCommitter
	tx           TxRunner
	logger       zerolog.Logger
	now          func() time.Time
	loc          *time.Location
}

type ServiceConfig struct {
	Roster       RosterRepository
	Appointments AppointmentRepository
	Patients     PatientLookup
	Committer    BookingCommitter
	// Tx defaults to running without a transaction, which is enough for
	// the in-memory repositories.
	Tx       TxRunner
	Location *time.Location
	Logger   zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		roster:       cfg.Roster,
		appointments: cfg.Appointments,
		patients:     cfg.Patients,
		committer:    cfg.Committer,
		tx:           cfg.Tx,
		logger:       cfg.Logger.With().Str("component", "scheduling").Logger(),
		now:          time.Now,
		loc:          cfg.Location,
	}
	if s.tx == nil {
		s.tx = noTx
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	return s
}

func (s *Service) today() Date {
	return DateOf(s.now().In(s.loc))
}

// -- Roster --

func (s *Service) CreateCentro(ctx context.Context, c *Centro) error {
	if c.Name == "" {
		return apperr.Validation("centro name is required")
	}
	if err := s.roster.CreateCentro(ctx, c); err != nil {
		return apperr.AsTransient("centro create failed", err)
	}
	return nil
}

func (s *Service) ListCentros(ctx context.Context) ([]*Centro, error) {
	centros, err := s.roster.ListCentros(ctx)
	if err != nil {
		return nil, apperr.AsTransient("centro list failed", err)
	}
	return centros, nil
}

func (s *Service) CreateProfessional(ctx context.Context, p *Professional) error {
	if p.FirstName == "" || p.LastName == "" {
		return apperr.Validation("first_name and last_name are required")
	}
	if p.Specialty == "" {
		return apperr.Validation("specialty is required")
	}
	if err := s.roster.CreateProfessional(ctx, p); err != nil {
		return apperr.AsTransient("professional create failed", err)
	}
	return nil
}

func (s *Service) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	p, err := s.roster.GetProfessional(ctx, id)
	if err != nil {
		return nil, apperr.AsTransient("professional lookup failed", err)
	}
	return p, nil
}

func (s *Service) ListProfessionals(ctx context.Context, f ProfessionalFilter) ([]*Professional, error) {
	list, err := s.roster.ListProfessionals(ctx, f)
	if err != nil {
		return nil, apperr.AsTransient("professional list failed", err)
	}
	return list, nil
}

func (s *Service) Specialties(ctx context.Context) ([]string, error) {
	specs, err := s.roster.Specialties(ctx)
	if err != nil {
		return nil, apperr.AsTransient("specialty list failed", err)
	}
	return specs, nil
}

// -- Availability --

// Availability resolves the open slots of a professional's day at a
// centro. Booked slots count across every centro the professional works
// at.
func (s *Service) Availability(ctx context.Context, professionalID, centroID uuid.UUID, date Date) (*DaySchedule, error) {
	if date.IsZero() {
		return nil, apperr.Validation("date is required")
	}
	p, err := s.GetProfessional(ctx, professionalID)
	if err != nil {
		return nil, err
	}
	if centroID != uuid.Nil && len(p.CentroIDs) > 0 && !containsID(p.CentroIDs, centroID) {
		return nil, apperr.Validation("%s does not attend at this centro", p.FullName())
	}
	booked, err := s.appointments.BookedSlots(ctx, professionalID, date)
	if err != nil {
		return nil, apperr.AsTransient("availability could not be loaded", err)
	}
	return &DaySchedule{
		ProfessionalID: professionalID,
		CentroID:       centroID,
		Date:           date,
		Slots:          Resolve(booked),
	}, nil
}

// -- Appointments --

// BookInput is a booking submitted in one request rather than through a
// workflow session.
type BookInput struct {
	ProfessionalID   uuid.UUID        `json:"professional_id"`
	CentroID         uuid.UUID        `json:"centro_id"`
	PatientID        uuid.UUID        `json:"patient_id"`
	Date             Date             `json:"date"`
	Time             *TimeSlot        `json:"time"`
	ConsultationType ConsultationType `json:"consultation_type"`
	RecordNumber     *string          `json:"record_number"`
	FolderNumber     *string          `json:"folder_number"`
}

// Book resolves the references of in into a draft and commits it.
func (s *Service) Book(ctx context.Context, in BookInput) (*Appointment, error) {
	d := Draft{
		CentroID:         in.CentroID,
		Date:             in.Date,
		Slot:             in.Time,
		ConsultationType: in.ConsultationType,
		RecordNumber:     in.RecordNumber,
		FolderNumber:     in.FolderNumber,
	}
	if in.ProfessionalID != uuid.Nil {
		p, err := s.GetProfessional(ctx, in.ProfessionalID)
		if err != nil {
			return nil, err
		}
		d.Professional = p
	}
	if in.PatientID != uuid.Nil {
		p, err := s.patients.Get(ctx, in.PatientID)
		if err != nil {
			return nil, err
		}
		d.Patient = &PatientRef{ID: p.ID, IdentityKey: p.IdentityKey, Name: p.FullName()}
	}
	return s.committer.Commit(ctx, d)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.AsTransient("appointment lookup failed", err)
	}
	return a, nil
}

func (s *Service) SearchAppointments(ctx context.Context, f AppointmentFilter, page pagination.Params) ([]*Appointment, int, error) {
	if f.Status != "" && f.Status != StatusScheduled && f.Status != StatusCompleted && f.Status != StatusCancelled {
		return nil, 0, apperr.Validation("invalid status: %s", f.Status)
	}
	list, total, err := s.appointments.Search(ctx, f, page)
	if err != nil {
		return nil, 0, apperr.AsTransient("appointment search failed", err)
	}
	return list, total, nil
}

// CancelAppointment frees the slot of a scheduled appointment. Cancelling
// an already cancelled appointment returns it unchanged.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch a.Status {
		case StatusCancelled:
			out = a
			return nil
		case StatusCompleted:
			return apperr.Validation("a completed appointment cannot be cancelled")
		}
		a.Status = StatusCancelled
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		out = a
		s.logger.Info().Str("appointment_id", a.ID.String()).Msg("appointment cancelled")
		return nil
	})
	if err != nil {
		return nil, apperr.AsTransient("appointment cancel failed", err)
	}
	return out, nil
}

// RescheduleInput changes an appointment. Nil fields are left as they are.
type RescheduleInput struct {
	ProfessionalID   *uuid.UUID        `json:"professional_id"`
	Date             *Date             `json:"date"`
	Time             *TimeSlot         `json:"time"`
	ConsultationType *ConsultationType `json:"consultation_type"`
	RecordNumber     *string           `json:"record_number"`
	FolderNumber     *string           `json:"folder_number"`
}

// RescheduleAppointment moves a scheduled appointment. The new
// professional, date and time are held to the same rules as a new booking,
// including ErrSlotConflict when another appointment holds them.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, in RescheduleInput) (*Appointment, error) {
	var out *Appointment
	err := s.tx(ctx, func(ctx context.Context) error {
		a, err := s.appointments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.Status != StatusScheduled {
			return apperr.Validation("only scheduled appointments can be changed, this one is %s", a.Status)
		}
		moved := in.ProfessionalID != nil || in.Date != nil || in.Time != nil

		if in.ProfessionalID != nil && *in.ProfessionalID != a.ProfessionalID {
			p, err := s.roster.GetProfessional(ctx, *in.ProfessionalID)
			if err != nil {
				return err
			}
			if !p.Active {
				return apperr.Validation("professional %s is not active", p.FullName())
			}
			a.ProfessionalID = p.ID
		}
		if in.Date != nil {
			a.Date = *in.Date
		}
		if in.Time != nil {
			a.Time = *in.Time
		}
		if in.ConsultationType != nil {
			ct, err := normalizeConsultationType(*in.ConsultationType)
			if err != nil {
				return err
			}
			a.ConsultationType = ct
		}
		if in.RecordNumber != nil {
			a.RecordNumber = cloneString(in.RecordNumber)
		}
		if in.FolderNumber != nil {
			a.FolderNumber = cloneString(in.FolderNumber)
		}

		if moved {
			if a.Date.IsZero() {
				return apperr.Validation("date is required")
			}
			if !OnGrid(a.Time) {
				return fmt.Errorf("%w: %s", ErrOffGrid, a.Time)
			}
			if a.Date.Before(s.today()) {
				return fmt.Errorf("%w: %s", ErrPastDate, a.Date)
			}
		}
		if err := s.appointments.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			s.logger.Warn().Str("appointment_id", id.String()).Msg("reschedule target slot already booked")
			return nil, ErrSlotConflict
		}
		return nil, apperr.AsTransient("appointment update failed", err)
	}
	s.logger.Info().
		Str("appointment_id", out.ID.String()).
		Str("date", out.Date.String()).
		Str("time", out.Time.String()).
		Msg("appointment rescheduled")
	return out, nil
}
