package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/pkg/apperr"
)

var (
	ErrDraftIncomplete = apperr.Validation("booking is incomplete")
	ErrPastDate        = apperr.Validation("date is in the past")
	ErrOffGrid         = apperr.Validation("time is not a bookable slot")
)

// Committer turns a complete draft into an appointment. The storage layer
// decides races: of two commits for the same professional, date and time
// exactly one succeeds and the other gets ErrSlotConflict.
type Committer struct {
	appointments AppointmentRepository
	logger       zerolog.Logger
	now          func() time.Time
	loc          *time.Location
}

func NewCommitter(appointments AppointmentRepository, loc *time.Location, logger zerolog.Logger) *Committer {
	if loc == nil {
		loc = time.UTC
	}
	return &Committer{
		appointments: appointments,
		logger:       logger.With().Str("component", "booking_committer").Logger(),
		now:          time.Now,
		loc:          loc,
	}
}

func (c *Committer) today() Date {
	return DateOf(c.now().In(c.loc))
}

// checkDraft validates d without touching storage and returns the
// normalized consultation type.
func checkDraft(d Draft, today Date) (ConsultationType, error) {
	if missing := d.Missing(); len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrDraftIncomplete, strings.Join(missing, ", "))
	}
	if !OnGrid(*d.Slot) {
		return "", fmt.Errorf("%w: %s", ErrOffGrid, *d.Slot)
	}
	if d.Date.Before(today) {
		return "", fmt.Errorf("%w: %s", ErrPastDate, d.Date)
	}
	if !d.Professional.Active {
		return "", apperr.Validation("professional %s is not active", d.Professional.FullName())
	}
	return normalizeConsultationType(d.ConsultationType)
}

func (c *Committer) Commit(ctx context.Context, d Draft) (*Appointment, error) {
	ct, err := checkDraft(d, c.today())
	if err != nil {
		return nil, err
	}

	if d.BookingID != uuid.Nil {
		prev, err := c.appointments.GetByID(ctx, d.BookingID)
		switch {
		case err == nil && prev.holds(d):
			c.logger.Info().
				Str("appointment_id", prev.ID.String()).
				Msg("commit retried, appointment already booked")
			return prev, nil
		case err == nil:
			// The earlier booking was cancelled or moved since; book afresh.
			d.BookingID = uuid.Nil
		case !errors.Is(err, ErrAppointmentNotFound):
			return nil, apperr.AsTransient("booking could not be saved", err)
		}
	}

	a := &Appointment{
		ID:               d.BookingID,
		ProfessionalID:   d.Professional.ID,
		PatientID:        d.Patient.ID,
		CentroID:         d.CentroID,
		Date:             d.Date,
		Time:             *d.Slot,
		ConsultationType: ct,
		RecordNumber:     cloneString(d.RecordNumber),
		FolderNumber:     cloneString(d.FolderNumber),
		Status:           StatusScheduled,
	}

	if err := c.appointments.Create(ctx, a); err != nil {
		if errors.Is(err, ErrSlotConflict) {
			c.logger.Warn().
				Str("professional_id", a.ProfessionalID.String()).
				Str("date", a.Date.String()).
				Str("time", a.Time.String()).
				Msg("slot taken by a concurrent booking")
			return nil, ErrSlotConflict
		}
		return nil, apperr.AsTransient("booking could not be saved", err)
	}

	c.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("professional_id", a.ProfessionalID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("date", a.Date.String()).
		Str("time", a.Time.String()).
		Msg("appointment booked")
	return a, nil
}

// holds reports whether a is the live booking of d's slot and patient.
func (a *Appointment) holds(d Draft) bool {
	return a.Status == StatusScheduled &&
		a.ProfessionalID == d.Professional.ID &&
		a.PatientID == d.Patient.ID &&
		a.Date.Equal(d.Date) &&
		a.Time == *d.Slot
}
