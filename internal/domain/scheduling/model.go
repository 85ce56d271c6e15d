package scheduling

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/apperr"
)

// Professional is a clinician whose agenda can be booked.
type Professional struct {
	ID        uuid.UUID   `json:"id"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Specialty string      `json:"specialty"`
	Active    bool        `json:"active"`
	CentroIDs []uuid.UUID `json:"centro_ids,omitempty"`
}

func (p Professional) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Centro is a health centre; appointments and rosters are scoped to one.
type Centro struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// TimeSlot is a start time in minutes after midnight.
type TimeSlot int

func NewTimeSlot(hour, minute int) TimeSlot {
	return TimeSlot(hour*60 + minute)
}

// ParseTimeSlot accepts HH:MM and HH:MM:SS. Seconds, when present, must be
// zero.
func ParseTimeSlot(s string) (TimeSlot, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, apperr.Validation("invalid time %q, use HH:MM", s)
	}
	if len(parts[0]) < 1 || len(parts[0]) > 2 || len(parts[1]) != 2 || !digits(parts[0]) || !digits(parts[1]) {
		return 0, apperr.Validation("invalid time %q, use HH:MM", s)
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	if h > 23 || m > 59 {
		return 0, apperr.Validation("invalid time %q, use HH:MM", s)
	}
	if len(parts) == 3 && parts[2] != "00" {
		return 0, apperr.Validation("invalid time %q, seconds must be 00", s)
	}
	return NewTimeSlot(h, m), nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (t TimeSlot) Hour() int   { return int(t) / 60 }
func (t TimeSlot) Minute() int { return int(t) % 60 }

func (t TimeSlot) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeSlot) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeSlot) UnmarshalText(b []byte) error {
	v, err := ParseTimeSlot(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Date is a calendar day without a zone, held as midnight UTC.
type Date struct {
	t time.Time
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Date())
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, apperr.Validation("invalid date %q, use YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool       { return d.t.IsZero() }
func (d Date) Time() time.Time    { return d.t }
func (d Date) Before(o Date) bool { return d.t.Before(o.t) }
func (d Date) Equal(o Date) bool  { return d.t.Equal(o.t) }
func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(dateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Date{}
		return nil
	}
	v, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type ConsultationType string

const (
	ConsultationGeneral   ConsultationType = "consulta"
	ConsultationFollowUp  ConsultationType = "control"
	ConsultationProcedure ConsultationType = "procedimiento"
)

func (c ConsultationType) Valid() bool {
	switch c {
	case ConsultationGeneral, ConsultationFollowUp, ConsultationProcedure:
		return true
	}
	return false
}

// normalizeConsultationType defaults an empty type and rejects unknown ones.
func normalizeConsultationType(c ConsultationType) (ConsultationType, error) {
	if c == "" {
		return ConsultationGeneral, nil
	}
	c = ConsultationType(strings.ToLower(string(c)))
	if !c.Valid() {
		return "", apperr.Validation("consultation_type must be consulta, control or procedimiento")
	}
	return c, nil
}

// PatientRef is the part of a patient record a draft carries.
type PatientRef struct {
	ID          uuid.UUID `json:"id"`
	IdentityKey string    `json:"identity_key"`
	Name        string    `json:"name"`
}

// Draft is the booking being assembled by a workflow.
type Draft struct {
	Professional     *Professional    `json:"professional,omitempty"`
	CentroID         uuid.UUID        `json:"centro_id"`
	Date             Date             `json:"date"`
	Slot             *TimeSlot        `json:"slot,omitempty"`
	Patient          *PatientRef      `json:"patient,omitempty"`
	ConsultationType ConsultationType `json:"consultation_type,omitempty"`
	RecordNumber     *string          `json:"record_number,omitempty"`
	FolderNumber     *string          `json:"folder_number,omitempty"`
	// BookingID is the ID the appointment is stored under. It is fixed
	// before the first commit attempt and survives retries.
	BookingID        uuid.UUID        `json:"booking_id"`
}

// Clone returns a copy sharing no pointers with d.
func (d Draft) Clone() Draft {
	out := d
	if d.Professional != nil {
		p := *d.Professional
		p.CentroIDs = append([]uuid.UUID(nil), d.Professional.CentroIDs...)
		out.Professional = &p
	}
	if d.Slot != nil {
		s := *d.Slot
		out.Slot = &s
	}
	if d.Patient != nil {
		p := *d.Patient
		out.Patient = &p
	}
	out.RecordNumber = cloneString(d.RecordNumber)
	out.FolderNumber = cloneString(d.FolderNumber)
	return out
}

// Missing names the fields a commit still needs, in form order.
func (d Draft) Missing() []string {
	var missing []string
	if d.Professional == nil || d.Professional.ID == uuid.Nil {
		missing = append(missing, "professional")
	}
	if d.CentroID == uuid.Nil {
		missing = append(missing, "centro")
	}
	if d.Date.IsZero() {
		missing = append(missing, "date")
	}
	if d.Slot == nil {
		missing = append(missing, "slot")
	}
	if d.Patient == nil || d.Patient.ID == uuid.Nil {
		missing = append(missing, "patient")
	}
	return missing
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Appointment is a committed booking.
type Appointment struct {
	ID               uuid.UUID        `json:"id"`
	ProfessionalID   uuid.UUID        `json:"professional_id"`
	PatientID        uuid.UUID        `json:"patient_id"`
	CentroID         uuid.UUID        `json:"centro_id"`
	Date             Date             `json:"date"`
	Time             TimeSlot         `json:"time"`
	ConsultationType ConsultationType `json:"consultation_type"`
	RecordNumber     *string          `json:"record_number,omitempty"`
	FolderNumber     *string          `json:"folder_number,omitempty"`
	Status           Status           `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// DaySchedule is the open agenda of one professional on one day.
type DaySchedule struct {
	ProfessionalID uuid.UUID  `json:"professional_id"`
	CentroID       uuid.UUID  `json:"centro_id"`
	Date           Date       `json:"date"`
	Slots          []TimeSlot `json:"slots"`
}
