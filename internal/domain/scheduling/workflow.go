package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/apperr"
)

// State is the step a scheduling workflow is at.
type State string

const (
	StateSelectingProfessional State = "selecting_professional"
	StateSelectingDate         State = "selecting_date"
	StateSelectingSlot         State = "selecting_slot"
	StateBindingPatient        State = "binding_patient"
	StateCreatingPatient       State = "creating_patient"
	StateCommitted             State = "committed"
)

func (s State) valid() bool {
	switch s {
	case StateSelectingProfessional, StateSelectingDate, StateSelectingSlot,
		StateBindingPatient, StateCreatingPatient, StateCommitted:
		return true
	}
	return false
}

var (
	ErrInvalidTransition  = apperr.Validation("action not allowed at this step")
	ErrSlotUnavailable    = apperr.Validation("slot is not available")
	ErrLookupRequired     = apperr.Validation("look the patient up before registering a new one")
	ErrSuspensionMismatch = apperr.Validation("suspension does not belong to this booking")
)

// PatientDirectory is the patient lookup the workflow binds patients with.
type PatientDirectory interface {
	FindByIdentity(ctx context.Context, raw string) (*patient.Patient, error)
}

// BookingCommitter turns a complete draft into an appointment.
type BookingCommitter interface {
	Commit(ctx context.Context, d Draft) (*Appointment, error)
}

// Deps are the collaborators of a Workflow.
type Deps struct {
	Availability AvailabilityProvider
	Patients     PatientDirectory
	Committer    BookingCommitter
	Now          func() time.Time
	// Location is where "today" is evaluated when rejecting past dates.
	Location *time.Location
}

func (d Deps) today() Date {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return DateOf(now().In(loc))
}

// Suspension is handed out when the workflow leaves for patient
// registration. It carries everything needed to come back, and must be
// presented unchanged to ResumeWithPatient.
type Suspension struct {
	Token       uuid.UUID `json:"token"`
	Draft       Draft     `json:"draft"`
	IdentityKey string    `json:"identity_key"`
}

// Workflow assembles one booking: professional, date, slot, patient, then
// commit. It belongs to a single session and is not safe for concurrent
// use. Failed steps leave state and draft as they were unless documented
// otherwise.
type Workflow struct {
	deps        Deps
	state       State
	draft       Draft
	slots       []TimeSlot
	lastMiss    string
	suspension  *Suspension
	appointment *Appointment
}

// NewWorkflow starts a booking at centroID.
func NewWorkflow(deps Deps, centroID uuid.UUID) *Workflow {
	return &Workflow{
		deps:  deps,
		state: StateSelectingProfessional,
		draft: Draft{CentroID: centroID},
	}
}

func (w *Workflow) State() State { return w.state }

// Draft returns a copy of the booking assembled so far.
func (w *Workflow) Draft() Draft { return w.draft.Clone() }

// Slots returns the open slots last resolved for the selected date, or nil
// when none have been resolved since the last professional or date change.
func (w *Workflow) Slots() []TimeSlot {
	if w.slots == nil {
		return nil
	}
	return append([]TimeSlot{}, w.slots...)
}

// Appointment is the booking created by a successful commit.
func (w *Workflow) Appointment() *Appointment { return w.appointment }

// UnmatchedIdentity is the identity key of the last lookup that found no
// patient; registering a new patient is offered only after such a miss.
func (w *Workflow) UnmatchedIdentity() string { return w.lastMiss }

func (w *Workflow) require(states ...State) error {
	for _, s := range states {
		if w.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: current step is %s", ErrInvalidTransition, w.state)
}

// SelectProfessional picks whose agenda to book. Picking again before the
// patient step discards the chosen date and slots.
func (w *Workflow) SelectProfessional(p Professional) error {
	if err := w.require(StateSelectingProfessional, StateSelectingDate, StateSelectingSlot); err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		return apperr.Validation("professional is required")
	}
	if !p.Active {
		return apperr.Validation("professional %s is not active", p.FullName())
	}
	w.draft.Professional = &p
	w.draft.Professional.CentroIDs = append([]uuid.UUID(nil), p.CentroIDs...)
	w.draft.Date = Date{}
	w.draft.Slot = nil
	w.slots = nil
	w.state = StateSelectingDate
	return nil
}

func (w *Workflow) resolve(ctx context.Context, date Date) ([]TimeSlot, error) {
	sched, err := w.deps.Availability.Availability(ctx, w.draft.Professional.ID, w.draft.CentroID, date)
	if err != nil {
		return nil, apperr.AsTransient("availability could not be loaded", err)
	}
	if sched.Slots == nil {
		return []TimeSlot{}, nil
	}
	return append([]TimeSlot{}, sched.Slots...), nil
}

// SelectDate loads the open slots of date. On failure nothing changes.
func (w *Workflow) SelectDate(ctx context.Context, date Date) error {
	if err := w.require(StateSelectingDate, StateSelectingSlot); err != nil {
		return err
	}
	if date.IsZero() {
		return apperr.Validation("date is required")
	}
	if date.Before(w.deps.today()) {
		return fmt.Errorf("%w: %s", ErrPastDate, date)
	}
	slots, err := w.resolve(ctx, date)
	if err != nil {
		return err
	}
	w.draft.Date = date
	w.draft.Slot = nil
	w.slots = slots
	w.state = StateSelectingSlot
	return nil
}

// RefreshSlots re-reads availability for the selected date.
func (w *Workflow) RefreshSlots(ctx context.Context) error {
	if err := w.require(StateSelectingSlot); err != nil {
		return err
	}
	slots, err := w.resolve(ctx, w.draft.Date)
	if err != nil {
		return err
	}
	w.slots = slots
	return nil
}

func (w *Workflow) SelectSlot(t TimeSlot) error {
	if err := w.require(StateSelectingSlot); err != nil {
		return err
	}
	found := false
	for _, s := range w.slots {
		if s == t {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSlotUnavailable, t)
	}
	w.draft.Slot = &t
	w.state = StateBindingPatient
	return nil
}

// ResolvePatient looks a patient up by national identifier and binds them
// on a hit. A miss returns patient.ErrPatientNotFound and is remembered so
// registration can be offered.
func (w *Workflow) ResolvePatient(ctx context.Context, raw string) (*patient.Patient, error) {
	if err := w.require(StateBindingPatient); err != nil {
		return nil, err
	}
	p, err := w.deps.Patients.FindByIdentity(ctx, raw)
	if err != nil {
		if errors.Is(err, patient.ErrPatientNotFound) {
			w.lastMiss = patient.NormalizeIdentity(raw)
		}
		return nil, err
	}
	w.bind(p)
	return p, nil
}

func (w *Workflow) bind(p *patient.Patient) {
	if w.draft.Patient == nil || w.draft.Patient.ID != p.ID {
		w.draft.BookingID = uuid.Nil
	}
	w.draft.Patient = &PatientRef{ID: p.ID, IdentityKey: p.IdentityKey, Name: p.FullName()}
	w.lastMiss = ""
}

// ChangePatient unbinds the patient and keeps everything else.
func (w *Workflow) ChangePatient() error {
	if err := w.require(StateBindingPatient); err != nil {
		return err
	}
	w.draft.Patient = nil
	w.draft.BookingID = uuid.Nil
	return nil
}

func (w *Workflow) SetDetails(ct ConsultationType, recordNumber, folderNumber *string) error {
	if err := w.require(StateBindingPatient); err != nil {
		return err
	}
	ct, err := normalizeConsultationType(ct)
	if err != nil {
		return err
	}
	w.draft.ConsultationType = ct
	w.draft.RecordNumber = cloneString(recordNumber)
	w.draft.FolderNumber = cloneString(folderNumber)
	return nil
}

// RequestPatientCreation leaves for patient registration. It is only
// allowed right after a lookup that found nobody.
func (w *Workflow) RequestPatientCreation() (Suspension, error) {
	if err := w.require(StateBindingPatient); err != nil {
		return Suspension{}, err
	}
	if w.lastMiss == "" {
		return Suspension{}, ErrLookupRequired
	}
	s := Suspension{Token: uuid.New(), Draft: w.draft.Clone(), IdentityKey: w.lastMiss}
	kept := s
	kept.Draft = s.Draft.Clone()
	w.suspension = &kept
	w.state = StateCreatingPatient
	return s, nil
}

// ResumeWithPatient returns from registration with the new patient bound
// and the professional, date and slot of the suspension restored.
func (w *Workflow) ResumeWithPatient(s Suspension, p *patient.Patient) error {
	if err := w.require(StateCreatingPatient); err != nil {
		return err
	}
	if w.suspension == nil || s.Token != w.suspension.Token {
		return ErrSuspensionMismatch
	}
	if p == nil || p.ID == uuid.Nil {
		return apperr.Validation("registered patient has no id")
	}
	w.draft = s.Draft.Clone()
	w.bind(p)
	w.suspension = nil
	w.state = StateBindingPatient
	return nil
}

// Suspension returns the outstanding suspension while registering a
// patient.
func (w *Workflow) Suspension() (Suspension, bool) {
	if w.suspension == nil {
		return Suspension{}, false
	}
	s := *w.suspension
	s.Draft = s.Draft.Clone()
	return s, true
}

// PrepareCommit checks that the draft can be committed and fixes the ID
// the appointment will be stored under. Callers that persist the workflow
// store it after PrepareCommit so a retry reuses the same ID.
func (w *Workflow) PrepareCommit() error {
	if err := w.require(StateBindingPatient); err != nil {
		return err
	}
	if missing := w.draft.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrDraftIncomplete, strings.Join(missing, ", "))
	}
	if w.draft.BookingID == uuid.Nil {
		w.draft.BookingID = uuid.New()
	}
	return nil
}

// Commit books the draft. An incomplete draft fails before the committer
// is called. When the slot was taken meanwhile the slot is cleared, the
// day is resolved again and the workflow goes back to slot selection;
// ErrSlotConflict is still returned.
func (w *Workflow) Commit(ctx context.Context) (*Appointment, error) {
	if err := w.PrepareCommit(); err != nil {
		return nil, err
	}

	a, err := w.deps.Committer.Commit(ctx, w.draft.Clone())
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			w.draft.Slot = nil
			w.draft.BookingID = uuid.Nil
			w.state = StateSelectingSlot
			w.slots = nil
			if slots, rerr := w.resolve(ctx, w.draft.Date); rerr == nil {
				w.slots = slots
			}
			return nil, err
		}
		return nil, apperr.AsTransient("booking could not be saved", err)
	}

	w.appointment = a
	w.draft = Draft{CentroID: w.draft.CentroID}
	w.slots = nil
	w.lastMiss = ""
	w.state = StateCommitted
	return a, nil
}

// Cancel undoes the step named by from and moves one step back. It does
// nothing when the workflow is no longer at from, so repeating a cancel is
// harmless.
func (w *Workflow) Cancel(from State) {
	if w.state != from {
		return
	}
	switch from {
	case StateSelectingProfessional:
		w.draft = Draft{CentroID: w.draft.CentroID}
		w.slots = nil
		w.lastMiss = ""
	case StateSelectingDate:
		w.draft.Professional = nil
		w.draft.Date = Date{}
		w.slots = nil
		w.state = StateSelectingProfessional
	case StateSelectingSlot:
		w.draft.Date = Date{}
		w.draft.Slot = nil
		w.slots = nil
		w.state = StateSelectingDate
	case StateBindingPatient:
		w.draft.Slot = nil
		w.draft.BookingID = uuid.Nil
		w.lastMiss = ""
		w.state = StateSelectingSlot
	case StateCreatingPatient:
		if w.suspension != nil {
			w.draft = w.suspension.Draft.Clone()
		}
		w.suspension = nil
		w.state = StateBindingPatient
	}
}

// Snapshot is the serializable form of a Workflow.
type Snapshot struct {
	State       State        `json:"state"`
	Draft       Draft        `json:"draft"`
	Slots       []TimeSlot   `json:"slots"`
	LastMiss    string       `json:"last_miss,omitempty"`
	Suspension  *Suspension  `json:"suspension,omitempty"`
	Appointment *Appointment `json:"appointment,omitempty"`
}

func (w *Workflow) Snapshot() Snapshot {
	s := Snapshot{
		State:       w.state,
		Draft:       w.draft.Clone(),
		Slots:       w.Slots(),
		LastMiss:    w.lastMiss,
		Appointment: w.appointment,
	}
	if sus, ok := w.Suspension(); ok {
		s.Suspension = &sus
	}
	return s
}

// RestoreWorkflow rebuilds a Workflow from a snapshot.
func RestoreWorkflow(deps Deps, s Snapshot) (*Workflow, error) {
	if !s.State.valid() {
		return nil, fmt.Errorf("restore workflow: unknown state %q", s.State)
	}
	if s.State == StateCreatingPatient && s.Suspension == nil {
		return nil, fmt.Errorf("restore workflow: %s without suspension", s.State)
	}
	w := &Workflow{
		deps:        deps,
		state:       s.State,
		draft:       s.Draft.Clone(),
		lastMiss:    s.LastMiss,
		appointment: s.Appointment,
	}
	if s.Slots != nil {
		w.slots = append([]TimeSlot{}, s.Slots...)
	}
	if s.Suspension != nil {
		sus := *s.Suspension
		sus.Draft = sus.Draft.Clone()
		w.suspension = &sus
	}
	return w, nil
}
