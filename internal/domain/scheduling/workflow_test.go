package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/pkg/apperr"
)

type failingAvailability struct{ err error }

func (f failingAvailability) Availability(ctx context.Context, professionalID, centroID uuid.UUID, date Date) (*DaySchedule, error) {
	return nil, f.err
}

type stubCommitter struct {
	calls int
	err   error
}

func (s *stubCommitter) Commit(ctx context.Context, d Draft) (*Appointment, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &Appointment{ID: uuid.New(), Status: StatusScheduled}, nil
}

// atSlot drives a new workflow up to patient binding at slot.
func atSlot(t *testing.T, f *fixture, deps Deps, slot TimeSlot) *Workflow {
	t.Helper()
	ctx := context.Background()
	w := NewWorkflow(deps, f.centro.ID)
	require.NoError(t, w.SelectProfessional(*f.prof))
	require.NoError(t, w.SelectDate(ctx, testDay))
	require.NoError(t, w.SelectSlot(slot))
	require.Equal(t, StateBindingPatient, w.State())
	return w
}

func TestWorkflow_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, NewTimeSlot(9, 0))
	f.book(t, NewTimeSlot(9, 30))

	w := NewWorkflow(f.deps(), f.centro.ID)
	assert.Equal(t, StateSelectingProfessional, w.State())

	require.NoError(t, w.SelectProfessional(*f.prof))
	assert.Equal(t, StateSelectingDate, w.State())

	require.NoError(t, w.SelectDate(ctx, testDay))
	assert.Equal(t, StateSelectingSlot, w.State())
	assert.Len(t, w.Slots(), 18)

	err := w.SelectSlot(NewTimeSlot(9, 0))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	assert.Equal(t, StateSelectingSlot, w.State())

	require.NoError(t, w.SelectSlot(NewTimeSlot(10, 0)))
	p, err := w.ResolvePatient(ctx, "12345678-9")
	require.NoError(t, err)
	assert.Equal(t, f.pat.ID, p.ID)
	require.NoError(t, w.SetDetails("procedimiento", nil, nil))

	a, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, w.State())
	assert.Equal(t, a, w.Appointment())
	assert.Equal(t, ConsultationProcedure, a.ConsultationType)
	assert.Nil(t, w.Draft().Professional, "draft is discarded after commit")
	assert.Equal(t, f.centro.ID, w.Draft().CentroID)

	booked, err := f.appointments.BookedSlots(ctx, f.prof.ID, testDay)
	require.NoError(t, err)
	assert.Contains(t, booked, NewTimeSlot(10, 0))
}

func TestWorkflow_CommitIncompleteSkipsCommitter(t *testing.T) {
	f := newFixture(t)
	stub := &stubCommitter{}
	deps := f.deps()
	deps.Committer = stub

	w := atSlot(t, f, deps, NewTimeSlot(8, 0))
	_, err := w.Commit(context.Background())
	assert.ErrorIs(t, err, ErrDraftIncomplete)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "patient")
	assert.Equal(t, 0, stub.calls)
	assert.Equal(t, StateBindingPatient, w.State())
}

func TestWorkflow_EventsOutOfOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorkflow(f.deps(), f.centro.ID)

	assert.ErrorIs(t, w.SelectSlot(NewTimeSlot(8, 0)), ErrInvalidTransition)
	assert.ErrorIs(t, w.SelectDate(ctx, testDay), ErrInvalidTransition)
	_, err := w.ResolvePatient(ctx, "12345678-9")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = w.Commit(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateSelectingProfessional, w.State())
}

func TestWorkflow_InactiveProfessional(t *testing.T) {
	f := newFixture(t)
	w := NewWorkflow(f.deps(), f.centro.ID)
	p := *f.prof
	p.Active = false
	err := w.SelectProfessional(p)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Equal(t, StateSelectingProfessional, w.State())
	assert.Nil(t, w.Draft().Professional)
}

func TestWorkflow_PastDateRejected(t *testing.T) {
	f := newFixture(t)
	w := NewWorkflow(f.deps(), f.centro.ID)
	require.NoError(t, w.SelectProfessional(*f.prof))

	err := w.SelectDate(context.Background(), NewDate(2026, 2, 27))
	assert.ErrorIs(t, err, ErrPastDate)
	assert.Equal(t, StateSelectingDate, w.State())
}

func TestWorkflow_ReselectInvalidatesSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorkflow(f.deps(), f.centro.ID)
	require.NoError(t, w.SelectProfessional(*f.prof))
	require.NoError(t, w.SelectDate(ctx, testDay))
	require.NotNil(t, w.Slots())

	require.NoError(t, w.SelectProfessional(*f.prof))
	assert.Equal(t, StateSelectingDate, w.State())
	assert.Nil(t, w.Slots())
	assert.True(t, w.Draft().Date.IsZero())

	require.NoError(t, w.SelectDate(ctx, testDay))
	f.book(t, NewTimeSlot(8, 0))
	require.NoError(t, w.SelectDate(ctx, testDay))
	assert.Len(t, w.Slots(), 19)
}

func TestWorkflow_AvailabilityFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	deps := f.deps()
	deps.Availability = failingAvailability{err: errors.New("connection refused")}
	w := NewWorkflow(deps, f.centro.ID)
	require.NoError(t, w.SelectProfessional(*f.prof))
	before := w.Snapshot()

	err := w.SelectDate(context.Background(), testDay)
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))
	assert.Equal(t, before, w.Snapshot())
}

func TestWorkflow_RefreshSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorkflow(f.deps(), f.centro.ID)
	require.NoError(t, w.SelectProfessional(*f.prof))
	require.NoError(t, w.SelectDate(ctx, testDay))
	assert.Len(t, w.Slots(), 20)

	f.book(t, NewTimeSlot(12, 0))
	require.NoError(t, w.RefreshSlots(ctx))
	assert.Len(t, w.Slots(), 19)
	assert.ErrorIs(t, w.SelectSlot(NewTimeSlot(12, 0)), ErrSlotUnavailable)
}

func TestWorkflow_ChangePatient(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(8, 30))
	_, err := w.ResolvePatient(context.Background(), "12.345.678-9")
	require.NoError(t, err)
	require.NoError(t, w.SetDetails("", strPtr("F-1"), nil))

	require.NoError(t, w.ChangePatient())
	d := w.Draft()
	assert.Nil(t, d.Patient)
	assert.NotNil(t, d.Professional)
	assert.Equal(t, NewTimeSlot(8, 30), *d.Slot)
	assert.Equal(t, "F-1", *d.RecordNumber)
}

func TestWorkflow_CreationRequiresFailedLookup(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(8, 0))

	_, err := w.RequestPatientCreation()
	assert.ErrorIs(t, err, ErrLookupRequired)

	_, err = w.ResolvePatient(context.Background(), "12.345.678-9")
	require.NoError(t, err)
	_, err = w.RequestPatientCreation()
	assert.ErrorIs(t, err, ErrLookupRequired, "a hit clears the miss")
}

func TestWorkflow_SuspendResumeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := atSlot(t, f, f.deps(), NewTimeSlot(14, 30))
	require.NoError(t, w.SetDetails("control", strPtr("F-9"), strPtr("C-3")))

	_, err := w.ResolvePatient(ctx, "9.876.543-2")
	require.ErrorIs(t, err, patient.ErrPatientNotFound)
	assert.Equal(t, "98765432", w.UnmatchedIdentity())

	before := w.Draft()
	sus, err := w.RequestPatientCreation()
	require.NoError(t, err)
	assert.Equal(t, StateCreatingPatient, w.State())
	assert.Equal(t, "98765432", sus.IdentityKey)
	assert.Equal(t, before, sus.Draft)

	// Other events are refused while away.
	assert.ErrorIs(t, w.SelectSlot(NewTimeSlot(8, 0)), ErrInvalidTransition)

	created, err := f.patients.Create(ctx, patient.CreateInput{RUT: "9.876.543-2", FirstName: "Pedro", LastName: "Muñoz"})
	require.NoError(t, err)

	forged := sus
	forged.Token = uuid.New()
	assert.ErrorIs(t, w.ResumeWithPatient(forged, created), ErrSuspensionMismatch)

	require.NoError(t, w.ResumeWithPatient(sus, created))
	assert.Equal(t, StateBindingPatient, w.State())

	after := w.Draft()
	require.NotNil(t, after.Patient)
	assert.Equal(t, created.ID, after.Patient.ID)
	assert.Equal(t, before.Professional, after.Professional)
	assert.True(t, before.Date.Equal(after.Date))
	assert.Equal(t, *before.Slot, *after.Slot)
	assert.Equal(t, ConsultationFollowUp, after.ConsultationType)
	assert.Equal(t, "C-3", *after.FolderNumber)

	a, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, a.PatientID)
	assert.Equal(t, NewTimeSlot(14, 30), a.Time)
}

func TestWorkflow_SuspensionIsAValue(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(8, 0))
	_, _ = w.ResolvePatient(context.Background(), "11.111.111-1")
	sus, err := w.RequestPatientCreation()
	require.NoError(t, err)

	*sus.Draft.Slot = NewTimeSlot(17, 0)
	kept, ok := w.Suspension()
	require.True(t, ok)
	assert.Equal(t, NewTimeSlot(8, 0), *kept.Draft.Slot)
}

func TestWorkflow_CancelSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := atSlot(t, f, f.deps(), NewTimeSlot(8, 0))
	_, err := w.ResolvePatient(ctx, "12.345.678-9")
	require.NoError(t, err)

	w.Cancel(StateBindingPatient)
	assert.Equal(t, StateSelectingSlot, w.State())
	assert.Nil(t, w.Draft().Slot)
	assert.NotNil(t, w.Draft().Patient, "patient survives going back to slot selection")

	w.Cancel(StateSelectingSlot)
	assert.Equal(t, StateSelectingDate, w.State())
	assert.True(t, w.Draft().Date.IsZero())
	assert.Nil(t, w.Slots())

	w.Cancel(StateSelectingDate)
	assert.Equal(t, StateSelectingProfessional, w.State())
	assert.Nil(t, w.Draft().Professional)

	w.Cancel(StateSelectingProfessional)
	assert.Equal(t, StateSelectingProfessional, w.State())
	assert.Equal(t, Draft{CentroID: f.centro.ID}, w.Draft())
}

func TestWorkflow_CancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(8, 0))

	w.Cancel(StateBindingPatient)
	once := w.Snapshot()
	w.Cancel(StateBindingPatient)
	assert.Equal(t, once, w.Snapshot())
	assert.Equal(t, StateSelectingSlot, w.State())
}

func TestWorkflow_CancelCreationRestoresDraft(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(16, 0))
	_, _ = w.ResolvePatient(context.Background(), "11.111.111-1")
	before := w.Draft()
	_, err := w.RequestPatientCreation()
	require.NoError(t, err)

	w.Cancel(StateCreatingPatient)
	assert.Equal(t, StateBindingPatient, w.State())
	assert.Equal(t, before, w.Draft())
	_, ok := w.Suspension()
	assert.False(t, ok)
}

func TestWorkflow_CommitConflictReturnsToSlotSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := atSlot(t, f, f.deps(), NewTimeSlot(11, 30))
	_, err := w.ResolvePatient(ctx, "12.345.678-9")
	require.NoError(t, err)

	// Another session takes the slot first.
	f.book(t, NewTimeSlot(11, 30))

	_, err = w.Commit(ctx)
	require.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, StateSelectingSlot, w.State())
	d := w.Draft()
	assert.Nil(t, d.Slot)
	assert.NotNil(t, d.Patient)
	assert.Equal(t, uuid.Nil, d.BookingID)
	assert.Len(t, w.Slots(), 19)
	assert.NotContains(t, w.Slots(), NewTimeSlot(11, 30))

	require.NoError(t, w.SelectSlot(NewTimeSlot(12, 0)))
	_, err = w.Commit(ctx)
	require.NoError(t, err)
}

func TestWorkflow_CommitTransientKeepsDraft(t *testing.T) {
	f := newFixture(t)
	stub := &stubCommitter{err: errors.New("i/o timeout")}
	deps := f.deps()
	deps.Committer = stub
	w := atSlot(t, f, deps, NewTimeSlot(8, 0))
	_, err := w.ResolvePatient(context.Background(), "12.345.678-9")
	require.NoError(t, err)
	require.NoError(t, w.PrepareCommit())
	before := w.Snapshot()
	require.NotEqual(t, uuid.Nil, before.Draft.BookingID)

	_, err = w.Commit(context.Background())
	assert.True(t, apperr.IsKind(err, apperr.KindTransient))
	assert.Equal(t, before, w.Snapshot())
	assert.Equal(t, 1, stub.calls)
}

func TestWorkflow_BookingIDFollowsTheDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := atSlot(t, f, f.deps(), NewTimeSlot(9, 0))

	assert.ErrorIs(t, w.PrepareCommit(), ErrDraftIncomplete, "no patient yet")
	_, err := w.ResolvePatient(ctx, "12.345.678-9")
	require.NoError(t, err)

	require.NoError(t, w.PrepareCommit())
	id := w.Draft().BookingID
	require.NotEqual(t, uuid.Nil, id)
	require.NoError(t, w.PrepareCommit())
	assert.Equal(t, id, w.Draft().BookingID, "a repeated prepare keeps the ID")

	// Rebinding the same patient keeps it, another slot does not.
	_, err = w.ResolvePatient(ctx, "12.345.678-9")
	require.NoError(t, err)
	assert.Equal(t, id, w.Draft().BookingID)

	w.Cancel(StateBindingPatient)
	assert.Equal(t, uuid.Nil, w.Draft().BookingID)
	require.NoError(t, w.SelectSlot(NewTimeSlot(9, 30)))
	require.NoError(t, w.ChangePatient())
	_, err = w.ResolvePatient(ctx, "12.345.678-9")
	require.NoError(t, err)
	require.NoError(t, w.PrepareCommit())
	assert.NotEqual(t, id, w.Draft().BookingID)

	a, err := w.Commit(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, uuid.Nil, w.Draft().BookingID)
}

func TestWorkflow_SnapshotRestore(t *testing.T) {
	f := newFixture(t)
	w := atSlot(t, f, f.deps(), NewTimeSlot(13, 0))
	_, _ = w.ResolvePatient(context.Background(), "11.111.111-1")
	_, err := w.RequestPatientCreation()
	require.NoError(t, err)

	raw, err := json.Marshal(w.Snapshot())
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored, err := RestoreWorkflow(f.deps(), snap)
	require.NoError(t, err)
	assert.Equal(t, w.State(), restored.State())
	assert.Equal(t, w.Slots(), restored.Slots())
	orig, _ := w.Suspension()
	got, ok := restored.Suspension()
	require.True(t, ok)
	assert.Equal(t, orig.Token, got.Token)
	assert.Equal(t, *orig.Draft.Slot, *got.Draft.Slot)
	assert.True(t, orig.Draft.Date.Equal(got.Draft.Date))

	_, err = RestoreWorkflow(f.deps(), Snapshot{State: "bogus"})
	assert.Error(t, err)
	_, err = RestoreWorkflow(f.deps(), Snapshot{State: StateCreatingPatient})
	assert.Error(t, err)
}

func strPtr(s string) *string { return &s }
