package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/patient"
)

// Tests run on Monday 2 March 2026 and book the following Tuesday.
var (
	testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	testDay = NewDate(2026, 3, 10)
)

func fixedNow() time.Time { return testNow }

type fixture struct {
	roster       RosterRepository
	appointments AppointmentRepository
	patients     *patient.Resolver
	committer    *Committer
	svc          *Service
	centro       *Centro
	prof         *Professional
	pat          *patient.Patient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		roster:       NewMemoryRosterRepo(),
		appointments: NewMemoryAppointmentRepo(),
		patients:     patient.NewResolver(patient.NewMemoryRepo(), zerolog.Nop()),
	}
	f.committer = NewCommitter(f.appointments, time.UTC, zerolog.Nop())
	f.committer.now = fixedNow
	f.svc = NewService(ServiceConfig{
		Roster:       f.roster,
		Appointments: f.appointments,
		Patients:     f.patients,
		Committer:    f.committer,
		Logger:       zerolog.Nop(),
	})
	f.svc.now = fixedNow

	f.centro = &Centro{Name: "CESFAM Norte"}
	if err := f.roster.CreateCentro(ctx, f.centro); err != nil {
		t.Fatalf("create centro: %v", err)
	}
	f.prof = &Professional{
		FirstName: "Camila",
		LastName:  "Soto",
		Specialty: "Medicina General",
		Active:    true,
		CentroIDs: []uuid.UUID{f.centro.ID},
	}
	if err := f.roster.CreateProfessional(ctx, f.prof); err != nil {
		t.Fatalf("create professional: %v", err)
	}
	pat, err := f.patients.Create(ctx, patient.CreateInput{RUT: "12.345.678-9", FirstName: "Ana", LastName: "Rojas"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	f.pat = pat
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Availability: f.svc,
		Patients:     f.patients,
		Committer:    f.committer,
		Now:          fixedNow,
		Location:     time.UTC,
	}
}

// draft returns a complete draft for slot.
func (f *fixture) draft(slot TimeSlot) Draft {
	return Draft{
		Professional: f.prof,
		CentroID:     f.centro.ID,
		Date:         testDay,
		Slot:         &slot,
		Patient:      &PatientRef{ID: f.pat.ID, IdentityKey: f.pat.IdentityKey, Name: f.pat.FullName()},
	}
}

func (f *fixture) book(t *testing.T, slot TimeSlot) *Appointment {
	t.Helper()
	a, err := f.committer.Commit(context.Background(), f.draft(slot))
	if err != nil {
		t.Fatalf("book %s: %v", slot, err)
	}
	return a
}
