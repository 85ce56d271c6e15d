package scheduling

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/apperr"
)

func TestGrid(t *testing.T) {
	g := Grid()
	if len(g) != 20 {
		t.Fatalf("expected 20 slots, got %d", len(g))
	}
	if g[0].String() != "08:00" || g[len(g)-1].String() != "17:30" {
		t.Errorf("grid spans %s..%s", g[0], g[len(g)-1])
	}
	for i := 1; i < len(g); i++ {
		if g[i]-g[i-1] != SlotLength {
			t.Errorf("gap between %s and %s", g[i-1], g[i])
		}
	}
}

func TestOnGrid(t *testing.T) {
	tests := []struct {
		slot TimeSlot
		want bool
	}{
		{NewTimeSlot(8, 0), true},
		{NewTimeSlot(17, 30), true},
		{NewTimeSlot(18, 0), false},
		{NewTimeSlot(7, 30), false},
		{NewTimeSlot(9, 15), false},
	}
	for _, tt := range tests {
		if got := OnGrid(tt.slot); got != tt.want {
			t.Errorf("OnGrid(%s) = %v, want %v", tt.slot, got, tt.want)
		}
	}
}

func TestResolve_TwoBooked(t *testing.T) {
	free := Resolve([]TimeSlot{NewTimeSlot(9, 30), NewTimeSlot(9, 0)})
	if len(free) != 18 {
		t.Fatalf("expected 18 free slots, got %d", len(free))
	}
	for _, s := range free {
		if s == NewTimeSlot(9, 0) || s == NewTimeSlot(9, 30) {
			t.Errorf("booked slot %s offered", s)
		}
	}
}

func TestResolve_SubsetOfGrid(t *testing.T) {
	booked := []TimeSlot{NewTimeSlot(8, 0), NewTimeSlot(12, 30), NewTimeSlot(17, 30), NewTimeSlot(19, 0)}
	free := Resolve(booked)

	onGrid := make(map[TimeSlot]bool)
	for _, g := range Grid() {
		onGrid[g] = true
	}
	isBooked := make(map[TimeSlot]bool)
	for _, b := range booked {
		isBooked[b] = true
	}
	seen := make(map[TimeSlot]bool)
	for i, s := range free {
		if !onGrid[s] {
			t.Errorf("%s is not on the grid", s)
		}
		if isBooked[s] {
			t.Errorf("%s is booked", s)
		}
		if i > 0 && free[i-1] >= s {
			t.Errorf("slots out of order at %d", i)
		}
		seen[s] = true
	}
	for _, g := range Grid() {
		if !isBooked[g] && !seen[g] {
			t.Errorf("free slot %s missing", g)
		}
	}
}

func TestResolve_FullyBooked(t *testing.T) {
	free := Resolve(Grid())
	if free == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(free) != 0 {
		t.Errorf("expected no slots, got %v", free)
	}
}

func TestService_Availability(t *testing.T) {
	f := newFixture(t)
	f.book(t, NewTimeSlot(9, 0))
	f.book(t, NewTimeSlot(9, 30))

	sched, err := f.svc.Availability(context.Background(), f.prof.ID, f.centro.ID, testDay)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.Slots) != 18 {
		t.Errorf("expected 18 slots, got %d", len(sched.Slots))
	}
	if !sched.Date.Equal(testDay) || sched.ProfessionalID != f.prof.ID {
		t.Errorf("unexpected schedule header: %+v", sched)
	}

	other, err := f.svc.Availability(context.Background(), f.prof.ID, f.centro.ID, testDay.AddDays(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other.Slots) != 20 {
		t.Errorf("expected a free day, got %d slots", len(other.Slots))
	}
}

func TestService_Availability_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Availability(ctx, uuid.New(), f.centro.ID, testDay)
	if !errors.Is(err, ErrProfessionalNotFound) {
		t.Errorf("expected ErrProfessionalNotFound, got %v", err)
	}
	_, err = f.svc.Availability(ctx, f.prof.ID, uuid.New(), testDay)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for foreign centro, got %v", err)
	}
	_, err = f.svc.Availability(ctx, f.prof.ID, f.centro.ID, Date{})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error for missing date, got %v", err)
	}
}
