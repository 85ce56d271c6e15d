package scheduling

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// The bookable day runs from 08:00 to 18:00 in half-hour slots.
const (
	DayStart   TimeSlot = 8 * 60
	DayEnd     TimeSlot = 18 * 60
	SlotLength          = 30
)

// Grid returns every slot of a working day in order.
func Grid() []TimeSlot {
	slots := make([]TimeSlot, 0, int(DayEnd-DayStart)/SlotLength)
	for t := DayStart; t < DayEnd; t += SlotLength {
		slots = append(slots, t)
	}
	return slots
}

// OnGrid reports whether t is one of the slots returned by Grid.
func OnGrid(t TimeSlot) bool {
	return t >= DayStart && t < DayEnd && int(t-DayStart)%SlotLength == 0
}

// Resolve returns the grid minus booked, in chronological order. The result
// is never nil.
func Resolve(booked []TimeSlot) []TimeSlot {
	taken := make(map[TimeSlot]bool, len(booked))
	for _, b := range booked {
		taken[b] = true
	}
	free := make([]TimeSlot, 0, len(Grid()))
	for _, t := range Grid() {
		if !taken[t] {
			free = append(free, t)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	return free
}

// AvailabilityProvider answers which slots of a professional's day are
// still open. The answer is advisory; uniqueness is enforced on commit.
type AvailabilityProvider interface {
	Availability(ctx context.Context, professionalID, centroID uuid.UUID, date Date) (*DaySchedule, error)
}
