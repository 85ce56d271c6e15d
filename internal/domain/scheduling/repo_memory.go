package scheduling

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/pagination"
)

type rosterMemory struct {
	mu            sync.RWMutex
	centros       map[uuid.UUID]*Centro
	professionals map[uuid.UUID]*Professional
}

func NewMemoryRosterRepo() RosterRepository {
	return &rosterMemory{
		centros:       make(map[uuid.UUID]*Centro),
		professionals: make(map[uuid.UUID]*Professional),
	}
}

func (r *rosterMemory) CreateCentro(ctx context.Context, c *Centro) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	cp := *c
	r.centros[c.ID] = &cp
	return nil
}

func (r *rosterMemory) ListCentros(ctx context.Context) ([]*Centro, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Centro, 0, len(r.centros))
	for _, c := range r.centros {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return idLess(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (r *rosterMemory) CreateProfessional(ctx context.Context, p *Professional) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cid := range p.CentroIDs {
		if _, ok := r.centros[cid]; !ok {
			return ErrUnknownReference
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	cp.CentroIDs = append([]uuid.UUID(nil), p.CentroIDs...)
	r.professionals[p.ID] = &cp
	return nil
}

func (r *rosterMemory) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.professionals[id]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	cp := *p
	cp.CentroIDs = append([]uuid.UUID(nil), p.CentroIDs...)
	return &cp, nil
}

func (r *rosterMemory) ListProfessionals(ctx context.Context, f ProfessionalFilter) ([]*Professional, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Professional
	for _, p := range r.professionals {
		if !f.IncludeInactive && !p.Active {
			continue
		}
		if f.Specialty != "" && !strings.EqualFold(p.Specialty, f.Specialty) {
			continue
		}
		if f.CentroID != nil && !containsID(p.CentroIDs, *f.CentroID) {
			continue
		}
		cp := *p
		cp.CentroIDs = append([]uuid.UUID(nil), p.CentroIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		if out[i].FirstName != out[j].FirstName {
			return out[i].FirstName < out[j].FirstName
		}
		return idLess(out[i].ID, out[j].ID)
	})
	return out, nil
}

func (r *rosterMemory) Specialties(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.professionals {
		if p.Active && p.Specialty != "" && !seen[p.Specialty] {
			seen[p.Specialty] = true
			out = append(out, p.Specialty)
		}
	}
	sort.Strings(out)
	return out, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type slotKey struct {
	professionalID uuid.UUID
	date           Date
	time           TimeSlot
}

func keyOf(a *Appointment) slotKey {
	return slotKey{professionalID: a.ProfessionalID, date: a.Date, time: a.Time}
}

// appointmentMemory enforces slot uniqueness with an index of live
// appointments maintained under the same lock as the records.
type appointmentMemory struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Appointment
	live map[slotKey]uuid.UUID
	now  func() time.Time
}

func NewMemoryAppointmentRepo() AppointmentRepository {
	return &appointmentMemory{
		byID: make(map[uuid.UUID]*Appointment),
		live: make(map[slotKey]uuid.UUID),
		now:  time.Now,
	}
}

func (r *appointmentMemory) Create(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Status != StatusCancelled {
		if _, taken := r.live[keyOf(a)]; taken {
			return ErrSlotConflict
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.now().UTC()
	a.UpdatedAt = a.CreatedAt

	cp := *a
	r.byID[a.ID] = &cp
	if a.Status != StatusCancelled {
		r.live[keyOf(a)] = a.ID
	}
	return nil
}

func (r *appointmentMemory) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *appointmentMemory) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetByID(ctx, id)
}

func (r *appointmentMemory) Update(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.Status != StatusCancelled {
		if holder, taken := r.live[keyOf(a)]; taken && holder != a.ID {
			return ErrSlotConflict
		}
	}

	if old.Status != StatusCancelled {
		delete(r.live, keyOf(old))
	}
	a.CreatedAt = old.CreatedAt
	a.UpdatedAt = r.now().UTC()
	cp := *a
	r.byID[a.ID] = &cp
	if a.Status != StatusCancelled {
		r.live[keyOf(a)] = a.ID
	}
	return nil
}

func (r *appointmentMemory) BookedSlots(ctx context.Context, professionalID uuid.UUID, date Date) ([]TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var booked []TimeSlot
	for k := range r.live {
		if k.professionalID == professionalID && k.date.Equal(date) {
			booked = append(booked, k.time)
		}
	}
	sort.Slice(booked, func(i, j int) bool { return booked[i] < booked[j] })
	return booked, nil
}

func (r *appointmentMemory) Search(ctx context.Context, f AppointmentFilter, page pagination.Params) ([]*Appointment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*Appointment
	for _, a := range r.byID {
		if f.ProfessionalID != nil && a.ProfessionalID != *f.ProfessionalID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.CentroID != nil && a.CentroID != *f.CentroID {
			continue
		}
		if f.Date != nil && !a.Date.Equal(*f.Date) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[j].Date.Before(matched[i].Date)
		}
		if matched[i].Time != matched[j].Time {
			return matched[i].Time > matched[j].Time
		}
		return idLess(matched[i].ID, matched[j].ID)
	})

	start, end := page.Window(len(matched))
	return matched[start:end], len(matched), nil
}

// idLess orders UUIDs bytewise, as PostgreSQL does.
func idLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
