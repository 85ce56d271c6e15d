package patient

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

type repoMemory struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*Patient
	byKey map[string]uuid.UUID
	now   func() time.Time
}

// NewMemoryRepo returns a process-local Repository for development and
// tests. Identity keys are unique under a single lock.
func NewMemoryRepo() Repository {
	return &repoMemory{
		byID:  make(map[uuid.UUID]*Patient),
		byKey: make(map[string]uuid.UUID),
		now:   time.Now,
	}
}

func (r *repoMemory) Create(ctx context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byKey[p.IdentityKey]; taken {
		return ErrIdentityConflict
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.now().UTC()
	p.UpdatedAt = p.CreatedAt

	stored := *p
	r.byID[p.ID] = &stored
	r.byKey[p.IdentityKey] = p.ID
	return nil
}

func (r *repoMemory) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byID[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *repoMemory) GetByIdentityKey(ctx context.Context, key string) (*Patient, error) {
	r.mu.RLock()
	id, ok := r.byKey[key]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrPatientNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *repoMemory) Search(ctx context.Context, q string, page pagination.Params) ([]*Patient, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q = strings.ToLower(strings.TrimSpace(q))
	key := NormalizeIdentity(q)
	var matched []*Patient
	for _, p := range r.byID {
		if q == "" ||
			strings.Contains(strings.ToLower(p.FirstName), q) ||
			strings.Contains(strings.ToLower(p.LastName), q) ||
			(key != "" && strings.HasPrefix(p.IdentityKey, key)) {
			cp := *p
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastName != matched[j].LastName {
			return matched[i].LastName < matched[j].LastName
		}
		if matched[i].FirstName != matched[j].FirstName {
			return matched[i].FirstName < matched[j].FirstName
		}
		return bytes.Compare(matched[i].ID[:], matched[j].ID[:]) < 0
	})

	start, end := page.Window(len(matched))
	return matched[start:end], len(matched), nil
}
