package patient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/pkg/apperr"
	"github.com/ehr/clinic/pkg/pagination"
)

// Resolver finds patients by national identifier and registers new ones.
// A miss is a normal outcome reported as ErrPatientNotFound; storage
// failures come back as transient errors.
type Resolver struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(repo Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: logger.With().Str("component", "patient_resolver").Logger(),
		now:    time.Now,
	}
}

func (r *Resolver) FindByIdentity(ctx context.Context, raw string) (*Patient, error) {
	key := NormalizeIdentity(raw)
	if key == "" {
		return nil, apperr.Validation("patient identifier is required")
	}
	p, err := r.repo.GetByIdentityKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, apperr.AsTransient("patient lookup failed", err)
	}
	return p, nil
}

func (r *Resolver) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.AsTransient("patient lookup failed", err)
	}
	return p, nil
}

// Create registers a patient. It fails with ErrIdentityConflict when the
// identifier is already registered.
func (r *Resolver) Create(ctx context.Context, in CreateInput) (*Patient, error) {
	p, err := in.toPatient(r.now())
	if err != nil {
		return nil, err
	}
	if err := r.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrIdentityConflict) {
			return nil, ErrIdentityConflict
		}
		return nil, apperr.AsTransient("patient create failed", err)
	}
	r.logger.Info().Str("patient_id", p.ID.String()).Msg("patient registered")
	return p, nil
}

// CreateOrResolve registers a patient, or returns the existing record when
// another registration for the same identifier won the race.
func (r *Resolver) CreateOrResolve(ctx context.Context, in CreateInput) (*Patient, error) {
	p, err := r.Create(ctx, in)
	if !errors.Is(err, ErrIdentityConflict) {
		return p, err
	}
	existing, err := r.FindByIdentity(ctx, in.RUT)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("patient_id", existing.ID.String()).Msg("patient already registered, reusing record")
	return existing, nil
}

func (r *Resolver) Search(ctx context.Context, q string, page pagination.Params) ([]*Patient, int, error) {
	patients, total, err := r.repo.Search(ctx, q, page)
	if err != nil {
		return nil, 0, apperr.AsTransient("patient search failed", err)
	}
	return patients, total, nil
}
