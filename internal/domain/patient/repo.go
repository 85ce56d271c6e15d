package patient

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/apperr"
	"github.com/ehr/clinic/pkg/pagination"
)

var (
	ErrPatientNotFound  = apperr.NotFound("patient not found")
	ErrIdentityConflict = apperr.Conflict("a patient with this RUT already exists")
)

// Repository persists patients. Create reports ErrIdentityConflict when the
// identity key is taken; lookups report ErrPatientNotFound.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByIdentityKey(ctx context.Context, key string) (*Patient, error)
	// Search matches q against names and the identity key.
	Search(ctx context.Context, q string, page pagination.Params) ([]*Patient, int, error)
}
