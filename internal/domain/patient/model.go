package patient

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/apperr"
)

// Patient maps to the patients table. IdentityKey is the normalized RUT and
// is unique; RUT keeps the value as it was typed.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	IdentityKey string     `json:"identity_key"`
	RUT         string     `json:"rut"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	Phone       *string    `json:"phone,omitempty"`
	Age         *int       `json:"age,omitempty"`
	Gender      *string    `json:"gender,omitempty"`
	Address     *string    `json:"address,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	Email       *string    `json:"email,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (p *Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// CreateInput is the payload of the patient registration form.
type CreateInput struct {
	RUT       string  `json:"rut"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
	Phone     *string `json:"phone,omitempty"`
	Age       *int    `json:"age,omitempty"`
	Gender    *string `json:"gender,omitempty"`
	Address   *string `json:"address,omitempty"`
	BirthDate *string `json:"birth_date,omitempty"`
	Email     *string `json:"email,omitempty"`
}

const dateLayout = "2006-01-02"

var genders = map[string]bool{"M": true, "F": true, "O": true}

// toPatient validates the input and builds the record to store.
func (in CreateInput) toPatient(now time.Time) (*Patient, error) {
	rut := strings.TrimSpace(in.RUT)
	first := strings.TrimSpace(in.FirstName)
	last := strings.TrimSpace(in.LastName)
	if rut == "" || first == "" || last == "" {
		return nil, apperr.Validation("rut, first_name and last_name are required")
	}
	if !ValidRUT(rut) {
		return nil, apperr.Validation("invalid RUT format, use 12.345.678-9 or 12345678-9")
	}

	p := &Patient{
		IdentityKey: NormalizeIdentity(rut),
		RUT:         rut,
		FirstName:   first,
		LastName:    last,
		Phone:       trimmed(in.Phone),
		Address:     trimmed(in.Address),
		Email:       trimmed(in.Email),
	}

	if in.Gender != nil && *in.Gender != "" {
		g := strings.ToUpper(strings.TrimSpace(*in.Gender))
		if !genders[g] {
			return nil, apperr.Validation("gender must be one of M, F, O")
		}
		p.Gender = &g
	}
	if in.Age != nil {
		if *in.Age < 0 || *in.Age > 150 {
			return nil, apperr.Validation("age must be between 0 and 150")
		}
		age := *in.Age
		p.Age = &age
	}
	if in.BirthDate != nil && *in.BirthDate != "" {
		bd, err := time.Parse(dateLayout, *in.BirthDate)
		if err != nil {
			return nil, apperr.Validation("birth_date must be YYYY-MM-DD")
		}
		if bd.After(now) {
			return nil, apperr.Validation("birth_date cannot be in the future")
		}
		p.BirthDate = &bd
	}
	if p.Email != nil {
		if _, err := mail.ParseAddress(*p.Email); err != nil {
			return nil, apperr.Validation("invalid email address")
		}
	}
	return p, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
