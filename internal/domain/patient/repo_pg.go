package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/pkg/pagination"
)

var dialect = goqu.Dialect("postgres")

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, identity_key, rut, first_name, last_name, phone, age, gender,
	address, birth_date, email, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, identity_key, rut, first_name, last_name, phone, age, gender,
			address, birth_date, email)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.IdentityKey, p.RUT, p.FirstName, p.LastName, p.Phone, p.Age, p.Gender,
		p.Address, p.BirthDate, p.Email,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if db.IsUniqueViolation(err, "patients_identity_key") {
		return ErrIdentityConflict
	}
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.getOne(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id)
}

func (r *repoPG) GetByIdentityKey(ctx context.Context, key string) (*Patient, error) {
	return r.getOne(ctx, `SELECT `+patientCols+` FROM patients WHERE identity_key = $1`, key)
}

func (r *repoPG) getOne(ctx context.Context, sql string, arg interface{}) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select patient: %w", err)
	}
	return p, nil
}

func searchFilter(q string) exp.Expression {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	like := "%" + q + "%"
	ors := []exp.Expression{
		goqu.C("first_name").ILike(like),
		goqu.C("last_name").ILike(like),
	}
	if key := NormalizeIdentity(q); key != "" {
		ors = append(ors, goqu.C("identity_key").Like(key+"%"))
	}
	return goqu.Or(ors...)
}

func (r *repoPG) Search(ctx context.Context, q string, page pagination.Params) ([]*Patient, int, error) {
	base := dialect.From("patients").Prepared(true)
	if f := searchFilter(q); f != nil {
		base = base.Where(f)
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build patient count: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	dataSQL, dataArgs, err := page.Apply(
		base.Select(goqu.L(patientCols)).Order(goqu.C("last_name").Asc(), goqu.C("first_name").Asc(), goqu.C("id").Asc()),
	).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build patient search: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.IdentityKey, &p.RUT, &p.FirstName, &p.LastName, &p.Phone, &p.Age, &p.Gender,
		&p.Address, &p.BirthDate, &p.Email, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
