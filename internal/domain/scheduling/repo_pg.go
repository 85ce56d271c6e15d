package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/pkg/pagination"
)

var dialect = goqu.Dialect("postgres")

const slotConstraint = "appointments_slot_key"

func toPGTime(t TimeSlot) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * int64(time.Minute/time.Microsecond), Valid: true}
}

func fromPGTime(t pgtype.Time) TimeSlot {
	return TimeSlot(t.Microseconds / int64(time.Minute/time.Microsecond))
}

// -- Roster --

type rosterRepoPG struct {
	pool *pgxpool.Pool
}

func NewRosterRepo(pool *pgxpool.Pool) RosterRepository {
	return &rosterRepoPG{pool: pool}
}

func (r *rosterRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *rosterRepoPG) CreateCentro(ctx context.Context, c *Centro) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO centros (id, name) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		c.ID, c.Name)
	if err != nil {
		return fmt.Errorf("insert centro: %w", err)
	}
	return nil
}

func (r *rosterRepoPG) ListCentros(ctx context.Context) ([]*Centro, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name FROM centros ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list centros: %w", err)
	}
	defer rows.Close()

	var centros []*Centro
	for rows.Next() {
		var c Centro
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		centros = append(centros, &c)
	}
	return centros, rows.Err()
}

func (r *rosterRepoPG) CreateProfessional(ctx context.Context, p *Professional) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			INSERT INTO professionals (id, first_name, last_name, specialty, active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name, specialty = EXCLUDED.specialty, active = EXCLUDED.active`,
			p.ID, p.FirstName, p.LastName, p.Specialty, p.Active,
		); err != nil {
			return fmt.Errorf("insert professional: %w", err)
		}
		for _, cid := range p.CentroIDs {
			if _, err := q.Exec(ctx,
				`INSERT INTO professional_centros (professional_id, centro_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				p.ID, cid,
			); err != nil {
				if db.IsForeignKeyViolation(err) {
					return ErrUnknownReference
				}
				return fmt.Errorf("assign professional centro: %w", err)
			}
		}
		return nil
	})
}

const professionalCols = `p.id, p.first_name, p.last_name, p.specialty, p.active,
	COALESCE(ARRAY(SELECT pc.centro_id FROM professional_centros pc WHERE pc.professional_id = p.id), '{}')`

func (r *rosterRepoPG) GetProfessional(ctx context.Context, id uuid.UUID) (*Professional, error) {
	p, err := scanProfessional(r.conn(ctx).QueryRow(ctx,
		`SELECT `+professionalCols+` FROM professionals p WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfessionalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select professional: %w", err)
	}
	return p, nil
}

func (r *rosterRepoPG) ListProfessionals(ctx context.Context, f ProfessionalFilter) ([]*Professional, error) {
	ds := dialect.From(goqu.T("professionals").As("p")).Prepared(true).
		Select(goqu.L(professionalCols)).
		Order(goqu.I("p.last_name").Asc(), goqu.I("p.first_name").Asc(), goqu.I("p.id").Asc())
	if !f.IncludeInactive {
		ds = ds.Where(goqu.I("p.active").IsTrue())
	}
	if f.Specialty != "" {
		ds = ds.Where(goqu.I("p.specialty").ILike(f.Specialty))
	}
	if f.CentroID != nil {
		ds = ds.Where(goqu.L(
			"EXISTS (SELECT 1 FROM professional_centros pc WHERE pc.professional_id = p.id AND pc.centro_id = ?)",
			*f.CentroID,
		))
	}

	sql, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build professional query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list professionals: %w", err)
	}
	defer rows.Close()

	var out []*Professional
	for rows.Next() {
		p, err := scanProfessional(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *rosterRepoPG) Specialties(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT specialty FROM professionals WHERE active AND specialty <> '' ORDER BY specialty`)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanProfessional(row pgx.Row) (*Professional, error) {
	var p Professional
	if err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Specialty, &p.Active, &p.CentroIDs); err != nil {
		return nil, err
	}
	return &p, nil
}

// -- Appointments --

type appointmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const appointmentCols = `id, professional_id, patient_id, centro_id, date, time, consultation_type,
	record_number, folder_number, status, created_at, updated_at`

// writeErr maps constraint violations onto domain errors.
func writeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, slotConstraint):
		return ErrSlotConflict
	case db.IsForeignKeyViolation(err):
		return ErrUnknownReference
	default:
		return fmt.Errorf("%s appointment: %w", op, err)
	}
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, professional_id, patient_id, centro_id, date, time,
			consultation_type, record_number, folder_number, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.ProfessionalID, a.PatientID, a.CentroID, a.Date.Time(), toPGTime(a.Time),
		a.ConsultationType, a.RecordNumber, a.FolderNumber, a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	return writeErr("insert", err)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id)
}

func (r *appointmentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.get(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
}

func (r *appointmentRepoPG) get(ctx context.Context, sql string, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET professional_id = $2, centro_id = $3, date = $4, time = $5,
			consultation_type = $6, record_number = $7, folder_number = $8, status = $9,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		a.ID, a.ProfessionalID, a.CentroID, a.Date.Time(), toPGTime(a.Time),
		a.ConsultationType, a.RecordNumber, a.FolderNumber, a.Status,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAppointmentNotFound
	}
	return writeErr("update", err)
}

func (r *appointmentRepoPG) BookedSlots(ctx context.Context, professionalID uuid.UUID, date Date) ([]TimeSlot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT time FROM appointments
		WHERE professional_id = $1 AND date = $2 AND status <> 'cancelled'
		ORDER BY time`,
		professionalID, date.Time(),
	)
	if err != nil {
		return nil, fmt.Errorf("select booked slots: %w", err)
	}
	defer rows.Close()

	var booked []TimeSlot
	for rows.Next() {
		var t pgtype.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		booked = append(booked, fromPGTime(t))
	}
	return booked, rows.Err()
}

func appointmentWhere(ds *goqu.SelectDataset, f AppointmentFilter) *goqu.SelectDataset {
	if f.ProfessionalID != nil {
		ds = ds.Where(goqu.C("professional_id").Eq(*f.ProfessionalID))
	}
	if f.PatientID != nil {
		ds = ds.Where(goqu.C("patient_id").Eq(*f.PatientID))
	}
	if f.CentroID != nil {
		ds = ds.Where(goqu.C("centro_id").Eq(*f.CentroID))
	}
	if f.Date != nil {
		ds = ds.Where(goqu.C("date").Eq(f.Date.Time()))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(f.Status)))
	}
	return ds
}

func (r *appointmentRepoPG) Search(ctx context.Context, f AppointmentFilter, page pagination.Params) ([]*Appointment, int, error) {
	base := appointmentWhere(dialect.From("appointments").Prepared(true), f)

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment count: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	dataSQL, dataArgs, err := page.Apply(
		base.Select(goqu.L(appointmentCols)).Order(goqu.C("date").Desc(), goqu.C("time").Desc(), goqu.C("id").Asc()),
	).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build appointment search: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search appointments: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a    Appointment
		date time.Time
		t    pgtype.Time
	)
	err := row.Scan(
		&a.ID, &a.ProfessionalID, &a.PatientID, &a.CentroID, &date, &t, &a.ConsultationType,
		&a.RecordNumber, &a.FolderNumber, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.Time = fromPGTime(t)
	return &a, nil
}
