package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/internal/platform/db"
)

// -- User Repository --

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

const userCols = `id, username, first_name, last_name, email, role, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &role,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO app_user (id, username, first_name, last_name, email, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		u.ID, u.Username, u.FirstName, u.LastName, u.Email, string(u.Role), u.IsActive,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", u.Username, ErrDuplicateUser)
	}
	return err
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE id = $1`, id))
}

func (r *userRepoPG) GetByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM app_user WHERE username = $1`, username))
}

func (r *userRepoPG) ListByRole(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error) {
	conn := db.Conn(ctx, r.pool)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM app_user WHERE role = $1`, string(role)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `SELECT `+userCols+` FROM app_user WHERE role = $1
		ORDER BY username LIMIT $2 OFFSET $3`, string(role), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

// -- Patient/Doctor Link Repository --

type linkRepoPG struct {
	pool *pgxpool.Pool
}

func NewLinkRepo(pool *pgxpool.Pool) LinkRepository {
	return &linkRepoPG{pool: pool}
}

const linkCols = `id, patient_id, doctor_id, active, created_at, updated_at`

func scanLink(row pgx.Row) (*PatientDoctorLink, error) {
	var l PatientDoctorLink
	err := row.Scan(&l.ID, &l.PatientID, &l.DoctorID, &l.Active, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *linkRepoPG) Link(ctx context.Context, patientID, doctorID uuid.UUID) (*PatientDoctorLink, error) {
	return scanLink(db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient_doctor (id, patient_id, doctor_id, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (patient_id, doctor_id)
		DO UPDATE SET active = TRUE, updated_at = NOW()
		RETURNING `+linkCols,
		uuid.New(), patientID, doctorID))
}

func (r *linkRepoPG) Unlink(ctx context.Context, patientID, doctorID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient_doctor SET active = FALSE, updated_at = NOW()
		WHERE patient_id = $1 AND doctor_id = $2`, patientID, doctorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *linkRepoPG) IsLinked(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	var linked bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM patient_doctor
			WHERE patient_id = $1 AND doctor_id = $2 AND active
		)`, patientID, doctorID).Scan(&linked)
	return linked, err
}

func (r *linkRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*PatientDoctorLink, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+linkCols+` FROM patient_doctor
		WHERE doctor_id = $1 AND active ORDER BY created_at`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*PatientDoctorLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}
