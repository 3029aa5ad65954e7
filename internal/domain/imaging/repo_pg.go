package imaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mediconnect/mediconnect/internal/platform/db"
)

// visibilityClause appends the access restriction of v to a query over
// dicom_study aliased st. Placeholders start at idx.
func visibilityClause(v Visibility, idx int) (string, []interface{}, int) {
	switch {
	case v.PatientID != uuid.Nil:
		return fmt.Sprintf(` AND st.patient_id = $%d`, idx), []interface{}{v.PatientID}, idx + 1
	case v.DoctorID != uuid.Nil:
		return fmt.Sprintf(` AND (st.doctor_id = $%d OR st.patient_id IN (
			SELECT pd.patient_id FROM patient_doctor pd WHERE pd.doctor_id = $%d AND pd.active))`, idx, idx),
			[]interface{}{v.DoctorID}, idx + 1
	}
	return ` AND FALSE`, nil, idx
}

// -- Study Repository --

type studyRepoPG struct {
	pool *pgxpool.Pool
}

func NewStudyRepo(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

const studyCols = `st.id, st.study_instance_uid, st.patient_id, st.doctor_id, st.study_date,
	st.study_description, st.study_id, st.accession_number, st.is_active, st.created_at, st.updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.StudyInstanceUID, &s.PatientID, &s.DoctorID, &s.StudyDate,
		&s.StudyDescription, &s.StudyID, &s.AccessionNumber, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *studyRepoPG) GetOrCreate(ctx context.Context, s *Study) (*Study, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	created, err := scanStudy(db.Conn(ctx, r.pool).QueryRow(ctx, `
		WITH st AS (
			INSERT INTO dicom_study (id, study_instance_uid, patient_id, doctor_id, study_date,
				study_description, study_id, accession_number, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
			ON CONFLICT (study_instance_uid) DO NOTHING
			RETURNING *
		)
		SELECT `+studyCols+` FROM st`,
		s.ID, s.StudyInstanceUID, s.PatientID, s.DoctorID, s.StudyDate,
		s.StudyDescription, s.StudyID, s.AccessionNumber))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert study %s: %w", s.StudyInstanceUID, err)
	}

	existing, err := r.GetByUID(ctx, s.StudyInstanceUID)
	if err != nil {
		return nil, false, fmt.Errorf("load study %s: %w", s.StudyInstanceUID, err)
	}
	return existing, false, nil
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return scanStudy(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+studyCols+` FROM dicom_study st WHERE st.id = $1`, id))
}

func (r *studyRepoPG) GetByUID(ctx context.Context, uid string) (*Study, error) {
	return scanStudy(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+studyCols+` FROM dicom_study st WHERE st.study_instance_uid = $1`, uid))
}

func (r *studyRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Study, int, error) {
	conn := db.Conn(ctx, r.pool)
	where, args, idx := visibilityClause(f.Visibility, 1)

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM dicom_study st WHERE 1=1`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + studyCols + ` FROM dicom_study st WHERE 1=1` + where +
		fmt.Sprintf(` ORDER BY st.study_date DESC, st.created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

// Delete removes the study. Series and instances go with it through the
// foreign key cascade.
func (r *studyRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM dicom_study WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Series Repository --

type seriesRepoPG struct {
	pool *pgxpool.Pool
}

func NewSeriesRepo(pool *pgxpool.Pool) SeriesRepository {
	return &seriesRepoPG{pool: pool}
}

const seriesCols = `se.id, se.study_id, se.series_instance_uid, se.series_number, se.modality,
	se.series_description, se.number_of_instances, se.is_active, se.created_at, se.updated_at`

func scanSeries(row pgx.Row) (*Series, error) {
	var s Series
	err := row.Scan(&s.ID, &s.StudyID, &s.SeriesInstanceUID, &s.SeriesNumber, &s.Modality,
		&s.SeriesDescription, &s.NumberOfInstances, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *seriesRepoPG) GetOrCreate(ctx context.Context, s *Series) (*Series, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	conn := db.Conn(ctx, r.pool)
	created, err := scanSeries(conn.QueryRow(ctx, `
		WITH se AS (
			INSERT INTO dicom_series (id, study_id, series_instance_uid, series_number, modality,
				series_description, number_of_instances, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, 0, TRUE)
			ON CONFLICT (study_id, series_instance_uid) DO NOTHING
			RETURNING *
		)
		SELECT `+seriesCols+` FROM se`,
		s.ID, s.StudyID, s.SeriesInstanceUID, s.SeriesNumber, s.Modality, s.SeriesDescription))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert series %s: %w", s.SeriesInstanceUID, err)
	}

	existing, err := scanSeries(conn.QueryRow(ctx, `SELECT `+seriesCols+` FROM dicom_series se
		WHERE se.study_id = $1 AND se.series_instance_uid = $2`, s.StudyID, s.SeriesInstanceUID))
	if err != nil {
		return nil, false, fmt.Errorf("load series %s: %w", s.SeriesInstanceUID, err)
	}
	return existing, false, nil
}

func (r *seriesRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Series, error) {
	return scanSeries(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+seriesCols+` FROM dicom_series se WHERE se.id = $1`, id))
}

func (r *seriesRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Series, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+seriesCols+` FROM dicom_series se
		WHERE se.study_id = $1 ORDER BY se.series_number, se.created_at`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *seriesRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Series, int, error) {
	conn := db.Conn(ctx, r.pool)
	from := ` FROM dicom_series se JOIN dicom_study st ON st.id = se.study_id WHERE 1=1`
	where, args, idx := visibilityClause(f.Visibility, 1)

	if f.StudyID != uuid.Nil {
		where += fmt.Sprintf(` AND se.study_id = $%d`, idx)
		args = append(args, f.StudyID)
		idx++
	}
	if f.Modality != "" {
		where += fmt.Sprintf(` AND se.modality = $%d`, idx)
		args = append(args, f.Modality)
		idx++
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + seriesCols + from + where +
		fmt.Sprintf(` ORDER BY se.created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Series
	for rows.Next() {
		s, err := scanSeries(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *seriesRepoPG) AdjustInstanceCount(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE dicom_series
		SET number_of_instances = GREATEST(number_of_instances + $2, 0), updated_at = NOW()
		WHERE id = $1`, id, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Instance Repository --

type instanceRepoPG struct {
	pool *pgxpool.Pool
}

func NewInstanceRepo(pool *pgxpool.Pool) InstanceRepository {
	return &instanceRepoPG{pool: pool}
}

const instanceCols = `i.id, i.series_id, i.sop_instance_uid, i.instance_number, i.storage_kind,
	i.storage_ref, i.file_size, i.is_active, i.created_at, i.updated_at`

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	var kind string
	err := row.Scan(&inst.ID, &inst.SeriesID, &inst.SOPInstanceUID, &inst.InstanceNumber, &kind,
		&inst.Storage.Ref, &inst.FileSize, &inst.IsActive, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Storage.Kind = StorageKind(kind)
	return &inst, nil
}

func (r *instanceRepoPG) Create(ctx context.Context, inst *Instance) error {
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	inst.IsActive = true
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO dicom_instance (id, series_id, sop_instance_uid, instance_number,
			storage_kind, storage_ref, file_size, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		RETURNING created_at, updated_at`,
		inst.ID, inst.SeriesID, inst.SOPInstanceUID, inst.InstanceNumber,
		string(inst.Storage.Kind), inst.Storage.Ref, inst.FileSize,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("instance %s: %w", inst.SOPInstanceUID, ErrDuplicateInstance)
	}
	return err
}

func (r *instanceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return scanInstance(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+instanceCols+` FROM dicom_instance i WHERE i.id = $1`, id))
}

func (r *instanceRepoPG) ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Instance, error) {
	return r.collect(ctx, `SELECT `+instanceCols+` FROM dicom_instance i
		WHERE i.series_id = $1
		ORDER BY i.instance_number, i.created_at`, seriesID)
}

func (r *instanceRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Instance, error) {
	return r.collect(ctx, `SELECT `+instanceCols+` FROM dicom_instance i
		JOIN dicom_series se ON se.id = i.series_id
		WHERE se.study_id = $1
		ORDER BY i.instance_number, i.created_at`, studyID)
}

func (r *instanceRepoPG) collect(ctx context.Context, query string, args ...interface{}) ([]*Instance, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, inst)
	}
	return items, rows.Err()
}

func (r *instanceRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Instance, int, error) {
	conn := db.Conn(ctx, r.pool)
	from := ` FROM dicom_instance i
		JOIN dicom_series se ON se.id = i.series_id
		JOIN dicom_study st ON st.id = se.study_id WHERE 1=1`
	where, args, idx := visibilityClause(f.Visibility, 1)

	if f.StudyID != uuid.Nil {
		where += fmt.Sprintf(` AND se.study_id = $%d`, idx)
		args = append(args, f.StudyID)
		idx++
	}
	if f.SeriesID != uuid.Nil {
		where += fmt.Sprintf(` AND i.series_id = $%d`, idx)
		args = append(args, f.SeriesID)
		idx++
	}

	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + instanceCols + from + where +
		fmt.Sprintf(` ORDER BY i.created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	rows, err := conn.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inst)
	}
	return items, total, rows.Err()
}

func (r *instanceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM dicom_instance WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
