package imaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mediconnect/mediconnect/internal/domain/identity"
	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/db"
	"github.com/mediconnect/mediconnect/internal/platform/metrics"
)

// Archive is the part of the archive client used by the imaging services.
type Archive interface {
	Store(ctx context.Context, body io.Reader, size int64) (*archive.StoreResult, error)
	Exists(ctx context.Context, studyUID string) (bool, error)
	DeleteStudy(ctx context.Context, studyUID string) (archive.Outcome, error)
	DeleteInstance(ctx context.Context, sopInstanceUID string) (archive.Outcome, error)
	RetrieveWADO(ctx context.Context, studyUID, seriesUID, objectUID string) (*archive.Payload, error)
	QueryStudies(ctx context.Context, studyUID string) (json.RawMessage, error)
}

type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*identity.User, error)
}

// Transactor runs fn in a database transaction.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// PoolTransactor opens transactions on pool, or on the tenant connection
// carried by the context.
func PoolTransactor(pool *pgxpool.Pool) Transactor {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.WithTx(ctx, pool, fn)
	}
}

// Deps are the collaborators shared by the imaging services.
type Deps struct {
	Studies   StudyRepository
	Series    SeriesRepository
	Instances InstanceRepository
	Users     UserReader
	Archive   Archive
	Policy    *Policy
	Tx        Transactor
	Logger    zerolog.Logger
	Metrics   *metrics.ImagingMetrics
}

func (d *Deps) defaults() {
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Tx == nil {
		d.Tx = func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }
	}
}

// loadView assembles the reconciled hierarchy of study.
func (d *Deps) loadView(ctx context.Context, study *Study) (*StudyView, error) {
	series, err := d.Series.ListByStudy(ctx, study.ID)
	if err != nil {
		return nil, err
	}
	instances, err := d.Instances.ListByStudy(ctx, study.ID)
	if err != nil {
		return nil, err
	}
	view := NewStudyView(study, series, instances)

	view.PatientDetails, err = d.userDetails(ctx, study.PatientID)
	if err != nil {
		return nil, err
	}
	view.DoctorDetails, err = d.userDetails(ctx, study.DoctorID)
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (d *Deps) userDetails(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	if d.Users == nil {
		return nil, nil
	}
	u, err := d.Users.GetByID(ctx, id)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, nil
	}
	return u, err
}

// ownerOfSeries resolves the study that owns a series.
func (d *Deps) ownerOfSeries(ctx context.Context, series *Series) (*Study, error) {
	return d.Studies.GetByID(ctx, series.StudyID)
}

// ownerOfInstance resolves the series and study that own an instance.
func (d *Deps) ownerOfInstance(ctx context.Context, inst *Instance) (*Series, *Study, error) {
	series, err := d.Series.GetByID(ctx, inst.SeriesID)
	if err != nil {
		return nil, nil, err
	}
	study, err := d.Studies.GetByID(ctx, series.StudyID)
	if err != nil {
		return nil, nil, err
	}
	return series, study, nil
}
