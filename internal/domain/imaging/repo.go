package imaging

import (
	"context"

	"github.com/google/uuid"
)

// Visibility restricts listings to the studies a requester may see. A zero
// PatientID and DoctorID matches nothing.
type Visibility struct {
	// PatientID limits results to the patient's own studies.
	PatientID uuid.UUID
	// DoctorID limits results to studies the doctor uploaded or that belong to
	// a patient actively linked to the doctor.
	DoctorID uuid.UUID
}

func (v Visibility) None() bool {
	return v.PatientID == uuid.Nil && v.DoctorID == uuid.Nil
}

type ListFilter struct {
	Visibility
	StudyID  uuid.UUID // series and instances only
	SeriesID uuid.UUID // instances only
	Modality string    // series only
}

type StudyRepository interface {
	// GetOrCreate returns the study with s.StudyInstanceUID, inserting s when
	// there is none. created reports whether s was inserted.
	GetOrCreate(ctx context.Context, s *Study) (study *Study, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	GetByUID(ctx context.Context, uid string) (*Study, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Study, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type SeriesRepository interface {
	// GetOrCreate returns the series keyed by (s.StudyID, s.SeriesInstanceUID),
	// inserting s when there is none.
	GetOrCreate(ctx context.Context, s *Series) (series *Series, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Series, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Series, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Series, int, error)
	// AdjustInstanceCount adds delta to number_of_instances.
	AdjustInstanceCount(ctx context.Context, id uuid.UUID, delta int) error
}

type InstanceRepository interface {
	// Create fails with ErrDuplicateInstance when the series already holds
	// inst.SOPInstanceUID.
	Create(ctx context.Context, inst *Instance) error
	GetByID(ctx context.Context, id uuid.UUID) (*Instance, error)
	ListBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Instance, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Instance, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Instance, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
