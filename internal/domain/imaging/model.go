package imaging

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/mediconnect/mediconnect/internal/domain/identity"
)

// StorageKind tells where the binary payload of an instance lives.
type StorageKind string

const (
	StorageLocal    StorageKind = "local"
	StorageArchived StorageKind = "archived"
)

// StorageLocation is either a local file path (Local) or an archive
// reference (Archived).
type StorageLocation struct {
	Kind StorageKind `json:"kind"`
	Ref  string      `json:"ref"`
}

func Local(path string) StorageLocation {
	return StorageLocation{Kind: StorageLocal, Ref: path}
}

func Archived(ref string) StorageLocation {
	return StorageLocation{Kind: StorageArchived, Ref: ref}
}

func (l StorageLocation) IsArchived() bool { return l.Kind == StorageArchived }

func (l StorageLocation) String() string {
	return string(l.Kind) + ":" + l.Ref
}

// Ownership identifies who a hierarchy node belongs to. Series and instances
// inherit the ownership of their study.
type Ownership struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
}

type Study struct {
	ID               uuid.UUID `db:"id" json:"id"`
	StudyInstanceUID string    `db:"study_instance_uid" json:"study_instance_uid"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient"`
	DoctorID         uuid.UUID `db:"doctor_id" json:"doctor"`
	StudyDate        time.Time `db:"study_date" json:"study_date"`
	StudyDescription string    `db:"study_description" json:"study_description"`
	StudyID          string    `db:"study_id" json:"study_id"`
	AccessionNumber  string    `db:"accession_number" json:"accession_number"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

func (s *Study) Ownership() Ownership {
	return Ownership{PatientID: s.PatientID, DoctorID: s.DoctorID}
}

type Series struct {
	ID                uuid.UUID `db:"id" json:"id"`
	StudyID           uuid.UUID `db:"study_id" json:"study"`
	SeriesInstanceUID string    `db:"series_instance_uid" json:"series_instance_uid"`
	SeriesNumber      int       `db:"series_number" json:"series_number"`
	Modality          string    `db:"modality" json:"modality"`
	SeriesDescription string    `db:"series_description" json:"series_description"`
	NumberOfInstances int       `db:"number_of_instances" json:"number_of_instances"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

type Instance struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SeriesID       uuid.UUID       `db:"series_id" json:"series"`
	SOPInstanceUID string          `db:"sop_instance_uid" json:"sop_instance_uid"`
	InstanceNumber int             `db:"instance_number" json:"instance_number"`
	Storage        StorageLocation `json:"storage"`
	FileSize       int64           `db:"file_size" json:"file_size"`
	IsActive       bool            `db:"is_active" json:"is_active"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// StoragePath is the canonical relative path of an instance file.
func StoragePath(patientID uuid.UUID, studyUID, seriesUID, sopUID string) string {
	return path.Join("patients", patientID.String(), "studies", studyUID,
		"series", seriesUID, fmt.Sprintf("%s.dcm", sopUID))
}

// SeriesView is a series with its instances.
type SeriesView struct {
	*Series
	Instances     []*Instance `json:"instances"`
	InstanceCount int         `json:"instance_count"`
}

// StudyView is the reconciled hierarchy of one study.
type StudyView struct {
	*Study
	PatientDetails *identity.User `json:"patient_details,omitempty"`
	DoctorDetails  *identity.User `json:"doctor_details,omitempty"`
	Series         []*SeriesView  `json:"series"`
	SeriesCount    int            `json:"series_count"`
}

// NewStudyView groups instances under their series.
func NewStudyView(study *Study, series []*Series, instances []*Instance) *StudyView {
	bySeries := make(map[uuid.UUID]*SeriesView, len(series))
	view := &StudyView{Study: study, Series: make([]*SeriesView, 0, len(series))}
	for _, s := range series {
		sv := &SeriesView{Series: s, Instances: []*Instance{}}
		bySeries[s.ID] = sv
		view.Series = append(view.Series, sv)
	}
	for _, inst := range instances {
		if sv, ok := bySeries[inst.SeriesID]; ok {
			sv.Instances = append(sv.Instances, inst)
			sv.InstanceCount++
		}
	}
	view.SeriesCount = len(view.Series)
	return view
}

// FindSeries returns the series with the given UID, or nil.
func (v *StudyView) FindSeries(seriesUID string) *SeriesView {
	for _, s := range v.Series {
		if s.SeriesInstanceUID == seriesUID {
			return s
		}
	}
	return nil
}

// InstanceTotal counts the instances across all series.
func (v *StudyView) InstanceTotal() int {
	n := 0
	for _, s := range v.Series {
		n += s.InstanceCount
	}
	return n
}

// ViewerLink is the viewer entry point of a study.
type ViewerLink struct {
	ViewerURL        string    `json:"viewer_url"`
	StudyInstanceUID string    `json:"study_instance_uid"`
	StudyDescription string    `json:"study_description"`
	StudyDate        time.Time `json:"study_date"`
}
