package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediconnect/mediconnect/internal/domain/identity"
	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/internal/platform/dicommeta"
)

// Mode selects how an upload reacts to an archive failure.
type Mode string

const (
	// ModeLenient keeps the payload locally and records the instance when the
	// archive store fails.
	ModeLenient Mode = "lenient"
	// ModeStrict aborts the upload when the archive store fails.
	ModeStrict Mode = "strict"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLenient:
		return ModeLenient, nil
	case ModeStrict:
		return ModeStrict, nil
	}
	return "", fmt.Errorf("unknown ingestion mode %q", s)
}

type IngestConfig struct {
	// UploadDir receives spooled uploads and locally kept payloads.
	UploadDir   string
	DefaultMode Mode
}

type IngestRequest struct {
	Payload   io.Reader
	FileName  string
	PatientID uuid.UUID
	Uploader  auth.User
	// Mode overrides IngestConfig.DefaultMode when set.
	Mode Mode
}

// IngestService reconciles uploaded DICOM objects with the study, series and
// instance records and mirrors the payload to the archive.
type IngestService struct {
	deps Deps
	cfg  IngestConfig
	now  func() time.Time
}

func NewIngestService(deps Deps, cfg IngestConfig) *IngestService {
	deps.defaults()
	if cfg.UploadDir == "" {
		cfg.UploadDir = os.TempDir()
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeLenient
	}
	return &IngestService{deps: deps, cfg: cfg, now: time.Now}
}

func (s *IngestService) Policy() *Policy { return s.deps.Policy }

// Ingest stores one DICOM object and returns the reconciled study.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (*StudyView, error) {
	mode := req.Mode
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	start := time.Now()
	view, outcome, err := s.ingest(ctx, req, mode)
	s.deps.Metrics.ObserveIngest(string(mode), outcome, time.Since(start))
	return view, err
}

func (s *IngestService) ingest(ctx context.Context, req IngestRequest, mode Mode) (*StudyView, string, error) {
	log := s.deps.Logger.With().
		Str("mode", string(mode)).
		Str("uploader", req.Uploader.ID.String()).
		Str("patient", req.PatientID.String()).
		Str("file", req.FileName).
		Logger()

	if !s.deps.Policy.CanUpload(req.Uploader) {
		return nil, "denied", ErrPermissionDenied
	}
	if err := s.checkPatient(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrInvalidPatient) {
			return nil, "invalid_patient", err
		}
		return nil, "db_error", err
	}

	tmpPath, size, err := s.spool(req.Payload)
	if err != nil {
		return nil, "io_error", err
	}

	md, err := dicommeta.ExtractFile(tmpPath)
	if err != nil {
		removeFile(tmpPath)
		log.Warn().Err(err).Msg("rejected unparseable DICOM upload")
		return nil, "extraction_error", err
	}
	md = md.WithPlaceholders()
	if len(md.Generated) > 0 {
		log.Info().Strs("generated", md.Generated).Msg("missing or malformed identity UIDs replaced by placeholders")
	}

	if err := s.checkStudyOwner(ctx, md.StudyInstanceUID, req.PatientID); err != nil {
		removeFile(tmpPath)
		if errors.Is(err, ErrStudyConflict) {
			return nil, "duplicate", err
		}
		return nil, "db_error", err
	}

	// The archive store and the relational writes are not undone by a
	// client disconnect.
	work := context.WithoutCancel(ctx)

	loc, err := s.store(work, log, mode, tmpPath, size, req.PatientID, md)
	if err != nil {
		return nil, "archive_error", err
	}

	study, err := s.persist(work, req, md, loc, size)
	if err != nil {
		duplicate := errors.Is(err, ErrDuplicateInstance) || errors.Is(err, ErrStudyConflict)
		switch {
		case !loc.IsArchived():
			removeFile(loc.Ref)
		case errors.Is(err, ErrDuplicateInstance):
			log.Info().Err(err).Str("archive_ref", loc.Ref).Msg("archive copy kept for already recorded instance")
		default:
			log.Error().Err(err).
				Str("archive_ref", loc.Ref).
				Str("study_uid", md.StudyInstanceUID).
				Str("sop_uid", md.SOPInstanceUID).
				Msg("orphaned archive object: stored in archive but not recorded")
		}
		if duplicate {
			return nil, "duplicate", err
		}
		return nil, "db_error", err
	}

	s.deps.Metrics.IngestBytes.Add(float64(size))
	log.Info().
		Str("study_uid", md.StudyInstanceUID).
		Str("sop_uid", md.SOPInstanceUID).
		Str("storage", loc.String()).
		Int64("size", size).
		Msg("DICOM object ingested")

	view, err := s.deps.loadView(work, study)
	if err != nil {
		return nil, "db_error", fmt.Errorf("load study view: %w", err)
	}
	return view, "success", nil
}

func (s *IngestService) checkPatient(ctx context.Context, patientID uuid.UUID) error {
	u, err := s.deps.Users.GetByID(ctx, patientID)
	if errors.Is(err, identity.ErrNotFound) {
		return ErrInvalidPatient
	}
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if u.Role != auth.RolePatient || !u.IsActive {
		return ErrInvalidPatient
	}
	return nil
}

// checkStudyOwner rejects an upload whose study UID is already recorded for
// another patient. persist repeats the check for studies created meanwhile.
func (s *IngestService) checkStudyOwner(ctx context.Context, studyUID string, patientID uuid.UUID) error {
	study, err := s.deps.Studies.GetByUID(ctx, studyUID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load study: %w", err)
	}
	if study.PatientID != patientID {
		return fmt.Errorf("study %s: %w", studyUID, ErrStudyConflict)
	}
	return nil
}

// spool copies the payload into the upload directory.
func (s *IngestService) spool(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(s.cfg.UploadDir, "upload-*.dcm")
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		removeFile(f.Name())
		return "", 0, fmt.Errorf("write upload file: %w", err)
	}
	return f.Name(), size, nil
}

// store submits the spooled payload to the archive and decides where the
// instance lives. The spooled file is removed unless it is kept as the
// local copy.
func (s *IngestService) store(ctx context.Context, log zerolog.Logger, mode Mode, tmpPath string, size int64,
	patientID uuid.UUID, md *dicommeta.Metadata) (StorageLocation, error) {
	res, err := s.submit(ctx, tmpPath, size)
	if err == nil {
		removeFile(tmpPath)
		return Archived(res.Location()), nil
	}

	if mode == ModeStrict {
		removeFile(tmpPath)
		return StorageLocation{}, fmt.Errorf("archive store: %w", err)
	}

	s.deps.Metrics.ArchiveFallbacksTotal.Inc()
	local := s.keepLocal(tmpPath, patientID, md)
	log.Warn().Err(err).Str("path", local).Msg("archive store failed, keeping payload locally")
	return Local(local), nil
}

func (s *IngestService) submit(ctx context.Context, path string, size int64) (*archive.StoreResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()
	return s.deps.Archive.Store(ctx, f, size)
}

// keepLocal moves the spooled file to its canonical path under the upload
// directory. It falls back to the spool path when the move fails or the
// canonical path would leave the upload directory.
func (s *IngestService) keepLocal(tmpPath string, patientID uuid.UUID, md *dicommeta.Metadata) string {
	dest := filepath.Join(s.cfg.UploadDir, filepath.FromSlash(
		StoragePath(patientID, md.StudyInstanceUID, md.SeriesInstanceUID, md.SOPInstanceUID)))
	if !withinDir(s.cfg.UploadDir, dest) {
		return tmpPath
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return tmpPath
	}
	if _, err := os.Stat(dest); err == nil {
		return tmpPath
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return tmpPath
	}
	return dest
}

// persist records the hierarchy in one transaction.
func (s *IngestService) persist(ctx context.Context, req IngestRequest, md *dicommeta.Metadata,
	loc StorageLocation, size int64) (*Study, error) {
	var (
		study                       *Study
		studyCreated, seriesCreated bool
	)

	err := s.deps.Tx(ctx, func(ctx context.Context) error {
		studyDate, ok := md.StudyTime()
		if !ok {
			now := s.now()
			studyDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		}

		var err error
		study, studyCreated, err = s.deps.Studies.GetOrCreate(ctx, &Study{
			StudyInstanceUID: md.StudyInstanceUID,
			PatientID:        req.PatientID,
			DoctorID:         req.Uploader.ID,
			StudyDate:        studyDate,
			StudyDescription: md.StudyDescription,
			StudyID:          md.StudyID,
			AccessionNumber:  md.AccessionNumber,
			IsActive:         true,
		})
		if err != nil {
			return fmt.Errorf("get or create study: %w", err)
		}
		if study.PatientID != req.PatientID {
			return fmt.Errorf("study %s: %w", study.StudyInstanceUID, ErrStudyConflict)
		}

		series, created, err := s.deps.Series.GetOrCreate(ctx, &Series{
			StudyID:           study.ID,
			SeriesInstanceUID: md.SeriesInstanceUID,
			SeriesNumber:      md.SeriesNumber,
			Modality:          md.Modality,
			SeriesDescription: md.SeriesDescription,
			IsActive:          true,
		})
		if err != nil {
			return fmt.Errorf("get or create series: %w", err)
		}
		seriesCreated = created

		if err := s.deps.Instances.Create(ctx, &Instance{
			SeriesID:       series.ID,
			SOPInstanceUID: md.SOPInstanceUID,
			InstanceNumber: md.InstanceNumber,
			Storage:        loc,
			FileSize:       size,
			IsActive:       true,
		}); err != nil {
			return fmt.Errorf("create instance: %w", err)
		}
		return s.deps.Series.AdjustInstanceCount(ctx, series.ID, 1)
	})
	if err != nil {
		return nil, err
	}

	if studyCreated {
		s.deps.Metrics.HierarchyCreatedTotal.WithLabelValues("study").Inc()
	}
	if seriesCreated {
		s.deps.Metrics.HierarchyCreatedTotal.WithLabelValues("series").Inc()
	}
	return study, nil
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func removeFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
