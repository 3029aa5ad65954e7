package imaging

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

// DeletionService removes studies and instances from the archive first and
// from the relational store second. Relational records are never removed
// while the archive copy's fate is unknown or failed.
type DeletionService struct {
	deps Deps
}

func NewDeletionService(deps Deps) *DeletionService {
	deps.defaults()
	return &DeletionService{deps: deps}
}

// DeleteStudy removes a study, its series and its instances.
func (s *DeletionService) DeleteStudy(ctx context.Context, id uuid.UUID, requester auth.User) error {
	outcome, err := s.deleteStudy(ctx, id, requester)
	s.deps.Metrics.DeletionsTotal.WithLabelValues("study", outcome).Inc()
	return err
}

func (s *DeletionService) deleteStudy(ctx context.Context, id uuid.UUID, requester auth.User) (string, error) {
	study, err := s.deps.Studies.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "not_found", s.deps.Policy.Missing(requester)
	}
	if err != nil {
		return "db_error", err
	}

	allowed, err := s.deps.Policy.CanDelete(ctx, requester, study.Ownership())
	if err != nil {
		return "db_error", err
	}
	if !allowed {
		return "denied", ErrPermissionDenied
	}

	log := s.deps.Logger.With().
		Str("study_uid", study.StudyInstanceUID).
		Str("requester", requester.ID.String()).
		Logger()

	work := context.WithoutCancel(ctx)

	exists, err := s.deps.Archive.Exists(work, study.StudyInstanceUID)
	if err != nil {
		log.Error().Err(err).Msg("archive existence check failed, study kept")
		return "archive_error", &DeletionError{Level: "study", UID: study.StudyInstanceUID,
			Outcome: archive.OutcomeOtherError, Err: err}
	}

	if exists {
		outcome, err := s.deps.Archive.DeleteStudy(work, study.StudyInstanceUID)
		switch outcome {
		case archive.OutcomeDeleted:
		case archive.OutcomeNotFound:
			log.Info().Msg("study already absent from archive")
		case archive.OutcomeForbidden:
			log.Warn().Msg("archive refused study deletion, study kept")
			return "forbidden", ErrArchiveForbidden
		default:
			log.Error().Err(err).Msg("archive study deletion failed, study kept")
			return "archive_error", &DeletionError{Level: "study", UID: study.StudyInstanceUID,
				Outcome: outcome, Err: err}
		}
	}

	locals, err := s.localFiles(work, study.ID)
	if err != nil {
		return "db_error", err
	}
	if err := s.deps.Tx(work, func(ctx context.Context) error {
		return s.deps.Studies.Delete(ctx, study.ID)
	}); err != nil {
		return "db_error", fmt.Errorf("delete study %s: %w", study.StudyInstanceUID, err)
	}
	for _, path := range locals {
		removeFile(path)
	}

	log.Info().Bool("archived", exists).Int("local_files", len(locals)).Msg("study deleted")
	return "deleted", nil
}

func (s *DeletionService) localFiles(ctx context.Context, studyID uuid.UUID) ([]string, error) {
	instances, err := s.deps.Instances.ListByStudy(ctx, studyID)
	if err != nil {
		return nil, fmt.Errorf("list study instances: %w", err)
	}
	var paths []string
	for _, inst := range instances {
		if !inst.Storage.IsArchived() {
			paths = append(paths, inst.Storage.Ref)
		}
	}
	return paths, nil
}

// DeleteInstance removes one instance. Archived instances are deleted from
// the archive by SOP instance UID and only a confirmed deletion lets the
// relational record go.
func (s *DeletionService) DeleteInstance(ctx context.Context, id uuid.UUID, requester auth.User) error {
	outcome, err := s.deleteInstance(ctx, id, requester)
	s.deps.Metrics.DeletionsTotal.WithLabelValues("instance", outcome).Inc()
	return err
}

func (s *DeletionService) deleteInstance(ctx context.Context, id uuid.UUID, requester auth.User) (string, error) {
	inst, err := s.deps.Instances.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return "not_found", s.deps.Policy.Missing(requester)
	}
	if err != nil {
		return "db_error", err
	}
	series, study, err := s.deps.ownerOfInstance(ctx, inst)
	if err != nil {
		return "db_error", err
	}

	allowed, err := s.deps.Policy.CanDelete(ctx, requester, study.Ownership())
	if err != nil {
		return "db_error", err
	}
	if !allowed {
		return "denied", ErrPermissionDenied
	}

	log := s.deps.Logger.With().
		Str("sop_uid", inst.SOPInstanceUID).
		Str("storage", inst.Storage.String()).
		Str("requester", requester.ID.String()).
		Logger()

	work := context.WithoutCancel(ctx)

	if inst.Storage.IsArchived() {
		outcome, err := s.deps.Archive.DeleteInstance(work, inst.SOPInstanceUID)
		if outcome != archive.OutcomeDeleted {
			if err == nil {
				err = fmt.Errorf("archive outcome %s", outcome)
			}
			log.Error().Err(err).Msg("archive instance deletion failed, instance kept")
			return "archive_error", &DeletionError{Level: "instance", UID: inst.SOPInstanceUID,
				Outcome: outcome, Err: err}
		}
	} else if err := os.Remove(inst.Storage.Ref); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Error().Err(err).Msg("local payload removal failed, instance kept")
		return "storage_error", &DeletionError{Level: "instance", UID: inst.SOPInstanceUID,
			Outcome: archive.OutcomeOtherError, Err: err}
	}

	if err := s.deps.Tx(work, func(ctx context.Context) error {
		if err := s.deps.Instances.Delete(ctx, inst.ID); err != nil {
			return err
		}
		return s.deps.Series.AdjustInstanceCount(ctx, series.ID, -1)
	}); err != nil {
		return "db_error", fmt.Errorf("delete instance %s: %w", inst.SOPInstanceUID, err)
	}

	log.Info().Msg("instance deleted")
	return "deleted", nil
}
