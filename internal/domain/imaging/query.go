package imaging

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

type ViewerConfig struct {
	// ViewerURL is the viewer entry point, e.g. http://localhost:3000/viewer.
	ViewerURL string
	// DICOMWebURL is the public root of the wado and qido proxies.
	DICOMWebURL string
}

// QueryService serves role-filtered reads of the imaging hierarchy.
type QueryService struct {
	deps   Deps
	viewer ViewerConfig
}

func NewQueryService(deps Deps, viewer ViewerConfig) *QueryService {
	deps.defaults()
	viewer.ViewerURL = strings.TrimRight(viewer.ViewerURL, "/")
	viewer.DICOMWebURL = strings.TrimRight(viewer.DICOMWebURL, "/")
	return &QueryService{deps: deps, viewer: viewer}
}

func (s *QueryService) authorize(ctx context.Context, user auth.User, node Ownership) error {
	ok, err := s.deps.Policy.CanView(ctx, user, node)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return nil
}

func (s *QueryService) missing(user auth.User, err error) error {
	if errors.Is(err, ErrNotFound) {
		return s.deps.Policy.Missing(user)
	}
	return err
}

// GetStudy returns the full hierarchy of a study.
func (s *QueryService) GetStudy(ctx context.Context, id uuid.UUID, user auth.User) (*StudyView, error) {
	study, err := s.deps.Studies.GetByID(ctx, id)
	if err != nil {
		return nil, s.missing(user, err)
	}
	if err := s.authorize(ctx, user, study.Ownership()); err != nil {
		return nil, err
	}
	return s.deps.loadView(ctx, study)
}

func (s *QueryService) ListStudies(ctx context.Context, user auth.User, limit, offset int) ([]*Study, int, error) {
	vis := s.deps.Policy.Visibility(user)
	if vis.None() {
		return []*Study{}, 0, nil
	}
	return s.deps.Studies.List(ctx, ListFilter{Visibility: vis}, limit, offset)
}

func (s *QueryService) GetSeries(ctx context.Context, id uuid.UUID, user auth.User) (*SeriesView, error) {
	series, err := s.deps.Series.GetByID(ctx, id)
	if err != nil {
		return nil, s.missing(user, err)
	}
	study, err := s.deps.ownerOfSeries(ctx, series)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user, study.Ownership()); err != nil {
		return nil, err
	}

	instances, err := s.deps.Instances.ListBySeries(ctx, series.ID)
	if err != nil {
		return nil, err
	}
	if instances == nil {
		instances = []*Instance{}
	}
	return &SeriesView{Series: series, Instances: instances, InstanceCount: len(instances)}, nil
}

func (s *QueryService) ListSeries(ctx context.Context, user auth.User, f ListFilter, limit, offset int) ([]*Series, int, error) {
	f.Visibility = s.deps.Policy.Visibility(user)
	if f.Visibility.None() {
		return []*Series{}, 0, nil
	}
	return s.deps.Series.List(ctx, f, limit, offset)
}

func (s *QueryService) GetInstance(ctx context.Context, id uuid.UUID, user auth.User) (*Instance, error) {
	inst, err := s.deps.Instances.GetByID(ctx, id)
	if err != nil {
		return nil, s.missing(user, err)
	}
	_, study, err := s.deps.ownerOfInstance(ctx, inst)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, user, study.Ownership()); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *QueryService) ListInstances(ctx context.Context, user auth.User, f ListFilter, limit, offset int) ([]*Instance, int, error) {
	f.Visibility = s.deps.Policy.Visibility(user)
	if f.Visibility.None() {
		return []*Instance{}, 0, nil
	}
	return s.deps.Instances.List(ctx, f, limit, offset)
}

// ViewerURL builds the viewer link of a study the requester may see.
func (s *QueryService) ViewerURL(ctx context.Context, id uuid.UUID, user auth.User) (*ViewerLink, error) {
	study, err := s.deps.Studies.GetByID(ctx, id)
	if err != nil {
		return nil, s.missing(user, err)
	}
	if err := s.authorize(ctx, user, study.Ownership()); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("studyInstanceUID", study.StudyInstanceUID)
	q.Set("wadoURL", s.viewer.DICOMWebURL+"/wado")
	q.Set("qidoURL", s.viewer.DICOMWebURL+"/qido")

	return &ViewerLink{
		ViewerURL:        s.viewer.ViewerURL + "?" + q.Encode(),
		StudyInstanceUID: study.StudyInstanceUID,
		StudyDescription: study.StudyDescription,
		StudyDate:        study.StudyDate,
	}, nil
}

// AuthorizeStudyUID checks that user may view the study with uid. Archive
// proxies call it before forwarding a request.
func (s *QueryService) AuthorizeStudyUID(ctx context.Context, uid string, user auth.User) error {
	study, err := s.deps.Studies.GetByUID(ctx, uid)
	if err != nil {
		return s.missing(user, err)
	}
	return s.authorize(ctx, user, study.Ownership())
}
