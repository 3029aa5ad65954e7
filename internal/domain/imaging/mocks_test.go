package imaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mediconnect/mediconnect/internal/domain/identity"
	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/internal/platform/metrics"
)

// -- Mock Store --

// mockStore keeps the three levels of the hierarchy under one lock and
// enforces the same uniqueness rules as the database schema.
type mockStore struct {
	mu        sync.Mutex
	studies   map[uuid.UUID]*Study
	series    map[uuid.UUID]*Series
	instances map[uuid.UUID]*Instance
	links     map[[2]uuid.UUID]bool
}

func newMockStore() *mockStore {
	return &mockStore{
		studies:   make(map[uuid.UUID]*Study),
		series:    make(map[uuid.UUID]*Series),
		instances: make(map[uuid.UUID]*Instance),
		links:     make(map[[2]uuid.UUID]bool),
	}
}

func (m *mockStore) link(patientID, doctorID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[[2]uuid.UUID{patientID, doctorID}] = true
}

func (m *mockStore) IsLinked(_ context.Context, patientID, doctorID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[[2]uuid.UUID{patientID, doctorID}], nil
}

func (m *mockStore) visible(v Visibility, st *Study) bool {
	switch {
	case v.PatientID != uuid.Nil:
		return st.PatientID == v.PatientID
	case v.DoctorID != uuid.Nil:
		return st.DoctorID == v.DoctorID || m.links[[2]uuid.UUID{st.PatientID, v.DoctorID}]
	}
	return false
}

func (m *mockStore) countStudies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.studies)
}

func (m *mockStore) countSeries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.series)
}

func (m *mockStore) countInstances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

type mockStudyRepo struct{ *mockStore }

func (r mockStudyRepo) GetOrCreate(_ context.Context, s *Study) (*Study, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.studies {
		if existing.StudyInstanceUID == s.StudyInstanceUID {
			cp := *existing
			return &cp, false, nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	r.studies[s.ID] = &cp
	return s, true, nil
}

func (r mockStudyRepo) GetByID(_ context.Context, id uuid.UUID) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.studies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r mockStudyRepo) GetByUID(_ context.Context, uid string) (*Study, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.studies {
		if s.StudyInstanceUID == uid {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r mockStudyRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Study, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Study
	for _, s := range r.studies {
		if r.visible(f.Visibility, s) {
			out = append(out, s)
		}
	}
	return page(out, limit, offset), len(out), nil
}

func (r mockStudyRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.studies[id]; !ok {
		return ErrNotFound
	}
	delete(r.studies, id)
	for sid, se := range r.series {
		if se.StudyID != id {
			continue
		}
		for iid, inst := range r.instances {
			if inst.SeriesID == sid {
				delete(r.instances, iid)
			}
		}
		delete(r.series, sid)
	}
	return nil
}

type mockSeriesRepo struct{ *mockStore }

func (r mockSeriesRepo) GetOrCreate(_ context.Context, s *Series) (*Series, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.series {
		if existing.StudyID == s.StudyID && existing.SeriesInstanceUID == s.SeriesInstanceUID {
			cp := *existing
			return &cp, false, nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	r.series[s.ID] = &cp
	return s, true, nil
}

func (r mockSeriesRepo) GetByID(_ context.Context, id uuid.UUID) (*Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r mockSeriesRepo) ListByStudy(_ context.Context, studyID uuid.UUID) ([]*Series, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Series
	for _, s := range r.series {
		if s.StudyID == studyID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r mockSeriesRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Series, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Series
	for _, s := range r.series {
		st := r.studies[s.StudyID]
		if st == nil || !r.visible(f.Visibility, st) {
			continue
		}
		if f.StudyID != uuid.Nil && s.StudyID != f.StudyID {
			continue
		}
		if f.Modality != "" && s.Modality != f.Modality {
			continue
		}
		out = append(out, s)
	}
	return page(out, limit, offset), len(out), nil
}

func (r mockSeriesRepo) AdjustInstanceCount(_ context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[id]
	if !ok {
		return ErrNotFound
	}
	s.NumberOfInstances += delta
	if s.NumberOfInstances < 0 {
		s.NumberOfInstances = 0
	}
	return nil
}

type mockInstanceRepo struct {
	*mockStore
	failCreate error
}

func (r *mockInstanceRepo) Create(_ context.Context, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	for _, existing := range r.instances {
		if existing.SeriesID == inst.SeriesID && existing.SOPInstanceUID == inst.SOPInstanceUID {
			return fmt.Errorf("instance %s: %w", inst.SOPInstanceUID, ErrDuplicateInstance)
		}
	}
	if inst.ID == uuid.Nil {
		inst.ID = uuid.New()
	}
	inst.IsActive = true
	cp := *inst
	r.instances[inst.ID] = &cp
	return nil
}

func (r *mockInstanceRepo) GetByID(_ context.Context, id uuid.UUID) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *mockInstanceRepo) ListBySeries(_ context.Context, seriesID uuid.UUID) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if inst.SeriesID == seriesID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockInstanceRepo) ListByStudy(_ context.Context, studyID uuid.UUID) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		if se := r.series[inst.SeriesID]; se != nil && se.StudyID == studyID {
			cp := *inst
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *mockInstanceRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Instance, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.instances {
		se := r.series[inst.SeriesID]
		if se == nil {
			continue
		}
		st := r.studies[se.StudyID]
		if st == nil || !r.visible(f.Visibility, st) {
			continue
		}
		if f.SeriesID != uuid.Nil && inst.SeriesID != f.SeriesID {
			continue
		}
		if f.StudyID != uuid.Nil && se.StudyID != f.StudyID {
			continue
		}
		out = append(out, inst)
	}
	return page(out, limit, offset), len(out), nil
}

func (r *mockInstanceRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[id]; !ok {
		return ErrNotFound
	}
	delete(r.instances, id)
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// -- Mock Users --

type mockUsers struct {
	users map[uuid.UUID]*identity.User
}

func (m *mockUsers) add(role auth.Role) *identity.User {
	u := &identity.User{ID: uuid.New(), Username: string(role) + "-" + uuid.NewString()[:8], Role: role, IsActive: true}
	m.users[u.ID] = u
	return u
}

func (m *mockUsers) GetByID(_ context.Context, id uuid.UUID) (*identity.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return u, nil
}

// -- Mock Archive --

type mockArchive struct {
	mu sync.Mutex

	storeErr     error
	stored       [][]byte
	existing     map[string]bool
	existsErr    error
	studyOutcome archive.Outcome
	studyErr     error
	instOutcome  archive.Outcome
	instErr      error
	deletedStudy []string
	deletedInst  []string
	wado         *archive.Payload
	wadoErr      error
	qido         json.RawMessage
	qidoErr      error
	storeCalls   int
	existsCalls  int
	deleteCalls  int
}

func newMockArchive() *mockArchive {
	return &mockArchive{existing: make(map[string]bool)}
}

func (m *mockArchive) Store(_ context.Context, body io.Reader, _ int64) (*archive.StoreResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeCalls++
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	m.stored = append(m.stored, data)
	id := fmt.Sprintf("orthanc-%d", len(m.stored))
	return &archive.StoreResult{ID: id, Path: "/instances/" + id, Status: "Success"}, nil
}

func (m *mockArchive) Exists(_ context.Context, studyUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.existing[studyUID], nil
}

func (m *mockArchive) DeleteStudy(_ context.Context, studyUID string) (archive.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.studyOutcome == archive.OutcomeDeleted {
		m.deletedStudy = append(m.deletedStudy, studyUID)
		delete(m.existing, studyUID)
	}
	return m.studyOutcome, m.studyErr
}

func (m *mockArchive) DeleteInstance(_ context.Context, sopUID string) (archive.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.instOutcome == archive.OutcomeDeleted {
		m.deletedInst = append(m.deletedInst, sopUID)
	}
	return m.instOutcome, m.instErr
}

func (m *mockArchive) RetrieveWADO(_ context.Context, _, _, _ string) (*archive.Payload, error) {
	return m.wado, m.wadoErr
}

func (m *mockArchive) QueryStudies(_ context.Context, _ string) (json.RawMessage, error) {
	return m.qido, m.qidoErr
}

// -- Fixture --

type fixture struct {
	store     *mockStore
	instances *mockInstanceRepo
	users     *mockUsers
	archive   *mockArchive
	metrics   *metrics.ImagingMetrics
	deps      Deps
	dir       string

	ingest  *IngestService
	deletes *DeletionService
	queries *QueryService

	doctor    auth.User
	otherDoc  auth.User
	patient   auth.User
	other     auth.User
	secretary auth.User
}

func newFixture(t testing.TB) *fixture {
	store := newMockStore()
	f := &fixture{
		store:     store,
		instances: &mockInstanceRepo{mockStore: store},
		users:     &mockUsers{users: make(map[uuid.UUID]*identity.User)},
		archive:   newMockArchive(),
		metrics:   metrics.NewNop(),
		dir:       t.TempDir(),
	}
	f.deps = Deps{
		Studies:   mockStudyRepo{store},
		Series:    mockSeriesRepo{store},
		Instances: f.instances,
		Users:     f.users,
		Archive:   f.archive,
		Policy:    NewPolicy(store),
		Logger:    zerolog.Nop(),
		Metrics:   f.metrics,
	}
	f.ingest = NewIngestService(f.deps, IngestConfig{UploadDir: f.dir, DefaultMode: ModeStrict})
	f.deletes = NewDeletionService(f.deps)
	f.queries = NewQueryService(f.deps, ViewerConfig{
		ViewerURL:   "http://viewer.local/viewer",
		DICOMWebURL: "http://api.local/dicom",
	})

	toUser := func(u *identity.User) auth.User { return auth.User{ID: u.ID, Role: u.Role} }
	f.doctor = toUser(f.users.add(auth.RoleDoctor))
	f.otherDoc = toUser(f.users.add(auth.RoleDoctor))
	f.patient = toUser(f.users.add(auth.RolePatient))
	f.other = toUser(f.users.add(auth.RolePatient))
	f.secretary = toUser(f.users.add(auth.RoleSecretary))
	return f
}
