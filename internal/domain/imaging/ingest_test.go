package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/internal/platform/dicommeta"
	"github.com/mediconnect/mediconnect/internal/platform/dicommeta/dicomtest"
)

func (f *fixture) upload(t *testing.T, obj dicomtest.Object, mode Mode) (*StudyView, error) {
	t.Helper()
	return f.ingest.Ingest(context.Background(), IngestRequest{
		Payload:   bytes.NewReader(dicomtest.Encode(t, obj)),
		FileName:  "image.dcm",
		PatientID: f.patient.ID,
		Uploader:  f.doctor,
		Mode:      mode,
	})
}

func filesIn(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", dir, err)
	}
	return out
}

func TestIngest_CreatesHierarchy(t *testing.T) {
	f := newFixture(t)

	view, err := f.upload(t, dicomtest.Sample("1.2.3.1", "1.2.3.1.1", "1.2.3.1.1.1"), ModeStrict)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.StudyInstanceUID != "1.2.3.1" {
		t.Errorf("expected study UID 1.2.3.1, got %s", view.StudyInstanceUID)
	}
	if view.DoctorID != f.doctor.ID || view.PatientID != f.patient.ID {
		t.Errorf("expected doctor=%s patient=%s, got doctor=%s patient=%s",
			f.doctor.ID, f.patient.ID, view.DoctorID, view.PatientID)
	}
	if !view.StudyDate.Equal(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected study date 2024-01-15, got %v", view.StudyDate)
	}
	if view.SeriesCount != 1 {
		t.Fatalf("expected 1 series, got %d", view.SeriesCount)
	}
	series := view.FindSeries("1.2.3.1.1")
	if series == nil {
		t.Fatal("expected series 1.2.3.1.1 in view")
	}
	if series.Modality != "CT" {
		t.Errorf("expected modality CT, got %s", series.Modality)
	}
	if series.InstanceCount != 1 || series.NumberOfInstances != 1 {
		t.Errorf("expected 1 instance, got %d (declared %d)", series.InstanceCount, series.NumberOfInstances)
	}
	inst := series.Instances[0]
	if inst.SOPInstanceUID != "1.2.3.1.1.1" {
		t.Errorf("expected SOP UID 1.2.3.1.1.1, got %s", inst.SOPInstanceUID)
	}
	if !inst.Storage.IsArchived() || inst.Storage.Ref != "/instances/orthanc-1" {
		t.Errorf("expected archived storage, got %s", inst.Storage)
	}
	if view.PatientDetails == nil || view.PatientDetails.ID != f.patient.ID {
		t.Error("expected patient details in view")
	}
	if files := filesIn(t, f.dir); len(files) != 0 {
		t.Errorf("expected spooled file to be removed, found %v", files)
	}
	if got := testutil.ToFloat64(f.metrics.IngestTotal.WithLabelValues("strict", "success")); got != 1 {
		t.Errorf("expected 1 successful ingest, got %v", got)
	}
}

func TestIngest_SecondInstanceReusesStudyAndSeries(t *testing.T) {
	f := newFixture(t)

	first, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict)
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.2"), ModeStrict)
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same study, got %s and %s", first.ID, second.ID)
	}
	if f.store.countStudies() != 1 || f.store.countSeries() != 1 {
		t.Errorf("expected 1 study and 1 series, got %d and %d", f.store.countStudies(), f.store.countSeries())
	}
	series := second.FindSeries("1.2.840.10.1.1")
	if series == nil {
		t.Fatal("expected series 1.2.840.10.1.1")
	}
	if series.InstanceCount != 2 || series.NumberOfInstances != 2 {
		t.Errorf("expected 2 instances, got %d (declared %d)", series.InstanceCount, series.NumberOfInstances)
	}
	if second.InstanceTotal() != 2 {
		t.Errorf("expected 2 instances in study, got %d", second.InstanceTotal())
	}
	if got := testutil.ToFloat64(f.metrics.HierarchyCreatedTotal.WithLabelValues("study")); got != 1 {
		t.Errorf("expected 1 study creation, got %v", got)
	}
}

func TestIngest_NewSeriesUnderExistingStudy(t *testing.T) {
	f := newFixture(t)

	if _, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict); err != nil {
		t.Fatal(err)
	}
	view, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.2", "1.2.840.10.1.1.3"), ModeStrict)
	if err != nil {
		t.Fatal(err)
	}
	if view.SeriesCount != 2 {
		t.Errorf("expected 2 series, got %d", view.SeriesCount)
	}
}

func TestIngest_CorruptPayload(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingest.Ingest(context.Background(), IngestRequest{
		Payload:   strings.NewReader("this is not a DICOM file"),
		PatientID: f.patient.ID,
		Uploader:  f.doctor,
	})
	if !errors.Is(err, dicommeta.ErrExtraction) {
		t.Fatalf("expected extraction error, got %v", err)
	}
	if f.store.countStudies()+f.store.countSeries()+f.store.countInstances() != 0 {
		t.Error("expected no rows after a corrupt upload")
	}
	if f.archive.storeCalls != 0 {
		t.Error("expected archive not to be called")
	}
	if files := filesIn(t, f.dir); len(files) != 0 {
		t.Errorf("expected spooled file to be removed, found %v", files)
	}
}

func TestIngest_StrictArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.archive.storeErr = fmt.Errorf("%w: connection refused", archive.ErrUnavailable)

	_, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict)
	if !errors.Is(err, archive.ErrUnavailable) {
		t.Fatalf("expected archive unavailable, got %v", err)
	}
	if f.store.countStudies()+f.store.countSeries()+f.store.countInstances() != 0 {
		t.Error("expected no rows after a strict archive failure")
	}
	if files := filesIn(t, f.dir); len(files) != 0 {
		t.Errorf("expected spooled file to be removed, found %v", files)
	}
	if got := testutil.ToFloat64(f.metrics.IngestTotal.WithLabelValues("strict", "archive_error")); got != 1 {
		t.Errorf("expected archive_error outcome, got %v", got)
	}
}

func TestIngest_LenientArchiveFailureKeepsLocalCopy(t *testing.T) {
	f := newFixture(t)
	f.archive.storeErr = &archive.Error{Operation: "store", Status: 500, Body: "disk full"}

	view, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeLenient)
	if err != nil {
		t.Fatalf("expected lenient upload to succeed, got %v", err)
	}
	inst := view.FindSeries("1.2.840.10.1.1").Instances[0]
	if inst.Storage.Kind != StorageLocal {
		t.Fatalf("expected local storage, got %s", inst.Storage)
	}
	want := filepath.Join(f.dir, filepath.FromSlash(StoragePath(f.patient.ID, "1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1")))
	if inst.Storage.Ref != want {
		t.Errorf("expected payload at %s, got %s", want, inst.Storage.Ref)
	}
	if _, err := os.Stat(inst.Storage.Ref); err != nil {
		t.Errorf("expected local payload to exist: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ArchiveFallbacksTotal); got != 1 {
		t.Errorf("expected 1 archive fallback, got %v", got)
	}
}

func TestIngest_DefaultModeFromConfig(t *testing.T) {
	f := newFixture(t)
	f.ingest = NewIngestService(f.deps, IngestConfig{UploadDir: f.dir})
	f.archive.storeErr = archive.ErrUnavailable

	view, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), "")
	if err != nil {
		t.Fatalf("expected lenient default, got %v", err)
	}
	if view.FindSeries("1.2.840.10.1.1").Instances[0].Storage.IsArchived() {
		t.Error("expected local storage under the lenient default")
	}
}

func TestIngest_PlaceholderUIDs(t *testing.T) {
	f := newFixture(t)

	view, err := f.upload(t, dicomtest.Object{StudyDescription: "no identifiers"}, ModeStrict)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(view.StudyInstanceUID, "2.25.") {
		t.Errorf("expected generated study UID, got %s", view.StudyInstanceUID)
	}
	if len(view.Series) != 1 {
		t.Fatalf("expected 1 series, got %d", len(view.Series))
	}
	series := view.Series[0]
	if !strings.HasPrefix(series.SeriesInstanceUID, "2.25.") {
		t.Errorf("expected generated series UID, got %s", series.SeriesInstanceUID)
	}
	if series.Modality != dicommeta.DefaultModality {
		t.Errorf("expected modality %s, got %s", dicommeta.DefaultModality, series.Modality)
	}
	today := time.Now()
	if view.StudyDate.Year() != today.Year() || view.StudyDate.YearDay() != today.YearDay() {
		t.Errorf("expected today's date, got %v", view.StudyDate)
	}
}

func TestIngest_DuplicateInstance(t *testing.T) {
	f := newFixture(t)

	if _, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict); err != nil {
		t.Fatal(err)
	}
	_, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict)
	if !errors.Is(err, ErrDuplicateInstance) {
		t.Fatalf("expected ErrDuplicateInstance, got %v", err)
	}
	if httpError(err).Code != 409 {
		t.Errorf("expected 409, got %d", httpError(err).Code)
	}
	if f.store.countInstances() != 1 {
		t.Errorf("expected 1 instance, got %d", f.store.countInstances())
	}
}

func TestIngest_StudyOfAnotherPatient(t *testing.T) {
	f := newFixture(t)

	if _, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict); err != nil {
		t.Fatal(err)
	}
	storesBefore := f.archive.storeCalls
	_, err := f.ingest.Ingest(context.Background(), IngestRequest{
		Payload:   bytes.NewReader(dicomtest.Encode(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.3"))),
		PatientID: f.other.ID,
		Uploader:  f.doctor,
		Mode:      ModeStrict,
	})
	if !errors.Is(err, ErrStudyConflict) {
		t.Fatalf("expected ErrStudyConflict, got %v", err)
	}
	if f.archive.storeCalls != storesBefore {
		t.Errorf("expected no archive store for a rejected upload, got %d extra", f.archive.storeCalls-storesBefore)
	}
	if f.store.countInstances() != 1 {
		t.Errorf("expected 1 instance, got %d", f.store.countInstances())
	}
	if files := filesIn(t, f.dir); len(files) != 0 {
		t.Errorf("expected spooled upload removed, found %v", files)
	}
}

func TestIngest_MalformedUIDsStayInUploadDir(t *testing.T) {
	f := newFixture(t)
	f.archive.storeErr = archive.ErrUnavailable

	view, err := f.upload(t, dicomtest.Sample("../../../../../../escaped", "x", "sop"), ModeLenient)
	if err != nil {
		t.Fatalf("expected lenient upload to succeed, got %v", err)
	}
	if !dicommeta.ValidUID(view.StudyInstanceUID) || len(view.Series) != 1 {
		t.Fatalf("expected placeholder study uid, got %q", view.StudyInstanceUID)
	}
	inst := view.Series[0].Instances[0]
	if !dicommeta.ValidUID(inst.SOPInstanceUID) {
		t.Errorf("expected placeholder sop uid, got %q", inst.SOPInstanceUID)
	}
	rel, err := filepath.Rel(f.dir, inst.Storage.Ref)
	if err != nil || strings.HasPrefix(rel, "..") {
		t.Fatalf("expected payload inside %s, got %s", f.dir, inst.Storage.Ref)
	}
	if _, err := os.Stat(inst.Storage.Ref); err != nil {
		t.Errorf("expected local payload to exist: %v", err)
	}
}

func TestWithinDir(t *testing.T) {
	dir := filepath.Join(string(filepath.Separator), "srv", "uploads")
	tests := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "patients", "a.dcm"), true},
		{filepath.Join(dir, "..", "escaped.dcm"), false},
		{filepath.Join(string(filepath.Separator), "escaped", "series", "x.dcm"), false},
		{filepath.Join(dir, "..uploads", "a.dcm"), true},
	}
	for _, tt := range tests {
		if got := withinDir(dir, tt.path); got != tt.want {
			t.Errorf("withinDir(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestIngest_PermissionDenied(t *testing.T) {
	f := newFixture(t)

	for _, uploader := range []auth.User{f.patient, f.secretary, {ID: uuid.New(), Role: auth.RoleHospitalAdmin}} {
		_, err := f.ingest.Ingest(context.Background(), IngestRequest{
			Payload:   bytes.NewReader(dicomtest.Encode(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"))),
			PatientID: f.patient.ID,
			Uploader:  uploader,
		})
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("role %s: expected ErrPermissionDenied, got %v", uploader.Role, err)
		}
	}
	if f.archive.storeCalls != 0 {
		t.Error("expected archive not to be called")
	}
}

func TestIngest_InvalidPatient(t *testing.T) {
	f := newFixture(t)

	for _, patientID := range []uuid.UUID{uuid.New(), f.otherDoc.ID} {
		_, err := f.ingest.Ingest(context.Background(), IngestRequest{
			Payload:   bytes.NewReader(dicomtest.Encode(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"))),
			PatientID: patientID,
			Uploader:  f.doctor,
		})
		if !errors.Is(err, ErrInvalidPatient) {
			t.Errorf("expected ErrInvalidPatient, got %v", err)
		}
	}
}

func TestIngest_DatabaseFailureAfterArchiveStore(t *testing.T) {
	f := newFixture(t)
	f.instances.failCreate = errors.New("connection reset")

	_, err := f.upload(t, dicomtest.Sample("1.2.840.10.1", "1.2.840.10.1.1", "1.2.840.10.1.1.1"), ModeStrict)
	if err == nil {
		t.Fatal("expected database error")
	}
	if len(f.archive.stored) != 1 {
		t.Errorf("expected the archive store to have happened, got %d", len(f.archive.stored))
	}
	if f.store.countInstances() != 0 {
		t.Error("expected no instance row")
	}
	if got := testutil.ToFloat64(f.metrics.IngestTotal.WithLabelValues("strict", "db_error")); got != 1 {
		t.Errorf("expected db_error outcome, got %v", got)
	}
}

func TestIngest_ConcurrentUploadsShareOneStudy(t *testing.T) {
	f := newFixture(t)
	const n = 8

	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = dicomtest.Encode(t, dicomtest.Sample("1.2.840.30.1", "1.2.840.30.1.1", fmt.Sprintf("1.2.840.30.1.1.%d", i)))
	}

	ids := make([]uuid.UUID, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			view, err := f.ingest.Ingest(context.Background(), IngestRequest{
				Payload:   bytes.NewReader(payloads[i]),
				PatientID: f.patient.ID,
				Uploader:  f.doctor,
			})
			if err != nil {
				return err
			}
			ids[i] = view.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent upload failed: %v", err)
	}

	if f.store.countStudies() != 1 || f.store.countSeries() != 1 {
		t.Errorf("expected 1 study and 1 series, got %d and %d", f.store.countStudies(), f.store.countSeries())
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("upload %d referenced study %s, expected %s", i, id, ids[0])
		}
	}
	if f.store.countInstances() != n {
		t.Errorf("expected %d instances, got %d", n, f.store.countInstances())
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"lenient", ModeLenient, false},
		{"STRICT", ModeStrict, false},
		{" strict ", ModeStrict, false},
		{"", "", true},
		{"best-effort", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
