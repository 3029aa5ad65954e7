// Package dicomtest builds small in-memory DICOM objects for tests.
package dicomtest

import (
	"bytes"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	explicitVRLittleEndian = "1.2.840.10008.1.2.1"
	secondaryCaptureClass  = "1.2.840.10008.5.1.4.1.1.7"
)

// Object describes the identifying elements of a test object. Empty fields
// are left out of the encoded dataset.
type Object struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	Modality          string
	StudyDate         string
	StudyDescription  string
	SeriesDescription string
	SeriesNumber      string
	InstanceNumber    string
	StudyID           string
	AccessionNumber   string
}

// Encode writes o as a Part 10 file and returns its bytes.
func Encode(t testing.TB, o Object) []byte {
	t.Helper()

	sopUID := o.SOPInstanceUID
	if sopUID == "" {
		sopUID = "1.2.826.0.1.3680043.2.1125.1"
	}

	elems := []*dicom.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, secondaryCaptureClass),
		mustElement(t, tag.MediaStorageSOPInstanceUID, sopUID),
		mustElement(t, tag.TransferSyntaxUID, explicitVRLittleEndian),
	}

	optional := []struct {
		t tag.Tag
		v string
	}{
		{tag.SOPInstanceUID, o.SOPInstanceUID},
		{tag.StudyDate, o.StudyDate},
		{tag.AccessionNumber, o.AccessionNumber},
		{tag.Modality, o.Modality},
		{tag.StudyDescription, o.StudyDescription},
		{tag.SeriesDescription, o.SeriesDescription},
		{tag.StudyInstanceUID, o.StudyInstanceUID},
		{tag.SeriesInstanceUID, o.SeriesInstanceUID},
		{tag.StudyID, o.StudyID},
		{tag.SeriesNumber, o.SeriesNumber},
		{tag.InstanceNumber, o.InstanceNumber},
	}
	for _, f := range optional {
		if f.v == "" {
			continue
		}
		elems = append(elems, mustElement(t, f.t, f.v))
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		t.Fatalf("encode dicom: %v", err)
	}
	return buf.Bytes()
}

// Sample returns a fully populated object with the given identity UIDs.
func Sample(studyUID, seriesUID, sopUID string) Object {
	return Object{
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
		Modality:          "CT",
		StudyDate:         "20240115",
		StudyDescription:  "CHEST W/O CONTRAST",
		SeriesDescription: "AXIAL 5MM",
		SeriesNumber:      "3",
		InstanceNumber:    "12",
		StudyID:           "4711",
		AccessionNumber:   "ACC0001",
	}
}

func mustElement(t testing.TB, tg tag.Tag, value string) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, []string{value})
	if err != nil {
		t.Fatalf("new element %v: %v", tg, err)
	}
	return el
}
