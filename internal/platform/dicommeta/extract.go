// Package dicommeta reads the identifying metadata of a DICOM object without
// decoding its pixel data.
package dicommeta

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DefaultModality is used when the object carries no Modality element.
const DefaultModality = "OT"

// MaxUIDLength is the longest UID a UI element may carry.
const MaxUIDLength = 64

var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// daLayout is the DICOM DA value representation (YYYYMMDD).
const daLayout = "20060102"

// ErrExtraction is matched by every *ExtractionError.
var ErrExtraction = errors.New("dicom metadata extraction failed")

// ExtractionError reports that a payload could not be parsed as DICOM.
type ExtractionError struct {
	Cause string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %s", ErrExtraction.Error(), e.Cause)
}

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

// Metadata holds the fields used to place an object in the
// study/series/instance hierarchy. Optional fields are empty or zero when the
// source object does not carry them.
type Metadata struct {
	StudyInstanceUID  string `json:"study_instance_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	SOPInstanceUID    string `json:"sop_instance_uid"`
	Modality          string `json:"modality"`
	StudyDate         string `json:"study_date,omitempty"`
	StudyDescription  string `json:"study_description,omitempty"`
	SeriesDescription string `json:"series_description,omitempty"`
	SeriesNumber      int    `json:"series_number"`
	InstanceNumber    int    `json:"instance_number"`
	StudyID           string `json:"study_id,omitempty"`
	AccessionNumber   string `json:"accession_number,omitempty"`

	// Generated lists the identity fields that were filled with placeholders.
	Generated []string `json:"generated,omitempty"`
}

// Extract parses r (size bytes long) and returns its metadata. Pixel data is
// skipped. Missing elements are not an error; an unparseable payload is.
func Extract(r io.Reader, size int64) (*Metadata, error) {
	ds, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, &ExtractionError{Cause: err.Error()}
	}

	md := &Metadata{
		StudyInstanceUID:  stringByTag(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: stringByTag(&ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    stringByTag(&ds, tag.SOPInstanceUID),
		Modality:          stringByTag(&ds, tag.Modality),
		StudyDate:         stringByTag(&ds, tag.StudyDate),
		StudyDescription:  stringByTag(&ds, tag.StudyDescription),
		SeriesDescription: stringByTag(&ds, tag.SeriesDescription),
		SeriesNumber:      intByTag(&ds, tag.SeriesNumber),
		InstanceNumber:    intByTag(&ds, tag.InstanceNumber),
		StudyID:           stringByTag(&ds, tag.StudyID),
		AccessionNumber:   stringByTag(&ds, tag.AccessionNumber),
	}
	return md, nil
}

// ExtractFile opens path and extracts its metadata.
func ExtractFile(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return Extract(f, info.Size())
}

// ValidUID reports whether uid follows the UI value grammar: dot-separated
// numeric components, at most MaxUIDLength characters.
func ValidUID(uid string) bool {
	return len(uid) <= MaxUIDLength && uidPattern.MatchString(uid)
}

// WithPlaceholders returns a copy of md where every missing or malformed
// identity UID is replaced by a freshly generated one and a missing modality
// by DefaultModality. The names of generated UID fields are listed in
// Generated.
func (md *Metadata) WithPlaceholders() *Metadata {
	out := *md
	out.Generated = nil
	fill := func(uid *string, field string) {
		if ValidUID(*uid) {
			return
		}
		*uid = NewUID()
		out.Generated = append(out.Generated, field)
	}
	fill(&out.StudyInstanceUID, "study_instance_uid")
	fill(&out.SeriesInstanceUID, "series_instance_uid")
	fill(&out.SOPInstanceUID, "sop_instance_uid")
	if out.Modality == "" {
		out.Modality = DefaultModality
	}
	return &out
}

// StudyTime parses StudyDate. ok is false when the element is absent or not a
// valid DA value.
func (md *Metadata) StudyTime() (t time.Time, ok bool) {
	if md.StudyDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(daLayout, md.StudyDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// NewUID returns a UUID-derived DICOM UID ("2.25." followed by the UUID read
// as an unsigned decimal integer).
func NewUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return "2.25." + n.String()
}

func stringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(v[0], "\x00"))
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

func intByTag(ds *dicom.Dataset, t tag.Tag) int {
	s := stringByTag(ds, t)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
