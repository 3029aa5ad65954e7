package imaging

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/dicommeta"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrArchiveForbidden  = errors.New("archive refused the deletion")
	ErrInvalidPatient    = errors.New("patient does not exist or is not a patient")
	ErrDuplicateInstance = errors.New("instance already exists in this series")
	ErrStudyConflict     = errors.New("study belongs to another patient")
)

// DeletionError reports an archive failure that stopped a deletion. The
// relational records are left untouched when it is returned.
type DeletionError struct {
	Level   string // study or instance
	UID     string
	Outcome archive.Outcome
	Err     error
}

func (e *DeletionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("delete %s %s: archive outcome %s", e.Level, e.UID, e.Outcome)
	}
	return fmt.Sprintf("delete %s %s: %v", e.Level, e.UID, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

// httpError maps a service error to the HTTP error returned to clients.
func httpError(err error) *echo.HTTPError {
	var delErr *DeletionError
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrArchiveForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidPatient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateInstance), errors.Is(err, ErrStudyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &delErr):
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	case errors.Is(err, dicommeta.ErrExtraction):
		return echo.NewHTTPError(http.StatusInternalServerError, "error processing DICOM file: "+err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
