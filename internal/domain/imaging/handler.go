package imaging

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mediconnect/mediconnect/internal/platform/archive"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
	"github.com/mediconnect/mediconnect/pkg/pagination"
)

type Handler struct {
	ingest  *IngestService
	deletes *DeletionService
	queries *QueryService
	archive Archive
}

func NewHandler(ingest *IngestService, deletes *DeletionService, queries *QueryService, a Archive) *Handler {
	return &Handler{ingest: ingest, deletes: deletes, queries: queries, archive: a}
}

// RegisterRoutes mounts the imaging API on g, usually the /dicom group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.Use(auth.RequireAuth())

	g.GET("/wado", h.WADO)
	g.POST("/wado", h.WADO)
	g.GET("/qido", h.QIDO)

	g.POST("/studies/upload_dicom", h.UploadDICOM)
	g.GET("/studies", h.ListStudies)
	g.GET("/studies/:id", h.GetStudy)
	g.GET("/studies/:id/viewer_url", h.ViewerURL)
	g.DELETE("/studies/:id", h.DeleteStudy)

	g.GET("/series", h.ListSeries)
	g.GET("/series/:id", h.GetSeries)

	g.GET("/instances", h.ListInstances)
	g.GET("/instances/:id", h.GetInstance)
	g.DELETE("/instances/:id", h.DeleteInstance)
}

type UploadResponse struct {
	Message string     `json:"message"`
	Study   *StudyView `json:"study"`
}

func requester(c echo.Context) (auth.User, error) {
	user, ok := auth.UserFromContext(c.Request().Context())
	if !ok {
		return auth.User{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return user, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) UploadDICOM(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	if !h.ingest.Policy().CanUpload(user) {
		return echo.NewHTTPError(http.StatusForbidden, "permission denied")
	}

	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "no file provided")
	}
	patient := c.FormValue("patient")
	if patient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}
	patientID, err := uuid.Parse(patient)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}

	var mode Mode
	if m := c.FormValue("mode"); m != "" {
		if mode, err = ParseMode(m); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	src, err := file.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer src.Close()

	view, err := h.ingest.Ingest(c.Request().Context(), IngestRequest{
		Payload:   src,
		FileName:  file.Filename,
		PatientID: patientID,
		Uploader:  user,
		Mode:      mode,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, UploadResponse{Message: "DICOM file processed successfully", Study: view})
}

func (h *Handler) ListStudies(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.queries.ListStudies(c.Request().Context(), user, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStudy(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	view, err := h.queries.GetStudy(c.Request().Context(), id, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ViewerURL(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	link, err := h.queries.ViewerURL(c.Request().Context(), id, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) DeleteStudy(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.deletes.DeleteStudy(c.Request().Context(), id, user); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListSeries(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	studyID, err := queryID(c, "study")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.queries.ListSeries(c.Request().Context(), user,
		ListFilter{StudyID: studyID, Modality: c.QueryParam("modality")}, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSeries(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	view, err := h.queries.GetSeries(c.Request().Context(), id, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListInstances(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	studyID, err := queryID(c, "study")
	if err != nil {
		return err
	}
	seriesID, err := queryID(c, "series")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.queries.ListInstances(c.Request().Context(), user,
		ListFilter{StudyID: studyID, SeriesID: seriesID}, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetInstance(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inst, err := h.queries.GetInstance(c.Request().Context(), id, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) DeleteInstance(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.deletes.DeleteInstance(c.Request().Context(), id, user); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- DICOMweb proxies --

// WADO streams one object from the archive.
func (h *Handler) WADO(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	studyUID, seriesUID, objectUID := c.FormValue("studyUID"), c.FormValue("seriesUID"), c.FormValue("objectUID")
	if studyUID == "" || seriesUID == "" || objectUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing required parameters")
	}
	if err := h.queries.AuthorizeStudyUID(c.Request().Context(), studyUID, user); err != nil {
		return httpError(err)
	}

	payload, err := h.archive.RetrieveWADO(c.Request().Context(), studyUID, seriesUID, objectUID)
	if err != nil {
		return archiveHTTPError(err)
	}
	return c.Blob(http.StatusOK, payload.ContentType, payload.Data)
}

// QIDO forwards a study query to the archive.
func (h *Handler) QIDO(c echo.Context) error {
	user, err := requester(c)
	if err != nil {
		return err
	}
	studyUID := c.QueryParam("StudyInstanceUID")
	if studyUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing StudyInstanceUID parameter")
	}
	if err := h.queries.AuthorizeStudyUID(c.Request().Context(), studyUID, user); err != nil {
		return httpError(err)
	}

	body, err := h.archive.QueryStudies(c.Request().Context(), studyUID)
	if err != nil {
		return archiveHTTPError(err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

// archiveHTTPError passes the archive status through. Transport failures
// become 500.
func archiveHTTPError(err error) *echo.HTTPError {
	var ae *archive.Error
	if errors.As(err, &ae) {
		return echo.NewHTTPError(ae.Status, "archive error: "+ae.Body)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
