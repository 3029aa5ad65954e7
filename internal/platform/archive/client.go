// Package archive is a client for an Orthanc-compatible imaging archive
// (PACS). It stores DICOM payloads, probes and deletes studies and instances
// by UID, and proxies WADO and QIDO requests.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mediconnect/mediconnect/internal/platform/metrics"
)

const (
	contentTypeDICOM = "application/dicom"

	// errorBodyLimit caps how much of a failed response is kept for errors.
	errorBodyLimit = 1024

	defaultTimeout  = 30 * time.Second
	defaultQIDOPath = "/dicom-web/qido"
)

// Config is the connection configuration of the archive.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// QIDOPath is appended to BaseURL for study queries.
	QIDOPath string
}

// Outcome classifies the result of a delete request.
type Outcome int

const (
	OutcomeDeleted Outcome = iota
	OutcomeNotFound
	OutcomeForbidden
	OutcomeOtherError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeleted:
		return "deleted"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeForbidden:
		return "forbidden"
	default:
		return "other_error"
	}
}

// StoreResult is the archive's answer to a successful store.
type StoreResult struct {
	ID           string `json:"ID"`
	Path         string `json:"Path"`
	Status       string `json:"Status"`
	ParentStudy  string `json:"ParentStudy"`
	ParentSeries string `json:"ParentSeries"`
}

// Location returns the archive reference to persist for the stored object.
func (r *StoreResult) Location() string {
	if r.Path != "" {
		return r.Path
	}
	return "/instances/" + r.ID
}

// Payload is a binary object retrieved from the archive.
type Payload struct {
	ContentType string
	Data        []byte
}

// Client talks to the archive over HTTP. It never retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	metrics    *metrics.ImagingMetrics
}

// New creates a client. m may be nil.
func New(cfg Config, m *metrics.ImagingMetrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QIDOPath == "" {
		cfg.QIDOPath = defaultQIDOPath
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if m == nil {
		m = metrics.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
	}
}

// BaseURL returns the configured archive root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Ping checks that the archive answers its system endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/system", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, "ping")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse("ping", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Store submits a DICOM payload of size bytes.
func (c *Client) Store(ctx context.Context, body io.Reader, size int64) (*StoreResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/instances", body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentTypeDICOM)

	resp, err := c.do(req, "store")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorFromResponse("store", resp)
	}

	var result StoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode store response: %w", err)
	}
	return &result, nil
}

// Exists reports whether the archive holds a study with the given UID.
func (c *Client) Exists(ctx context.Context, studyUID string) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/studies/"+url.PathEscape(studyUID), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.do(req, "exists")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return true, nil
	default:
		return false, errorFromResponse("exists", resp)
	}
}

// DeleteStudy removes a study. The returned error is non-nil for
// OutcomeOtherError and for transport failures.
func (c *Client) DeleteStudy(ctx context.Context, studyUID string) (Outcome, error) {
	return c.delete(ctx, "delete_study", "/studies/"+url.PathEscape(studyUID))
}

// DeleteInstance removes a single instance.
func (c *Client) DeleteInstance(ctx context.Context, sopInstanceUID string) (Outcome, error) {
	return c.delete(ctx, "delete_instance", "/instances/"+url.PathEscape(sopInstanceUID))
}

func (c *Client) delete(ctx context.Context, op, path string) (Outcome, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return OutcomeOtherError, err
	}

	resp, err := c.do(req, op)
	if err != nil {
		return OutcomeOtherError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return OutcomeDeleted, nil
	case resp.StatusCode == http.StatusNotFound:
		return OutcomeNotFound, nil
	case resp.StatusCode == http.StatusForbidden:
		return OutcomeForbidden, nil
	default:
		return OutcomeOtherError, errorFromResponse(op, resp)
	}
}

// RetrieveWADO fetches one object through the WADO-URI endpoint.
func (c *Client) RetrieveWADO(ctx context.Context, studyUID, seriesUID, objectUID string) (*Payload, error) {
	q := url.Values{}
	q.Set("requestType", "WADO")
	q.Set("studyUID", studyUID)
	q.Set("seriesUID", seriesUID)
	q.Set("objectUID", objectUID)
	q.Set("contentType", contentTypeDICOM)

	req, err := c.newRequest(ctx, http.MethodGet, "/wado?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, "wado")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("wado", resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read wado response: %w", err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = contentTypeDICOM
	}
	return &Payload{ContentType: ct, Data: data}, nil
}

// QueryStudies runs a QIDO study query and returns the archive's JSON as is.
func (c *Client) QueryStudies(ctx context.Context, studyUID string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("StudyInstanceUID", studyUID)

	req, err := c.newRequest(ctx, http.MethodGet, c.cfg.QIDOPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req, "qido")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse("qido", resp)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode qido response: %w", err)
	}
	return raw, nil
}

// ListStudies returns the archive identifiers of every stored study.
func (c *Client) ListStudies(ctx context.Context) ([]string, error) {
	return c.list(ctx, "list_studies", "/studies")
}

// ListSeries returns the archive identifiers of the series of a study.
func (c *Client) ListSeries(ctx context.Context, studyID string) ([]string, error) {
	return c.listChildren(ctx, "list_series", "/studies/"+url.PathEscape(studyID)+"/series")
}

// ListInstances returns the archive identifiers of the instances of a series.
func (c *Client) ListInstances(ctx context.Context, seriesID string) ([]string, error) {
	return c.listChildren(ctx, "list_instances", "/series/"+url.PathEscape(seriesID)+"/instances")
}

func (c *Client) list(ctx context.Context, op, path string) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(op, resp)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	return ids, nil
}

// listChildren decodes the expanded child resources Orthanc returns for
// nested collections and keeps their identifiers.
func (c *Client) listChildren(ctx context.Context, op, path string) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(op, resp)
	}

	var children []struct {
		ID string `json:"ID"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&children); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	ids := make([]string, 0, len(children))
	for _, ch := range children {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build archive request %s %s: %w", method, path, err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveArchiveRequest(op, 0, time.Since(start))
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	c.metrics.ObserveArchiveRequest(op, resp.StatusCode, time.Since(start))
	return resp, nil
}

func errorFromResponse(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &Error{
		Operation: op,
		Status:    resp.StatusCode,
		Body:      strings.TrimSpace(string(body)),
	}
}
