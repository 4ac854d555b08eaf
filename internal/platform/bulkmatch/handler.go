package bulkmatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/auth"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
	"github.com/ehr/bulkmatch/internal/platform/middleware"
	"github.com/ehr/bulkmatch/internal/platform/telemetry"
)

const (
	ndjsonContentType = "application/fhir+ndjson"

	HeaderSimulatedError = "X-Simulated-Error"
	HeaderFakeMatches    = "X-Fake-Matches"
	HeaderDuplicates     = "X-Duplicates"
)

var validOutputFormats = map[string]bool{
	"application/fhir+ndjson": true,
	"application/ndjson":      true,
	"ndjson":                  true,
}

// HandlerConfig configures the bulk match HTTP endpoints.
type HandlerConfig struct {
	// BaseURL is the public server root; empty derives it per request.
	BaseURL string
	// MaxResources is the most Patient resources one kickoff may carry.
	MaxResources int
}

// Handler serves Patient/$bulk-match and the job endpoints under /fhir.
type Handler struct {
	engine *Engine
	cfg    HandlerConfig
	logger zerolog.Logger
}

func NewHandler(engine *Engine, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, cfg: cfg, logger: logger}
}

// RegisterRoutes registers the bulk match routes on the FHIR group.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/Patient/$bulk-match", h.KickOff)
	fhirGroup.GET("/jobs/:id/status", h.Status)
	fhirGroup.DELETE("/jobs/:id/status", h.Delete)
	fhirGroup.GET("/jobs/:id/files/:file", h.Download)
}

func (h *Handler) fhirBase(c echo.Context) string {
	return middleware.BaseURL(c, h.cfg.BaseURL) + "/fhir"
}

// ---------------------------------------------------------------------------
// Kick-off
// ---------------------------------------------------------------------------

type kickOffRequest struct {
	fragments []*patient.Patient
	options   Options
}

// KickOff handles POST /fhir/Patient/$bulk-match.
func (h *Handler) KickOff(c echo.Context) error {
	req, status, err := h.parseKickOff(c)
	if err != nil {
		return c.JSON(status, fhir.InvalidOutcome(err.Error()))
	}

	if err := h.applyClientOptions(c, &req.options); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	req.options.FHIRBase = h.fhirBase(c)

	requestURL := middleware.BaseURL(c, h.cfg.BaseURL) + c.Request().URL.RequestURI()
	job, err := h.engine.Create(c.Request().Context(), requestURL, req.options)
	if err != nil {
		if errors.Is(err, ErrTooManyJobs) {
			c.Response().Header().Set("Retry-After", retryAfterSeconds(h.engine.cfg.RetryAfter))
			return c.JSON(http.StatusTooManyRequests, fhir.NewOperationOutcome(
				fhir.IssueSeverityError, fhir.IssueTypeThrottled, "Too many running jobs"))
		}
		h.logger.Error().Err(err).Msg("creating bulk match job")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
	}

	h.engine.Start(job, req.fragments)
	h.logger.Info().Str("job_id", job.ID).Int("fragments", len(req.fragments)).
		Bool("authenticated", job.Options.Authenticated).Msg("bulk match job accepted")

	c.Response().Header().Set("Content-Location", fmt.Sprintf("%s/jobs/%s/status", req.options.FHIRBase, job.ID))
	return c.JSON(http.StatusAccepted, fhir.InformationOutcome("Request accepted. Poll the Content-Location URL for status."))
}

// parseKickOff validates the request in a fixed order and returns the
// status to use on failure.
func (h *Handler) parseKickOff(c echo.Context) (*kickOffRequest, int, error) {
	hdr := c.Request().Header
	if accept := hdr.Get("Accept"); accept != "" && accept != "*/*" && !strings.Contains(accept, ndjsonContentType) {
		return nil, http.StatusBadRequest, fmt.Errorf("Accept header must be %s", ndjsonContentType)
	}
	if prefer := hdr.Get("Prefer"); prefer != "" && !strings.Contains(prefer, "respond-async") {
		return nil, http.StatusBadRequest, errors.New("Prefer header must be respond-async")
	}

	var params fhir.Parameters
	if err := json.NewDecoder(c.Request().Body).Decode(&params); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, http.StatusBadRequest, errors.New("request body is required")
		}
		return nil, http.StatusBadRequest, errors.New("request body must be a JSON Parameters resource")
	}
	if params.ResourceType != "Parameters" {
		return nil, http.StatusBadRequest, fmt.Errorf("expected resourceType Parameters, got %q", params.ResourceType)
	}

	req := &kickOffRequest{}

	if ps := params.Named("_outputFormat"); len(ps) > 0 {
		format := stringValue(ps[0])
		if !validOutputFormats[format] {
			return nil, http.StatusBadRequest, fmt.Errorf("unsupported _outputFormat %q", format)
		}
	}

	if ps := params.Named("count"); len(ps) > 0 {
		n, err := integerValue(ps[0])
		if err != nil || n < 1 {
			return nil, http.StatusBadRequest, errors.New("count must be an integer greater than 0")
		}
		req.options.Count = n
	}

	flags := []struct {
		name string
		dst  *bool
	}{
		{"onlySingleMatch", &req.options.OnlySingleMatch},
		{"onlyCertainMatches", &req.options.OnlyCertainMatches},
	}
	for _, f := range flags {
		ps := params.Named(f.name)
		if len(ps) == 0 {
			continue
		}
		if ps[0].ValueBoolean == nil {
			return nil, http.StatusBadRequest, fmt.Errorf("%s must be a boolean", f.name)
		}
		*f.dst = *ps[0].ValueBoolean
	}

	resources := params.Named("resource")
	if len(resources) == 0 {
		return nil, http.StatusBadRequest, errors.New("at least one resource parameter is required")
	}
	if h.cfg.MaxResources > 0 && len(resources) > h.cfg.MaxResources {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("too many resources: %d (at most %d per request)", len(resources), h.cfg.MaxResources)
	}

	for i, r := range resources {
		p, err := patient.Parse(r.Resource)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("resource %d must be a Patient", i+1)
		}
		if p.ID == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("resource %d (Patient) must have an id", i+1)
		}
		req.fragments = append(req.fragments, p)
	}
	return req, 0, nil
}

// applyClientOptions copies the caller's simulated behaviour into opts:
// from the client descriptor when authenticated, from headers otherwise.
func (h *Handler) applyClientOptions(c echo.Context, opts *Options) error {
	if cc := auth.ClientFromContext(c.Request().Context()); cc != nil {
		opts.Authenticated = true
		if cc.Client != nil {
			opts.Err = cc.Client.Err
			opts.FakeMatches = cc.Client.FakeMatches
			opts.Duplicates = cc.Client.Duplicates
			opts.MatchServer = cc.Client.MatchServer
			opts.MatchToken = cc.Client.MatchToken
		}
		return nil
	}

	hdr := c.Request().Header
	opts.Err = hdr.Get(HeaderSimulatedError)
	percents := []struct {
		header string
		dst    *int
	}{
		{HeaderFakeMatches, &opts.FakeMatches},
		{HeaderDuplicates, &opts.Duplicates},
	}
	for _, p := range percents {
		v := strings.TrimSpace(hdr.Get(p.header))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return fmt.Errorf("%s must be an integer between 0 and 100", p.header)
		}
		*p.dst = n
	}
	return nil
}

func stringValue(p fhir.Parameter) string {
	switch {
	case p.ValueString != nil:
		return *p.ValueString
	case p.ValueCode != nil:
		return *p.ValueCode
	}
	return ""
}

func integerValue(p fhir.Parameter) (int, error) {
	if p.ValueInteger == nil {
		return 0, errors.New("missing valueInteger")
	}
	n, err := p.ValueInteger.Int64()
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, errors.New("valueInteger out of range")
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Status / delete
// ---------------------------------------------------------------------------

// Status handles GET /fhir/jobs/:id/status.
func (h *Handler) Status(c echo.Context) error {
	report, err := h.engine.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.jobError(c, err)
	}
	telemetry.StatusPolls.WithLabelValues(report.Kind).Inc()

	resp := c.Response().Header()
	switch report.Kind {
	case telemetry.PollFailed:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(report.Job.Error))

	case telemetry.PollComplete:
		if !report.Expires.IsZero() {
			resp.Set("Expires", report.Expires.UTC().Format(http.TimeFormat))
		}
		return c.JSON(http.StatusOK, report.Job.Manifest)

	case telemetry.PollTerminated:
		return c.JSON(http.StatusTooManyRequests, fhir.NewOperationOutcome(fhir.IssueSeverityFatal, fhir.IssueTypeThrottled,
			"Too many pending status requests. Session terminated."))

	case telemetry.PollThrottled:
		resp.Set("Retry-After", retryAfterSeconds(report.RetryAfter))
		return c.JSON(http.StatusTooManyRequests, fhir.NewOperationOutcome(fhir.IssueSeverityWarning, fhir.IssueTypeThrottled,
			"Too many requests. Please respect the Retry-After header."))

	default:
		resp.Set("X-Progress", fmt.Sprintf("%d%%", report.Job.Percentage))
		resp.Set("Retry-After", retryAfterSeconds(report.RetryAfter))
		return c.NoContent(http.StatusAccepted)
	}
}

// Delete handles DELETE /fhir/jobs/:id/status.
func (h *Handler) Delete(c echo.Context) error {
	if err := h.engine.Abort(c.Request().Context(), c.Param("id")); err != nil {
		return h.jobError(c, err)
	}
	return c.JSON(http.StatusAccepted, fhir.InformationOutcome("Job deleted"))
}

// ---------------------------------------------------------------------------
// Download
// ---------------------------------------------------------------------------

// Download handles GET /fhir/jobs/:id/files/:file.
func (h *Handler) Download(c echo.Context) error {
	ctx := c.Request().Context()
	job, err := h.engine.Get(ctx, c.Param("id"))
	if err != nil {
		return h.jobError(c, err)
	}
	if job.Manifest.RequiresAccessToken && auth.ClientFromContext(ctx) == nil {
		return c.JSON(http.StatusUnauthorized, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeLogin,
			"Authentication is required to download this file"))
	}

	rc, err := h.engine.OpenFile(ctx, job.ID, c.Param("file"))
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("File not found"))
		}
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("opening result file")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, ndjsonContentType, rc)
}

// jobError maps store failures to responses.
func (h *Handler) jobError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrJobNotFound):
		telemetry.StatusPolls.WithLabelValues(telemetry.PollNotFound).Inc()
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Job not found"))
	case errors.Is(err, ErrJobUnreadable):
		h.logger.Error().Err(err).Str("job_id", c.Param("id")).Msg("job unreadable")
		return c.JSON(http.StatusServiceUnavailable, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient,
			"Job is temporarily unavailable"))
	default:
		h.logger.Error().Err(err).Str("job_id", c.Param("id")).Msg("job request failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("internal error"))
	}
}

func retryAfterSeconds(d time.Duration) string {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
