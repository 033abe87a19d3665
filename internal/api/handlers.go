package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/fields"
	"github.com/convertful/integrations/internal/models"
	"github.com/convertful/integrations/internal/transport"
)

// DriverInfo describes one registered driver.
type DriverInfo struct {
	Name        string              `json:"name"`
	Company     driver.Company      `json:"company"`
	Automations []driver.Automation `json:"automations"`
}

// FieldsResponse is every schema a form renderer needs for a driver.
type FieldsResponse struct {
	Credentials fields.Schema       `json:"credentials"`
	Params      fields.Schema       `json:"params"`
	DataRules   fields.Schema       `json:"data_rules"`
	ShowIf      map[string][]any    `json:"show_if"`
	Automations []driver.Automation `json:"automations"`
}

// CheckRequest carries the credentials to test and, optionally, params to
// validate against the fetched meta.
type CheckRequest struct {
	Credentials models.Values `json:"credentials" binding:"required"`
	Params      models.Values `json:"params,omitempty"`
	// OwnerID enables the uniqueness check against the owner's integrations.
	OwnerID string `json:"owner_id,omitempty"`
}

// CheckResponse is what a successful credentials check learned.
type CheckResponse struct {
	Driver       string              `json:"driver"`
	Name         string              `json:"name"`
	Credentials  models.Values       `json:"credentials"`
	Meta         models.Values       `json:"meta"`
	Params       models.Values       `json:"params,omitempty"`
	ParamsFields fields.Schema       `json:"params_fields"`
	CustomFields []string            `json:"custom_fields"`
	RequestLog   []transport.LogEntry `json:"request_log"`
}

// CreateIntegrationRequest registers a new integration.
type CreateIntegrationRequest struct {
	ID          string        `json:"id,omitempty"`
	OwnerID     string        `json:"owner_id" binding:"required"`
	Driver      string        `json:"driver" binding:"required"`
	Credentials models.Values `json:"credentials" binding:"required"`
	Params      models.Values `json:"params,omitempty"`
}

// AutomationRequest schedules an automation for a subscriber.
type AutomationRequest struct {
	Params     models.Values `json:"params,omitempty"`
	Subscriber models.Values `json:"subscriber" binding:"required"`
	// Async only enqueues the job; otherwise it runs before the response.
	Async bool `json:"async,omitempty"`
}

// RetryRequest lists the error codes whose failed jobs are rescheduled.
type RetryRequest struct {
	Codes []int `json:"codes,omitempty"`
}

func (s *Server) handleListDrivers(c *gin.Context) {
	out := []DriverInfo{}
	for _, name := range s.registry.Names() {
		d, err := s.registry.New(name)
		if err != nil {
			s.writeError(c, err, nil)
			return
		}
		out = append(out, DriverInfo{Name: name, Company: d.Company(), Automations: d.DescribeAutomations()})
	}
	c.JSON(http.StatusOK, gin.H{"drivers": out})
}

func (s *Server) handleDriverFields(c *gin.Context) {
	d, err := s.registry.New(c.Param("name"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	c.JSON(http.StatusOK, FieldsResponse{
		Credentials: d.DescribeCredentialsFields(refresh),
		Params:      d.DescribeParamsFields(),
		DataRules:   d.DescribeDataRules(),
		ShowIf:      d.DescribeShowIf(),
		Automations: d.DescribeAutomations(),
	})
}

// handleCheck is the credentials test harness: it validates the
// credentials, fetches meta and returns what the provider answered.
func (s *Server) handleCheck(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	name := c.Param("name")
	d, err := s.registry.FactoryValidated(name, req.Credentials, nil, nil)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if err := d.FetchMeta(c.Request.Context()); err != nil {
		s.writeError(c, err, d.RequestLog())
		return
	}
	if req.OwnerID != "" {
		// identifying values are unique across every provider of the owner
		others, err := s.store.ListIntegrations(c.Request.Context(), req.OwnerID, "")
		if err != nil {
			s.writeError(c, err, nil)
			return
		}
		if err := d.ValidateIfUnique(others); err != nil {
			s.writeError(c, err, d.RequestLog())
			return
		}
	}
	if req.Params != nil {
		if err := d.SetParams(req.Params, true); err != nil {
			s.writeError(c, err, d.RequestLog())
			return
		}
	}

	c.JSON(http.StatusOK, CheckResponse{
		Driver:       name,
		Name:         d.GetName(),
		Credentials:  d.Credentials(),
		Meta:         d.Meta(),
		Params:       d.Params(),
		ParamsFields: d.DescribeParamsFields(),
		CustomFields: d.SuggestCustomFields(),
		RequestLog:   d.RequestLog().Entries(),
	})
}

func (s *Server) handleCreateIntegration(c *gin.Context) {
	var req CreateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	d, err := s.registry.FactoryValidated(req.Driver, req.Credentials, nil, nil)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if err := d.FetchMeta(ctx); err != nil {
		s.writeError(c, err, d.RequestLog())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	others, err := s.store.ListIntegrations(ctx, req.OwnerID, "")
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if err := d.ValidateIfUnique(others.Except(req.ID)); err != nil {
		s.writeError(c, err, nil)
		return
	}
	if req.Params != nil {
		if err := d.SetParams(req.Params, true); err != nil {
			s.writeError(c, err, nil)
			return
		}
	}

	in := &models.Integration{
		ID:          req.ID,
		OwnerID:     req.OwnerID,
		Driver:      req.Driver,
		Credentials: d.Credentials(),
		Meta:        d.Meta(),
		Params:      d.Params(),
	}
	if err := s.store.SaveIntegration(ctx, in); err != nil {
		s.writeError(c, err, nil)
		return
	}
	s.logger.InfoWithContext(ctx, "integration created", "integration_id", in.ID, "driver", in.Driver, "owner_id", in.OwnerID)
	c.JSON(http.StatusCreated, in)
}

func (s *Server) handleGetIntegration(c *gin.Context) {
	in, err := s.store.GetIntegration(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (s *Server) handleDeleteIntegration(c *gin.Context) {
	if err := s.store.DeleteIntegration(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.store.GetIntegration(ctx, c.Param("id")); err != nil {
		s.writeError(c, err, nil)
		return
	}
	jobs, err := s.store.ListJobs(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleExecAutomation(c *gin.Context) {
	var req AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id, name := c.Param("id"), c.Param("automation")

	in, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if !s.hasAutomation(in.Driver, name) {
		s.writeError(c, &errors.ErrUnknownAutomation{Driver: in.Driver, Automation: name}, nil)
		return
	}

	job, err := s.runner.Enqueue(ctx, id, name, req.Params, req.Subscriber)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	if req.Async {
		c.JSON(http.StatusAccepted, job)
		return
	}
	job, err = s.runner.RunJob(ctx, job.ID)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleRetry(c *gin.Context) {
	var req RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	ctx := c.Request.Context()
	in, err := s.store.GetIntegration(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err, nil)
		return
	}

	codes := make([]errors.Code, 0, len(req.Codes))
	for _, code := range req.Codes {
		codes = append(codes, errors.Code(code))
	}
	n, err := errors.Retry(ctx, s.store, in, codes...)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	s.metrics.AddJobsRescheduled(n)
	c.JSON(http.StatusOK, gin.H{"rescheduled": n})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	openOnly := c.DefaultQuery("open", "true") != "false"
	notes, err := s.store.ListNotifications(c.Request.Context(), c.Param("owner"), openOnly)
	if err != nil {
		s.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

func (s *Server) hasAutomation(driverName, automation string) bool {
	d, err := s.registry.New(driverName)
	if err != nil {
		return false
	}
	for _, a := range d.DescribeAutomations() {
		if a.Name == automation {
			return true
		}
	}
	return false
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Message: err.Error(),
		Code:    http.StatusBadRequest,
	})
}

// writeError maps core errors onto HTTP answers. Integration errors are the
// user's business and answer 422; lookups of unknown things answer 404.
func (s *Server) writeError(c *gin.Context, err error, log *transport.Log) {
	if ie, ok := errors.AsIntegrationError(err); ok {
		resp := ErrorResponse{
			Error:           "integration_error",
			Message:         ie.Message,
			Code:            http.StatusUnprocessableEntity,
			IntegrationCode: int(ie.Code),
			Field:           ie.Field,
		}
		if log != nil {
			c.JSON(resp.Code, gin.H{"error": resp, "request_log": log.Entries()})
			return
		}
		c.JSON(resp.Code, resp)
		return
	}

	var (
		driverNotFound    *errors.ErrDriverNotFound
		unknownAutomation *errors.ErrUnknownAutomation
	)
	switch {
	case errors.IsNotFound(err), stderrors.As(err, &driverNotFound), stderrors.As(err, &unknownAutomation):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error(), Code: http.StatusNotFound})
	default:
		s.logger.ErrorWithContext(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err.Error())
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error(), Code: http.StatusInternalServerError})
	}
}
