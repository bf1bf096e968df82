package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/voicehome/intenthub/internal/core/domain"
	coreregistry "github.com/voicehome/intenthub/internal/core/registry"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)

	e.POST("/devices", s.RegisterDeviceHandler)
	e.GET("/devices", s.ListDevicesHandler)
	e.GET("/devices/:id", s.GetDeviceHandler)
	e.DELETE("/devices/:id", s.UnregisterDeviceHandler)

	e.POST("/command", s.DispatchCommandHandler)
	e.DELETE("/commands/:id", s.CancelCommandHandler)

	e.POST("/scenarios", s.SaveScenarioHandler)
	e.GET("/scenarios", s.ListScenariosHandler)
	e.POST("/scenarios/run", s.RunScenarioHandler)

	e.GET("/sync/status", s.SyncStatusHandler)

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK "+response.Version)
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) RegisterDeviceHandler(c echo.Context) error {
	var device domain.Device
	if err := c.Bind(&device); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", err.Error()))
	}
	if device.Id == "" || device.Protocol == "" || device.Address == "" {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", "id, protocol and address are required"))
	}
	if err := s.registry.Register(device); err != nil {
		return s.coreError(c, err)
	}
	registered, err := s.registry.Get(device.Id)
	if err != nil {
		return s.coreError(c, err)
	}
	return c.JSON(http.StatusCreated, registered)
}

func (s *Server) ListDevicesHandler(c echo.Context) error {
	filter := coreregistry.Filter{
		Type:     domain.DeviceType(c.QueryParam("type")),
		Location: c.QueryParam("location"),
		Room:     c.QueryParam("room"),
	}
	devices := s.registry.Find(filter)
	if devices == nil {
		devices = []domain.Device{}
	}
	return c.JSON(http.StatusOK, devices)
}

func (s *Server) GetDeviceHandler(c echo.Context) error {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		return s.coreError(c, err)
	}
	return c.JSON(http.StatusOK, device)
}

func (s *Server) UnregisterDeviceHandler(c echo.Context) error {
	if err := s.registry.Unregister(c.Param("id")); err != nil {
		return s.coreError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type commandRequest struct {
	CommandId string         `json:"command_id,omitempty"`
	Action    domain.Action  `json:"action"`
	Targets   []string       `json:"targets"`
	Params    map[string]any `json:"params,omitempty"`
}

func (s *Server) DispatchCommandHandler(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", err.Error()))
	}
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.DispatchIntentRequest{
		CommandId: req.CommandId,
		Intent:    domain.Intent{Action: req.Action, Targets: req.Targets, Params: req.Params},
	}, s.requestTimeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	response, ok := res.(domain.DispatchIntentResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "unexpected dispatcher reply"))
	}
	if response.HasResponseError() {
		return s.commandError(c, response)
	}
	return c.JSON(http.StatusOK, response.Result)
}

func (s *Server) CancelCommandHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.CancelCommandRequest{
		CommandId: c.Param("id"),
	}, s.requestTimeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	response, ok := res.(domain.CancelCommandResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "unexpected dispatcher reply"))
	}
	if !response.Cancelled {
		return c.JSON(http.StatusNotFound, errorBody("COMMAND_NOT_FOUND", "no pending command with that id"))
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) SaveScenarioHandler(c echo.Context) error {
	var scenario domain.Scenario
	if err := c.Bind(&scenario); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", err.Error()))
	}
	if scenario.Name == "" {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", "scenario name is required"))
	}
	_, err := s.rootContext.RequestFuture(s.hubActor, domain.SaveScenarioRequest{Scenario: scenario}, s.requestTimeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	return c.JSON(http.StatusCreated, scenario)
}

func (s *Server) ListScenariosHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.ListScenariosRequest{}, s.requestTimeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	response, ok := res.(domain.ListScenariosResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "unexpected scenario reply"))
	}
	if response.Scenarios == nil {
		response.Scenarios = []domain.Scenario{}
	}
	return c.JSON(http.StatusOK, response.Scenarios)
}

func (s *Server) RunScenarioHandler(c echo.Context) error {
	var scenario domain.Scenario
	if err := c.Bind(&scenario); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_BODY", err.Error()))
	}
	// the whole scenario may take several dispatch deadlines to finish;
	// the connection write deadline has to outlive that wait
	timeout := s.requestTimeout * time.Duration(1+len(scenario.Intents))
	_ = http.NewResponseController(c.Response()).SetWriteDeadline(time.Now().Add(timeout + 5*time.Second))
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.RunScenarioRequest{Scenario: scenario}, timeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	response, ok := res.(domain.RunScenarioResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "unexpected scenario reply"))
	}
	if response.HasResponseError() {
		return s.coreError(c, response.GetResponseError())
	}
	return c.JSON(http.StatusOK, response.Result)
}

func (s *Server) SyncStatusHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.hubActor, domain.SyncStatusRequest{}, s.requestTimeout).Result()
	if err != nil {
		return c.JSON(http.StatusGatewayTimeout, errorBody(domain.ErrDeadlineExceeded.Code, err.Error()))
	}
	response, ok := res.(domain.SyncStatusResponse)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL", "unexpected sync reply"))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"cycles":        response.Cycles,
		"fail_streaks":  response.FailStreaks,
		"last_cycle_at": response.LastCycleAt,
		"drifted_count": response.DriftedCount,
	})
}

// commandError maps a rejected dispatch to a status code while keeping
// the partial per-device outcome in the body.
func (s *Server) commandError(c echo.Context, response domain.DispatchIntentResponse) error {
	return c.JSON(statusFor(response.GetResponseError()), map[string]any{
		"error":  errorCode(response.GetResponseError()),
		"result": response.Result,
	})
}

func (s *Server) coreError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), errorBody(errorCode(err), err.Error()))
}

func statusFor(err error) int {
	var coreErr *domain.CoreError
	if errors.As(err, &coreErr) {
		switch coreErr.Code {
		case domain.ErrDeviceNotFound.Code, domain.ErrScenarioNotFound.Code:
			return http.StatusNotFound
		case domain.ErrDuplicateDevice.Code, domain.ErrDuplicateCommand.Code:
			return http.StatusConflict
		case domain.ErrCapabilityMismatch.Code:
			return http.StatusUnprocessableEntity
		case domain.ErrDeadlineExceeded.Code:
			return http.StatusGatewayTimeout
		}
	}
	var adapterErr *domain.AdapterError
	if errors.As(err, &adapterErr) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func errorCode(err error) string {
	var coreErr *domain.CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	var adapterErr *domain.AdapterError
	if errors.As(err, &adapterErr) {
		return string(adapterErr.Kind)
	}
	return "INTERNAL"
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}
