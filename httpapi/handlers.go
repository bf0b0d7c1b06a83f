package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/sandbox"
	"github.com/isdmx/flowbox/session"
)

func (s *Server) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "flowbox code execution API",
		"health":  "/api/health",
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	capabilities := []sandbox.CapabilityInfo{}
	if s.registry != nil {
		capabilities = s.registry.Describe()
	}
	return c.JSON(HealthResponse{
		Status:       "healthy",
		GoVersion:    runtime.Version(),
		APIVersion:   APIVersion,
		Capabilities: capabilities,
	})
}

// parseExecute decodes the body and validates the requested timeout
func (s *Server) parseExecute(c *fiber.Ctx) (sandbox.ExecuteRequest, error) {
	var body ExecuteRequest
	if err := c.BodyParser(&body); err != nil {
		return sandbox.ExecuteRequest{}, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}

	if body.Timeout < 0 {
		return sandbox.ExecuteRequest{}, fiber.NewError(fiber.StatusBadRequest, "timeout must not be negative")
	}
	timeout := time.Duration(body.Timeout * float64(time.Second))
	if limit := s.config.GetMaxTimeout(); limit > 0 && timeout > limit {
		return sandbox.ExecuteRequest{}, fiber.NewError(fiber.StatusBadRequest,
			fmt.Sprintf("timeout %gs exceeds maximum %gs", body.Timeout, limit.Seconds()))
	}

	return sandbox.ExecuteRequest{
		Code:    body.FunctionCode,
		Input:   body.InputText(),
		Timeout: timeout,
	}, nil
}

func (s *Server) handleExecute(c *fiber.Ctx) error {
	req, err := s.parseExecute(c)
	if err != nil {
		return err
	}

	result, err := s.executor.Execute(c.UserContext(), req, nil)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(newExecuteResponse(result))
}

func (s *Server) handleExecuteLogging(c *fiber.Ctx) error {
	req, err := s.parseExecute(c)
	if err != nil {
		return err
	}

	sess, err := s.sessions.Start(c.UserContext(), req)
	if err != nil {
		if errors.Is(err, session.ErrTooManySessions) || errors.Is(err, session.ErrClosed) {
			return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
		}
		return fmt.Errorf("failed to start session: %w", err)
	}

	return c.JSON(StartResponse{
		Success:      true,
		LogFileID:    sess.Token,
		SessionToken: sess.Token,
		Message:      "Execution started, poll logs for updates",
	})
}

func (s *Server) handleReadLog(c *fiber.Ctx) error {
	offset := int64(c.QueryInt("last_position", 0))
	chunk, err := s.logs.Read(c.Params("id"), offset)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	return c.JSON(chunk)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	token := c.Params("id")
	res, err := s.sessions.Cancel(token)
	if errors.Is(err, session.ErrSessionNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(CancelResponse{
			Success:      false,
			Message:      "Session not found",
			SessionToken: token,
		})
	}
	if err != nil {
		return err
	}

	message := "Execution cancelled"
	if !res.Changed {
		message = fmt.Sprintf("Execution already %s", res.Status)
	}
	return c.JSON(CancelResponse{
		Success:      true,
		Message:      message,
		SessionToken: res.Token,
		Status:       res.Status,
	})
}

func (s *Server) handleSessionStatus(c *fiber.Ctx) error {
	snap, ok := s.sessions.Get(c.Params("id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, session.ErrSessionNotFound.Error())
	}

	resp := SessionResponse{
		SessionToken: snap.Token,
		Status:       snap.Status,
		StartedAt:    snap.StartedAt,
		FinishedAt:   snap.FinishedAt,
	}
	if snap.Result != nil {
		result := newExecuteResponse(*snap.Result)
		resp.Result = &result
	}
	return c.JSON(resp)
}

func (s *Server) handleSaveFlow(c *fiber.Ctx) error {
	var body SaveFlowRequest
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
	}
	if body.FlowData == nil {
		return fiber.NewError(fiber.StatusBadRequest, "flow_data is required")
	}
	if body.FlowID == "" {
		body.FlowID = flowstore.DefaultFlowID
	}

	flow, err := s.flows.Save(c.UserContext(), body.FlowID, flowstore.Graph{
		Nodes: body.FlowData.Nodes,
		Edges: body.FlowData.Edges,
	})
	if errors.Is(err, flowstore.ErrInvalidFlowID) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	s.logger.Info("flow saved", zap.String("flow_id", flow.FlowID), zap.Int("nodes", len(flow.Nodes)))
	return c.JSON(FlowResponse{
		Success: true,
		Message: fmt.Sprintf("Flow '%s' saved successfully", flow.FlowID),
		FlowID:  flow.FlowID,
		SavedAt: &flow.SavedAt,
		Nodes:   flow.Nodes,
		Edges:   flow.Edges,
	})
}

func (s *Server) handleLoadFlow(c *fiber.Ctx) error {
	id := c.Params("id")
	flow, err := s.flows.Load(c.UserContext(), id)
	switch {
	case errors.Is(err, flowstore.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(FlowResponse{
			Success: false,
			Message: fmt.Sprintf("Flow '%s' not found", id),
			FlowID:  id,
			Nodes:   []json.RawMessage{},
			Edges:   []json.RawMessage{},
		})
	case errors.Is(err, flowstore.ErrInvalidFlowID):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case err != nil:
		return fmt.Errorf("failed to load flow: %w", err)
	}

	return c.JSON(FlowResponse{
		Success: true,
		Message: fmt.Sprintf("Flow '%s' loaded successfully", flow.FlowID),
		FlowID:  flow.FlowID,
		SavedAt: &flow.SavedAt,
		Nodes:   flow.Nodes,
		Edges:   flow.Edges,
	})
}

func (s *Server) handleListFlows(c *fiber.Ctx) error {
	flows, err := s.flows.List(c.UserContext())
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	if flows == nil {
		flows = []flowstore.Summary{}
	}
	return c.JSON(FlowListResponse{Success: true, Flows: flows, Count: len(flows)})
}
