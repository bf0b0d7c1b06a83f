package flowstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Recorder receives flow store telemetry
type Recorder interface {
	FlowOperation(op, backend string, err error)
}

type instrumented struct {
	Store
	logger   *zap.Logger
	recorder Recorder
}

// Instrument wraps store so every call is logged and counted.
// A missing flow is counted as a success.
func Instrument(store Store, logger *zap.Logger, recorder Recorder) Store {
	return &instrumented{Store: store, logger: logger, recorder: recorder}
}

func (s *instrumented) observe(op, id string, err error) {
	counted := err
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidFlowID) {
		counted = nil
	}
	if s.recorder != nil {
		s.recorder.FlowOperation(op, s.Backend(), counted)
	}
	if counted != nil {
		s.logger.Error("flow store operation failed",
			zap.String("op", op),
			zap.String("backend", s.Backend()),
			zap.String("flow_id", id),
			zap.Error(err),
		)
	}
}

func (s *instrumented) Save(ctx context.Context, id string, graph Graph) (Flow, error) {
	flow, err := s.Store.Save(ctx, id, graph)
	s.observe("save", id, err)
	if err == nil {
		s.logger.Info("flow saved", zap.String("flow_id", id), zap.Int("nodes", len(flow.Nodes)))
	}
	return flow, err
}

func (s *instrumented) Load(ctx context.Context, id string) (Flow, error) {
	flow, err := s.Store.Load(ctx, id)
	s.observe("load", id, err)
	return flow, err
}

func (s *instrumented) List(ctx context.Context) ([]Summary, error) {
	summaries, err := s.Store.List(ctx)
	s.observe("list", "", err)
	return summaries, err
}
