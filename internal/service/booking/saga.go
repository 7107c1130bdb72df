package booking

import (
	"context"

	"github.com/carewire/booking-api/pkg/logger"
	"github.com/carewire/booking-api/pkg/metrics"
)

// rollback undoes one committed saga step.
type rollback struct {
	step string
	undo func(ctx context.Context) error
}

// saga tracks the committed steps of a single workflow run. Steps that mutate
// durable state before a downstream call register an undo handler; when a
// later step hits an infrastructure failure (or loses a conditional update),
// compensate runs the handlers in reverse order.
//
// Business rejections raised before any commit never reach compensation.
type saga struct {
	workflow  string
	rollbacks []rollback
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func newSaga(workflow string, log *logger.Logger, m *metrics.Metrics) *saga {
	return &saga{
		workflow: workflow,
		logger:   log,
		metrics:  m,
	}
}

// committed records that a durable mutation succeeded and how to undo it.
func (s *saga) committed(step string, undo func(ctx context.Context) error) {
	s.rollbacks = append(s.rollbacks, rollback{step: step, undo: undo})
}

// compensate undoes committed steps in reverse order. Rollback errors are
// logged, never returned: they must not mask the failure that triggered
// compensation, and a half-rolled-back saga is an operational follow-up, not
// something the caller can act on.
func (s *saga) compensate(ctx context.Context, cause error) {
	s.metrics.SagaCompensations.WithLabelValues(s.workflow).Inc()
	s.logger.Warn("compensating workflow",
		"workflow", s.workflow,
		"cause", cause.Error(),
		"steps", len(s.rollbacks))

	for i := len(s.rollbacks) - 1; i >= 0; i-- {
		rb := s.rollbacks[i]
		if err := rb.undo(ctx); err != nil {
			s.logger.Error(err, "rollback failed",
				"workflow", s.workflow,
				"step", rb.step)
			continue
		}
		s.logger.Info("rolled back step",
			"workflow", s.workflow,
			"step", rb.step)
	}
}
