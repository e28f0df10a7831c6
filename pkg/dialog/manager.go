package dialog

import (
	"context"
	"log/slog"

	"github.com/voxlane/voxlane/pkg/core/types"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/protocol"
)

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Step   ChatStepConfig
	System string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns one session's dialog history and runs dialog steps against
// it. One dialog step may span one or more model responses; the step ends
// with an end_of_dialog_step marker on the sink.
type Manager struct {
	cfg  ManagerConfig
	step *ChatStep
	hist *History
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Step.Logger == nil {
		cfg.Step.Logger = cfg.Logger
	}
	if cfg.Step.Metrics == nil {
		cfg.Step.Metrics = cfg.Metrics
	}
	return &Manager{
		cfg:  cfg,
		step: NewChatStep(cfg.Step),
		hist: NewHistory(),
	}
}

// History exposes the manager's dialog history. Callers must respect the
// single-writer discipline: no reads or writes while a step is in flight.
func (m *Manager) History() *History {
	return m.hist
}

// Step runs one dialog step: append the user turn (when present), stream
// one assistant response, and close the step with an end_of_dialog_step
// marker. userText may be empty for server-initiated steps where the
// assistant speaks first. timed events are merged into the response's
// delivery timeline.
func (m *Manager) Step(ctx context.Context, userText string, timed []TimedEvent, sink Sink) StepResult {
	if userText != "" {
		m.hist.Append(types.Turn{Role: types.RoleUser, Text: userText})
	}
	sink.Send(protocol.NewAiStatus("thinking"))

	res, err := m.step.Run(ctx, m.cfg.System, m.hist, timed, sink)
	if err != nil {
		m.cfg.Logger.Warn("dialog step cancelled", "error", err)
	}
	status := "ok"
	if res.ServerError != "" {
		status = "error"
	}
	m.cfg.Metrics.RecordDialogStep(status)

	sink.Send(protocol.NewEndOfDialogStep(res.ServerError))
	return res
}
