package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CommandIssuer issues step commands. Satisfied by the command bus.
type CommandIssuer interface {
	Accept(ctx context.Context, req command.AcceptRequest) (command.AcceptResult, error)
}

// ManagerConfig holds process manager tuning
type ManagerConfig struct {
	// ReplyQueue routes step replies back to this manager
	ReplyQueue string
	// MaxRetrySleep caps the exponential retry backoff
	MaxRetrySleep time.Duration
}

// DefaultManagerConfig returns the default manager configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReplyQueue:    "process.replies.q",
		MaxRetrySleep: 30 * time.Second,
	}
}

// Manager executes registered process graphs: it issues step commands through
// the bus, folds replies into instance data, retries failed steps and runs
// compensation in reverse order when a step fails for good. Every transition
// lands in the process event log.
type Manager struct {
	config   ManagerConfig
	registry *Registry
	db       database.DB
	repo     Repository
	bus      CommandIssuer
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	sleep    func(time.Duration)
}

// NewManager creates a new process manager
func NewManager(cfg ManagerConfig, registry *Registry, db database.DB, repo Repository, bus CommandIssuer, log *logger.Logger, m *metrics.Metrics) *Manager {
	if cfg.MaxRetrySleep <= 0 {
		cfg.MaxRetrySleep = DefaultManagerConfig().MaxRetrySleep
	}
	return &Manager{
		config:   cfg,
		registry: registry,
		db:       db,
		repo:     repo,
		bus:      bus,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("process-manager"),
		sleep:    time.Sleep,
	}
}

// StartProcess creates a new instance and issues its first step command.
// Unknown process types fail with ErrUnknownProcessType; a bus failure while
// issuing the first step marks the instance FAILED and re-raises.
func (m *Manager) StartProcess(ctx context.Context, processType, businessKey string, initialData map[string]interface{}) (uuid.UUID, error) {
	ctx, span := m.tracer.Start(ctx, "process.start",
		trace.WithAttributes(attribute.String("process.type", processType)),
	)
	defer span.End()

	cfg, ok := m.registry.Lookup(processType)
	if !ok {
		return uuid.Nil, fmt.Errorf("process type %q: %w", processType, ErrUnknownProcessType)
	}

	if initialData == nil {
		initialData = map[string]interface{}{}
	}
	first := cfg.Steps[0]
	inst := &Instance{
		ProcessID:   uuid.New(),
		ProcessType: processType,
		BusinessKey: businessKey,
		Status:      StatusNew,
		CurrentStep: first.Name,
		Data:        initialData,
		Retries:     0,
	}

	err := database.WithTx(ctx, m.db, func(tx database.Tx) error {
		if err := m.repo.Insert(ctx, tx, inst); err != nil {
			return err
		}
		if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, Event{Type: EventProcessStarted}); err != nil {
			return err
		}
		if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, Event{Type: EventStepStarted, Step: first.Name}); err != nil {
			return err
		}
		// Running as of first step issuance
		inst.Status = StatusRunning
		return m.repo.Update(ctx, tx, inst)
	})
	if err != nil {
		return uuid.Nil, err
	}

	if m.metrics != nil {
		m.metrics.ProcessesStarted.WithLabelValues(processType).Inc()
	}
	m.log.Info("Process started",
		zap.String("process_id", inst.ProcessID.String()),
		zap.String("process_type", processType),
	)

	if err := m.issueStep(ctx, inst, first, stepKey(inst.ProcessID, first.Name)); err != nil {
		m.failInstance(ctx, inst, fmt.Sprintf("failed to issue first step: %v", err))
		return uuid.Nil, err
	}
	return inst.ProcessID, nil
}

// HandleReply folds a step reply into the process. Unknown process ids are
// logged and swallowed; everything else that fails re-raises so the delivery
// framework redelivers.
func (m *Manager) HandleReply(ctx context.Context, processID, commandID uuid.UUID, reply command.Reply) error {
	ctx, span := m.tracer.Start(ctx, "process.handle_reply",
		trace.WithAttributes(
			attribute.String("process.id", processID.String()),
			attribute.String("reply.status", string(reply.Status)),
		),
	)
	defer span.End()

	var (
		inst *Instance
		cfg  Configuration
		act  action
	)
	err := database.WithTx(ctx, m.db, func(tx database.Tx) error {
		var err error
		inst, err = m.repo.Get(ctx, tx, processID)
		if err != nil {
			return err
		}

		var ok bool
		cfg, ok = m.registry.Lookup(inst.ProcessType)
		if !ok {
			return fmt.Errorf("process type %q: %w", inst.ProcessType, ErrUnknownProcessType)
		}

		// A reply for any command other than the awaited one is a replay of
		// an already-handled delivery; drop it without touching state
		if inst.CurrentCommandID != nil && *inst.CurrentCommandID != commandID {
			act = action{stale: true}
			return nil
		}

		// Reply values override existing data on key collision
		inst.Data = MergeData(inst.Data, reply.Data)

		act, err = m.transition(ctx, tx, cfg, inst, reply)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			m.log.Warn("Dropping reply for unknown process",
				zap.String("process_id", processID.String()),
				zap.String("command_id", commandID.String()),
			)
			return nil
		}
		return err
	}

	if act.stale {
		m.log.Debug("Dropping stale reply",
			zap.String("process_id", processID.String()),
			zap.String("command_id", commandID.String()),
		)
		return nil
	}

	if act.terminal != "" && m.metrics != nil {
		m.metrics.ProcessesCompleted.WithLabelValues(inst.ProcessType, string(act.terminal)).Inc()
	}

	if act.issue == nil {
		return nil
	}
	if act.sleep > 0 {
		m.sleep(act.sleep)
	}
	if err := m.issueStep(ctx, inst, *act.issue, act.idempotencyKey); err != nil {
		m.failInstance(ctx, inst, fmt.Sprintf("failed to issue step %s: %v", act.issue.Name, err))
		return err
	}
	return nil
}

// Events exposes the instance event log, in sequence order
func (m *Manager) Events(ctx context.Context, processID uuid.UUID) ([]LogEntry, error) {
	return m.repo.Events(ctx, m.db, processID)
}

// Instance loads the current instance state
func (m *Manager) Instance(ctx context.Context, processID uuid.UUID) (*Instance, error) {
	return m.repo.Get(ctx, m.db, processID)
}

// action is what remains to do after the state transition committed
type action struct {
	issue          *Step
	idempotencyKey string
	sleep          time.Duration
	terminal       Status
	stale          bool
}

func (m *Manager) transition(ctx context.Context, tx database.Tx, cfg Configuration, inst *Instance, reply command.Reply) (action, error) {
	if inst.Status == StatusCompensating {
		return m.transitionCompensation(ctx, tx, cfg, inst, reply)
	}

	idx := cfg.Steps.IndexOf(inst.CurrentStep)
	if idx < 0 {
		return action{}, fmt.Errorf("process %s at unknown step %q", inst.ProcessID, inst.CurrentStep)
	}
	step := cfg.Steps[idx]

	switch reply.Status {
	case command.ReplyCompleted:
		if idx == len(cfg.Steps)-1 {
			inst.Status = StatusSucceeded
			if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventProcessCompleted}); err != nil {
				return action{}, err
			}
			m.log.Info("Process completed",
				zap.String("process_id", inst.ProcessID.String()),
			)
			return action{terminal: StatusSucceeded}, nil
		}

		next := cfg.Steps[idx+1]
		inst.CurrentStep = next.Name
		if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, Event{Type: EventStepCompleted, Step: step.Name}); err != nil {
			return action{}, err
		}
		if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventStepStarted, Step: next.Name}); err != nil {
			return action{}, err
		}
		return action{issue: &next, idempotencyKey: stepKey(inst.ProcessID, next.Name)}, nil

	case command.ReplyFailed, command.ReplyTimedOut:
		// Timeouts always take the permanent branch
		retryable := reply.Status == command.ReplyFailed &&
			cfg.IsRetryable(step.Name, reply.Error) &&
			inst.Retries < cfg.MaxRetries(step.Name)

		if retryable {
			inst.Retries++
			if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventStepFailed, Step: step.Name, Error: reply.Error, Retry: true}); err != nil {
				return action{}, err
			}
			if m.metrics != nil {
				m.metrics.StepRetries.WithLabelValues(inst.ProcessType, step.Name).Inc()
			}
			return action{
				issue:          &step,
				idempotencyKey: retryKey(inst.ProcessID, step.Name, inst.Retries),
				sleep:          m.retrySleep(inst.Retries),
			}, nil
		}

		return m.enterFailure(ctx, tx, cfg, inst, idx, reply.Error)

	default:
		return action{}, fmt.Errorf("process %s: unknown reply status %q", inst.ProcessID, reply.Status)
	}
}

// enterFailure records the permanent failure and, when completed steps
// declared compensation, flips the instance into COMPENSATING and picks the
// first compensation target (reverse order).
func (m *Manager) enterFailure(ctx context.Context, tx database.Tx, cfg Configuration, inst *Instance, failedIdx int, errMsg string) (action, error) {
	if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, Event{Type: EventStepFailed, Step: inst.CurrentStep, Error: errMsg}); err != nil {
		return action{}, err
	}

	comp := latestCompensatable(cfg, failedIdx-1)
	if comp < 0 {
		inst.Status = StatusFailed
		if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventProcessFailed, Error: errMsg}); err != nil {
			return action{}, err
		}
		m.log.Warn("Process failed",
			zap.String("process_id", inst.ProcessID.String()),
			zap.String("step", inst.CurrentStep),
			zap.String("error", errMsg),
		)
		return action{terminal: StatusFailed}, nil
	}

	if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, Event{Type: EventProcessFailed, Error: errMsg}); err != nil {
		return action{}, err
	}
	step := cfg.Steps[comp]
	inst.Status = StatusCompensating
	inst.CurrentStep = step.Name
	if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventCompensationStarted, Step: step.Name}); err != nil {
		return action{}, err
	}
	compStep := Step{Name: step.Name, Command: step.Compensation}
	return action{issue: &compStep, idempotencyKey: compensationKey(inst.ProcessID, step.Name)}, nil
}

func (m *Manager) transitionCompensation(ctx context.Context, tx database.Tx, cfg Configuration, inst *Instance, reply command.Reply) (action, error) {
	idx := cfg.Steps.IndexOf(inst.CurrentStep)
	if idx < 0 {
		return action{}, fmt.Errorf("process %s compensating unknown step %q", inst.ProcessID, inst.CurrentStep)
	}

	if reply.Status != command.ReplyCompleted {
		// A failed compensation command cannot be undone further; park the
		// instance as FAILED for operator attention
		inst.Status = StatusFailed
		if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventStepFailed, Step: inst.CurrentStep, Error: reply.Error}); err != nil {
			return action{}, err
		}
		m.log.Error("Compensation step failed",
			zap.String("process_id", inst.ProcessID.String()),
			zap.String("step", inst.CurrentStep),
			zap.String("error", reply.Error),
		)
		return action{terminal: StatusFailed}, nil
	}

	next := latestCompensatable(cfg, idx-1)
	if next < 0 {
		inst.Status = StatusCompensated
		if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventCompensationCompleted}); err != nil {
			return action{}, err
		}
		m.log.Info("Process compensated",
			zap.String("process_id", inst.ProcessID.String()),
		)
		return action{terminal: StatusCompensated}, nil
	}

	step := cfg.Steps[next]
	inst.CurrentStep = step.Name
	if err := m.appendAndUpdate(ctx, tx, inst, Event{Type: EventCompensationStarted, Step: step.Name}); err != nil {
		return action{}, err
	}
	compStep := Step{Name: step.Name, Command: step.Compensation}
	return action{issue: &compStep, idempotencyKey: compensationKey(inst.ProcessID, step.Name)}, nil
}

// issueStep sends the step command through the bus. A duplicate idempotency
// key means a replayed delivery already issued it; that is success.
func (m *Manager) issueStep(ctx context.Context, inst *Instance, step Step, idempotencyKey string) error {
	payload, err := json.Marshal(inst.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal process data: %w", err)
	}

	result, err := m.bus.Accept(ctx, command.AcceptRequest{
		Name:           step.Command,
		IdempotencyKey: idempotencyKey,
		BusinessKey:    inst.BusinessKey,
		Payload:        string(payload),
		ReplySpec: command.ReplySpec{
			ReplyQueue:    m.config.ReplyQueue,
			CorrelationID: inst.ProcessID.String(),
		},
	})
	if errors.Is(err, command.ErrDuplicateIdempotencyKey) {
		m.log.Debug("Step command already issued",
			zap.String("process_id", inst.ProcessID.String()),
			zap.String("step", step.Name),
		)
		return nil
	}
	if err != nil {
		return err
	}

	// Remember which command the instance now awaits so stale replies are
	// recognizable. Losing this update is tolerable: a nil id accepts all.
	inst.CurrentCommandID = &result.CommandID
	uerr := database.WithTx(ctx, m.db, func(tx database.Tx) error {
		return m.repo.Update(ctx, tx, inst)
	})
	if uerr != nil {
		m.log.Warn("Failed to record awaited command",
			zap.String("process_id", inst.ProcessID.String()),
			zap.Error(uerr),
		)
	}
	return nil
}

func (m *Manager) appendAndUpdate(ctx context.Context, tx database.Tx, inst *Instance, event Event) error {
	if err := m.repo.AppendEvent(ctx, tx, inst.ProcessID, event); err != nil {
		return err
	}
	return m.repo.Update(ctx, tx, inst)
}

func (m *Manager) failInstance(ctx context.Context, inst *Instance, errMsg string) {
	inst.Status = StatusFailed
	err := database.WithTx(ctx, m.db, func(tx database.Tx) error {
		return m.appendAndUpdate(ctx, tx, inst, Event{Type: EventProcessFailed, Error: errMsg})
	})
	if err != nil {
		m.log.Error("Failed to mark process as failed",
			zap.String("process_id", inst.ProcessID.String()),
			zap.Error(err),
		)
	}
}

// retrySleep is 2^retries seconds bounded by the configured cap
func (m *Manager) retrySleep(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if retries > 30 {
		return m.config.MaxRetrySleep
	}
	d := time.Duration(1<<uint(retries)) * time.Second
	if d > m.config.MaxRetrySleep {
		return m.config.MaxRetrySleep
	}
	return d
}

// latestCompensatable walks backwards from idx to the nearest step that
// declared a compensation command.
func latestCompensatable(cfg Configuration, idx int) int {
	for i := idx; i >= 0; i-- {
		if cfg.Steps[i].Compensation != "" {
			return i
		}
	}
	return -1
}

func stepKey(processID uuid.UUID, step string) string {
	return processID.String() + ":" + step
}

func retryKey(processID uuid.UUID, step string, attempt int) string {
	return fmt.Sprintf("%s:%s#retry-%d", processID, step, attempt)
}

func compensationKey(processID uuid.UUID, step string) string {
	return processID.String() + ":" + step + ":compensate"
}

