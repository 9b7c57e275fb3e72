package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prepflowlabs/prepflow-cloud/internal/idempotency"
	"github.com/prepflowlabs/prepflow-cloud/internal/outbox"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
)

var ErrUnknownCommand = errors.New("unknown command")

// errCommandFailed marks a non-success Result for the idempotency layer,
// which caches failures on a short TTL.
var errCommandFailed = errors.New("command failed")

// Invocation is one request to run a named command for a tenant.
type Invocation struct {
	Name           string
	EntityName     string
	TenantID       string
	UserID         string
	Payload        json.RawMessage
	IdempotencyKey string
}

// CompositeKey builds the orchestrator-supplied idempotency key for a plan
// step, used when no header key is present.
func CompositeKey(planID, stepID string) string {
	return fmt.Sprintf("plan:%s:step:%s", planID, stepID)
}

type GuardFailure struct {
	Guard  string `json:"guard"`
	Reason string `json:"reason"`
}

type PolicyDenial struct {
	Policy string `json:"policy"`
	Reason string `json:"reason"`
}

type EmittedEvent struct {
	ID        int64  `json:"id,string"`
	EventType string `json:"eventType"`
}

// Result is the outcome of a command run. Non-success results carry exactly
// one of Error, GuardFailure, or PolicyDenial.
type Result struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	GuardFailure  *GuardFailure   `json:"guardFailure,omitempty"`
	PolicyDenial  *PolicyDenial   `json:"policyDenial,omitempty"`
	EmittedEvents []EmittedEvent  `json:"emittedEvents,omitempty"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// Guard is a precondition checked before the handler runs. A nil error
// means the command may proceed.
type Guard interface {
	Name() string
	Check(ctx context.Context, inv Invocation) error
}

// Policy is an authorization rule checked before guards.
type Policy interface {
	Name() string
	Allow(ctx context.Context, inv Invocation) error
}

// Recorder collects the domain events a handler emits. They are appended
// to the outbox in the handler's transaction.
type Recorder struct {
	events []outbox.AppendParams
}

func (r *Recorder) Emit(aggregateType, aggregateID, eventType string, payload json.RawMessage) {
	r.events = append(r.events, outbox.AppendParams{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	})
}

// Handler executes the command's domain mutation inside tx.
type Handler func(ctx context.Context, tx *gorm.DB, inv Invocation, rec *Recorder) (json.RawMessage, error)

// Spec registers one runnable command.
type Spec struct {
	EntityName string
	Guards     []Guard
	Policies   []Policy
	Handler    Handler
}

// Runner executes registered commands: policy and guard checks, the
// handler in a transaction with its outbox appends, then webhook fan-out
// for the emitted events.
type Runner struct {
	db       *gorm.DB
	store    *outbox.Store
	webhooks *webhook.Service
	idem     *idempotency.Executor
	logger   *zap.Logger
	registry map[string]Spec
}

func NewRunner(db *gorm.DB, store *outbox.Store, webhooks *webhook.Service, idem *idempotency.Executor, logger *zap.Logger) *Runner {
	return &Runner{
		db:       db,
		store:    store,
		webhooks: webhooks,
		idem:     idem,
		logger:   logger.Named("command"),
		registry: make(map[string]Spec),
	}
}

func (r *Runner) Register(name string, spec Spec) {
	r.registry[name] = spec
}

// Run executes the named command. With an idempotency key, a repeat
// invocation replays the recorded Result instead of re-executing.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	spec, ok := r.registry[inv.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, inv.Name)
	}
	if inv.EntityName == "" {
		inv.EntityName = spec.EntityName
	}

	if inv.IdempotencyKey == "" {
		return r.run(ctx, spec, inv)
	}

	raw, replayed, err := r.idem.Execute(ctx, inv.TenantID, inv.IdempotencyKey, func(ctx context.Context) (json.RawMessage, error) {
		res, runErr := r.run(ctx, spec, inv)
		if runErr != nil {
			return nil, runErr
		}
		encoded, encErr := json.Marshal(res)
		if encErr != nil {
			return nil, encErr
		}
		if !res.Success {
			return encoded, errCommandFailed
		}
		return encoded, nil
	})
	if err != nil && !errors.Is(err, errCommandFailed) && !errors.Is(err, idempotency.ErrReplayedFailure) {
		return nil, err
	}

	var res Result
	if unmarshalErr := json.Unmarshal(raw, &res); unmarshalErr != nil {
		return nil, fmt.Errorf("decode cached result: %w", unmarshalErr)
	}
	res.Replayed = replayed
	return &res, nil
}

func (r *Runner) run(ctx context.Context, spec Spec, inv Invocation) (*Result, error) {
	for _, policy := range spec.Policies {
		if err := policy.Allow(ctx, inv); err != nil {
			r.logger.Info("command_policy_denied",
				zap.String("command", inv.Name),
				zap.String("tenant_id", inv.TenantID),
				zap.String("policy", policy.Name()))
			return &Result{
				PolicyDenial: &PolicyDenial{Policy: policy.Name(), Reason: err.Error()},
			}, nil
		}
	}

	for _, guard := range spec.Guards {
		if err := guard.Check(ctx, inv); err != nil {
			r.logger.Info("command_guard_failed",
				zap.String("command", inv.Name),
				zap.String("tenant_id", inv.TenantID),
				zap.String("guard", guard.Name()))
			return &Result{
				GuardFailure: &GuardFailure{Guard: guard.Name(), Reason: err.Error()},
			}, nil
		}
	}

	var (
		rec    Recorder
		output json.RawMessage
		events []outbox.Event
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out, handlerErr := spec.Handler(ctx, tx, inv, &rec)
		if handlerErr != nil {
			return handlerErr
		}
		output = out

		for _, params := range rec.events {
			params.TenantID = inv.TenantID
			ev, appendErr := r.store.Append(tx, params)
			if appendErr != nil {
				return fmt.Errorf("append outbox event: %w", appendErr)
			}
			events = append(events, *ev)
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("command_failed",
			zap.String("command", inv.Name),
			zap.String("tenant_id", inv.TenantID),
			zap.Error(err))
		return &Result{Error: err.Error()}, nil
	}

	r.fanOut(ctx, inv.TenantID, events)

	result := &Result{Success: true, Result: output}
	for _, ev := range events {
		result.EmittedEvents = append(result.EmittedEvents, EmittedEvent{ID: ev.ID, EventType: ev.EventType})
	}

	r.logger.Info("command_completed",
		zap.String("command", inv.Name),
		zap.String("tenant_id", inv.TenantID),
		zap.Int("emitted_events", len(events)))
	return result, nil
}

// fanOut enqueues webhook deliveries for events whose type ends in a
// change verb. Other event types stay realtime-only.
func (r *Runner) fanOut(ctx context.Context, tenantID string, events []outbox.Event) {
	for _, ev := range events {
		verb := ev.EventType[strings.LastIndex(ev.EventType, ".")+1:]
		var eventType webhook.EventType
		switch verb {
		case "created":
			eventType = webhook.EventCreated
		case "updated":
			eventType = webhook.EventUpdated
		case "deleted":
			eventType = webhook.EventDeleted
		default:
			continue
		}
		if _, err := r.webhooks.Enqueue(ctx, tenantID, eventType, ev.AggregateType, ev.AggregateID, ev.Payload); err != nil {
			r.logger.Error("webhook_fanout_failed",
				zap.String("tenant_id", tenantID),
				zap.Int64("event_id", ev.ID),
				zap.Error(err))
		}
	}
}
