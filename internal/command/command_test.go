package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prepflowlabs/prepflow-cloud/internal/command"
	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/idempotency"
	"github.com/prepflowlabs/prepflow-cloud/internal/outbox"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
	"github.com/prepflowlabs/prepflow-cloud/pkg/snowflake"
	"github.com/prepflowlabs/prepflow-cloud/pkg/testhelper"
)

type runnerStack struct {
	db     *gorm.DB
	runner *command.Runner
}

func setupRunner(t *testing.T) *runnerStack {
	t.Helper()
	db := testhelper.SetupPostgres(t)

	cfg := &config.Config{
		SnowflakeNodeID:              1,
		KnownEntityTypes:             []string{"task", "order"},
		IdempotencySuccessTTLSeconds: 86400,
		IdempotencyFailureTTLSeconds: 30,
	}
	node, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	logger := zap.NewNop()
	store := outbox.NewStore(db, node)
	repo := webhook.NewRepository(db)
	service := webhook.NewService(repo, node, cfg, logger)
	executor := idempotency.NewExecutor(idempotency.NewStore(db), cfg, logger)

	return &runnerStack{
		db:     db,
		runner: command.NewRunner(db, store, service, executor, logger),
	}
}

type rejectAllGuard struct{}

func (rejectAllGuard) Name() string { return "station_capacity" }
func (rejectAllGuard) Check(context.Context, command.Invocation) error {
	return errors.New("station is at capacity")
}

type denyAllPolicy struct{}

func (denyAllPolicy) Name() string { return "tenant_plan" }
func (denyAllPolicy) Allow(context.Context, command.Invocation) error {
	return errors.New("plan does not include this feature")
}

func TestRunAppendsOutboxEventsInTransaction(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	stack.runner.Register("create_task", command.Spec{
		EntityName: "task",
		Handler: func(ctx context.Context, tx *gorm.DB, inv command.Invocation, rec *command.Recorder) (json.RawMessage, error) {
			rec.Emit("task", "task-1", "task.created", json.RawMessage(`{"station":"grill"}`))
			return json.RawMessage(`{"taskId":"task-1"}`), nil
		},
	})

	result, err := stack.runner.Run(context.Background(), command.Invocation{
		Name:     "create_task",
		TenantID: "tenant-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.JSONEq(t, `{"taskId":"task-1"}`, string(result.Result))
	require.Len(t, result.EmittedEvents, 1)
	assert.Equal(t, "task.created", result.EmittedEvents[0].EventType)

	var ev outbox.Event
	require.NoError(t, stack.db.First(&ev, "tenant_id = ?", "tenant-1").Error)
	assert.Equal(t, outbox.StatusPending, ev.Status)
	assert.Equal(t, "task", ev.AggregateType)
	assert.Equal(t, "task.created", ev.EventType)
}

func TestRunRollsBackOutboxOnHandlerError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	stack.runner.Register("explode", command.Spec{
		Handler: func(ctx context.Context, tx *gorm.DB, inv command.Invocation, rec *command.Recorder) (json.RawMessage, error) {
			rec.Emit("task", "task-1", "task.created", json.RawMessage(`{}`))
			return nil, errors.New("mutation failed")
		},
	})

	result, err := stack.runner.Run(context.Background(), command.Invocation{Name: "explode", TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "mutation failed", result.Error)

	var count int64
	require.NoError(t, stack.db.Model(&outbox.Event{}).Count(&count).Error)
	assert.Equal(t, int64(0), count, "a rolled-back command must not leave outbox rows")
}

func TestRunGuardAndPolicyOutcomes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	calls := 0
	handler := func(ctx context.Context, tx *gorm.DB, inv command.Invocation, rec *command.Recorder) (json.RawMessage, error) {
		calls++
		return nil, nil
	}
	stack.runner.Register("guarded", command.Spec{Guards: []command.Guard{rejectAllGuard{}}, Handler: handler})
	stack.runner.Register("denied", command.Spec{Policies: []command.Policy{denyAllPolicy{}}, Handler: handler})

	result, err := stack.runner.Run(context.Background(), command.Invocation{Name: "guarded", TenantID: "t"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.GuardFailure)
	assert.Equal(t, "station_capacity", result.GuardFailure.Guard)

	result, err = stack.runner.Run(context.Background(), command.Invocation{Name: "denied", TenantID: "t"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.NotNil(t, result.PolicyDenial)
	assert.Equal(t, "tenant_plan", result.PolicyDenial.Policy)

	assert.Equal(t, 0, calls, "handler must not run when checks fail")
}

func TestRunUnknownCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	_, err := stack.runner.Run(context.Background(), command.Invocation{Name: "nope", TenantID: "t"})
	assert.ErrorIs(t, err, command.ErrUnknownCommand)
}

func TestRunIdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	sideEffects := 0
	stack.runner.Register("create_order", command.Spec{
		Handler: func(ctx context.Context, tx *gorm.DB, inv command.Invocation, rec *command.Recorder) (json.RawMessage, error) {
			sideEffects++
			rec.Emit("order", "order-1", "order.created", json.RawMessage(`{}`))
			return json.RawMessage(`{"orderId":"order-1"}`), nil
		},
	})

	inv := command.Invocation{
		Name:           "create_order",
		TenantID:       "tenant-1",
		IdempotencyKey: command.CompositeKey("plan-7", "step-2"),
	}

	first, err := stack.runner.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Replayed)

	second, err := stack.runner.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, string(first.Result), string(second.Result))

	assert.Equal(t, 1, sideEffects, "side effect must run exactly once")

	var count int64
	require.NoError(t, stack.db.Model(&outbox.Event{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRunFansOutToMatchingWebhooks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	stack := setupRunner(t)

	cfg := &config.Config{SnowflakeNodeID: 2, KnownEntityTypes: []string{"task", "order"}}
	node, err := snowflake.NewNode(cfg)
	require.NoError(t, err)
	service := webhook.NewService(webhook.NewRepository(stack.db), node, cfg, zap.NewNop())

	_, err = service.Create(context.Background(), "tenant-1", webhook.Input{
		Name:          "task feed",
		URL:           "https://example.com/hook",
		EntityFilters: []string{"task"},
	})
	require.NoError(t, err)

	stack.runner.Register("create_task", command.Spec{
		Handler: func(ctx context.Context, tx *gorm.DB, inv command.Invocation, rec *command.Recorder) (json.RawMessage, error) {
			rec.Emit("task", "task-1", "task.created", json.RawMessage(`{"station":"grill"}`))
			rec.Emit("task", "task-1", "kitchen.task.claimed", json.RawMessage(`{}`))
			return nil, nil
		},
	})

	result, err := stack.runner.Run(context.Background(), command.Invocation{Name: "create_task", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.True(t, result.Success)

	// Only the change-verb event fans out; the realtime-only event does not.
	var logs []webhook.DeliveryLog
	require.NoError(t, stack.db.Find(&logs, "tenant_id = ?", "tenant-1").Error)
	require.Len(t, logs, 1)
	assert.Equal(t, webhook.DeliveryPending, logs[0].Status)
	assert.Equal(t, webhook.EventCreated, logs[0].EventType)
}
