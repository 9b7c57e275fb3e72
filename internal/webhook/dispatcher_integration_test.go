package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/webhook"
	"github.com/prepflowlabs/prepflow-cloud/pkg/snowflake"
	"github.com/prepflowlabs/prepflow-cloud/pkg/testhelper"
)

type dispatchStack struct {
	db         *gorm.DB
	repo       *webhook.Repository
	service    *webhook.Service
	dispatcher *webhook.Dispatcher
}

func setupDispatch(t *testing.T, disableThreshold int) *dispatchStack {
	t.Helper()
	db := testhelper.SetupPostgres(t)

	cfg := &config.Config{
		SnowflakeNodeID:         1,
		KnownEntityTypes:        []string{"task", "order"},
		DispatchIntervalSeconds: 1,
		DispatchBatchLimit:      50,
		DispatchRatePerMinute:   60000,
		DispatchBurst:           100,
		WebhookDisableThreshold: disableThreshold,
		WebhookMaxBackoffMs:     30000,
	}
	node, err := snowflake.NewNode(cfg)
	require.NoError(t, err)

	repo := webhook.NewRepository(db)
	logger := zap.NewNop()
	return &dispatchStack{
		db:         db,
		repo:       repo,
		service:    webhook.NewService(repo, node, cfg, logger),
		dispatcher: webhook.NewDispatcher(repo, webhook.NewHTTPSender(), cfg, logger),
	}
}

func (s *dispatchStack) createHook(t *testing.T, url string, retryCount, retryDelayMs int) *webhook.Webhook {
	t.Helper()
	hook, err := s.service.Create(context.Background(), "tenant-1", webhook.Input{
		Name:         "test hook",
		URL:          url,
		RetryCount:   &retryCount,
		RetryDelayMs: &retryDelayMs,
	})
	require.NoError(t, err)
	return hook
}

func (s *dispatchStack) enqueue(t *testing.T) int {
	t.Helper()
	n, err := s.service.Enqueue(context.Background(), "tenant-1", webhook.EventCreated, "task", "task-1", json.RawMessage(`{"station":"grill"}`))
	require.NoError(t, err)
	return n
}

// drainUntilIdle dispatches repeatedly, waiting out short backoffs, until a
// run processes nothing.
func (s *dispatchStack) drainUntilIdle(t *testing.T) []webhook.AttemptOutcome {
	t.Helper()
	var outcomes []webhook.AttemptOutcome
	idleRuns := 0
	for i := 0; i < 40; i++ {
		report, err := s.dispatcher.DispatchDue(context.Background(), 0)
		require.NoError(t, err)
		outcomes = append(outcomes, report.Results...)

		if report.Retried == 0 {
			idleRuns++
			if idleRuns == 2 {
				return outcomes
			}
			time.Sleep(50 * time.Millisecond)
		} else {
			idleRuns = 0
		}
	}
	t.Fatal("dispatcher never went idle")
	return nil
}

func TestDispatchDeliversAndRecordsSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stack := setupDispatch(t, 5)
	hook := stack.createHook(t, server.URL, 3, 1)
	require.Equal(t, 1, stack.enqueue(t))

	report, err := stack.dispatcher.DispatchDue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	assert.True(t, report.Results[0].Success)
	assert.Equal(t, 1, report.Results[0].AttemptNumber)
	assert.Equal(t, webhook.DeliverySuccess, report.Results[0].FinalStatus)
	assert.Equal(t, int32(1), received.Load())

	var log webhook.DeliveryLog
	require.NoError(t, stack.db.First(&log, "webhook_id = ?", hook.ID).Error)
	assert.Equal(t, webhook.DeliverySuccess, log.Status)
	assert.NotNil(t, log.DeliveredAt)

	var stored webhook.Webhook
	require.NoError(t, stack.db.First(&stored, "id = ?", hook.ID).Error)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.NotNil(t, stored.LastSuccessAt)
}

func TestDispatchExhaustsRetriesThenFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	stack := setupDispatch(t, 50)
	hook := stack.createHook(t, server.URL, 3, 1)
	require.Equal(t, 1, stack.enqueue(t))

	outcomes := stack.drainUntilIdle(t)
	require.Len(t, outcomes, 3)
	for i, outcome := range outcomes {
		assert.Equal(t, i+1, outcome.AttemptNumber)
		assert.False(t, outcome.Success)
	}
	assert.Equal(t, webhook.DeliveryRetrying, outcomes[0].FinalStatus)
	assert.Equal(t, webhook.DeliveryRetrying, outcomes[1].FinalStatus)
	assert.Equal(t, webhook.DeliveryFailed, outcomes[2].FinalStatus)

	var log webhook.DeliveryLog
	require.NoError(t, stack.db.First(&log, "webhook_id = ?", hook.ID).Error)
	assert.Equal(t, webhook.DeliveryFailed, log.Status)
	assert.Equal(t, 3, log.AttemptNumber)
	assert.NotNil(t, log.FailedAt)
}

func TestDispatchAutoDisablesFailingWebhook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	stack := setupDispatch(t, 2)
	hook := stack.createHook(t, server.URL, 1, 1)

	require.Equal(t, 1, stack.enqueue(t))
	require.Equal(t, 1, stack.enqueue(t))
	stack.drainUntilIdle(t)

	var stored webhook.Webhook
	require.NoError(t, stack.db.First(&stored, "id = ?", hook.ID).Error)
	assert.Equal(t, webhook.StatusDisabled, stored.Status)
	assert.GreaterOrEqual(t, stored.ConsecutiveFailures, 2)

	// A disabled webhook no longer matches, so nothing new is enqueued.
	assert.Equal(t, 0, stack.enqueue(t))

	// Attempts already queued against it fail terminally without an HTTP call.
	before := received.Load()
	log := webhook.DeliveryLog{
		ID:        hook.ID + 1000,
		TenantID:  "tenant-1",
		WebhookID: hook.ID,
		EventType: webhook.EventCreated,
		Status:    webhook.DeliveryPending,
		Payload:   json.RawMessage(`{}`),
	}
	require.NoError(t, stack.db.Create(&log).Error)

	report, err := stack.dispatcher.DispatchDue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	assert.Equal(t, webhook.DeliveryFailed, report.Results[0].FinalStatus)
	assert.Equal(t, before, received.Load())

	var updated webhook.DeliveryLog
	require.NoError(t, stack.db.First(&updated, "id = ?", log.ID).Error)
	assert.Equal(t, "webhook is disabled", updated.ErrorMessage)

	// Manual reactivation resets health and resumes matching.
	_, err = stack.service.Activate(context.Background(), "tenant-1", hook.ID)
	require.NoError(t, err)
	require.NoError(t, stack.db.First(&stored, "id = ?", hook.ID).Error)
	assert.Equal(t, webhook.StatusActive, stored.Status)
	assert.Equal(t, 0, stored.ConsecutiveFailures)
	assert.Equal(t, 1, stack.enqueue(t))
}

func TestDispatchFailsTerminallyForDeletedWebhook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stack := setupDispatch(t, 5)
	hook := stack.createHook(t, server.URL, 3, 1)
	require.Equal(t, 1, stack.enqueue(t))
	require.NoError(t, stack.service.Delete(context.Background(), "tenant-1", hook.ID))

	report, err := stack.dispatcher.DispatchDue(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Retried)
	assert.Equal(t, webhook.DeliveryFailed, report.Results[0].FinalStatus)

	var log webhook.DeliveryLog
	require.NoError(t, stack.db.First(&log, "webhook_id = ?", hook.ID).Error)
	assert.Equal(t, "webhook configuration deleted", log.ErrorMessage)
}

func TestDispatchDueConcurrentRunsClaimDisjointSets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stack := setupDispatch(t, 5)
	stack.createHook(t, server.URL, 3, 1)

	const seeded = 12
	for i := 0; i < seeded; i++ {
		require.Equal(t, 1, stack.enqueue(t))
	}

	// Overlapping runs skip each other's locked rows, so every delivery is
	// attempted exactly once.
	start := make(chan struct{})
	reports := make([]*webhook.DispatchReport, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			reports[i], errs[i] = stack.dispatcher.DispatchDue(context.Background(), 50)
		}(i)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, seeded, reports[0].Retried+reports[1].Retried)
	assert.Equal(t, int32(seeded), received.Load())

	seen := make(map[int64]bool, seeded)
	for _, report := range reports {
		for _, outcome := range report.Results {
			assert.True(t, outcome.Success)
			assert.False(t, seen[outcome.DeliveryLogID], "delivery %d attempted twice", outcome.DeliveryLogID)
			seen[outcome.DeliveryLogID] = true
		}
	}

	var remaining int64
	require.NoError(t, stack.db.Model(&webhook.DeliveryLog{}).
		Where("status IN ?", []webhook.DeliveryStatus{webhook.DeliveryPending, webhook.DeliveryRetrying}).
		Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestRetryOneIgnoresSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stack := setupDispatch(t, 5)
	hook := stack.createHook(t, server.URL, 3, 1)
	require.Equal(t, 1, stack.enqueue(t))

	var log webhook.DeliveryLog
	require.NoError(t, stack.db.First(&log, "webhook_id = ?", hook.ID).Error)

	// Push the schedule far out so the batch path skips it.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, stack.db.Model(&webhook.DeliveryLog{}).
		Where("id = ?", log.ID).
		Updates(map[string]any{"status": webhook.DeliveryRetrying, "next_retry_at": future}).Error)

	report, err := stack.dispatcher.DispatchDue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Retried)

	outcome, err := stack.dispatcher.RetryOne(context.Background(), log.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, webhook.DeliverySuccess, outcome.FinalStatus)

	// Terminal rows are not retryable.
	_, err = stack.dispatcher.RetryOne(context.Background(), log.ID)
	assert.ErrorIs(t, err, webhook.ErrNotFound)
}
