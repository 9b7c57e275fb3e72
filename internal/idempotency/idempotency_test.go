package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prepflowlabs/prepflow-cloud/internal/config"
	"github.com/prepflowlabs/prepflow-cloud/internal/idempotency"
	"github.com/prepflowlabs/prepflow-cloud/pkg/testhelper"
)

func setupExecutor(t *testing.T, failureTTLSeconds int) (*idempotency.Store, *idempotency.Executor) {
	t.Helper()
	db := testhelper.SetupPostgres(t)
	store := idempotency.NewStore(db)
	cfg := &config.Config{
		IdempotencySuccessTTLSeconds: 86400,
		IdempotencyFailureTTLSeconds: failureTTLSeconds,
	}
	return store, idempotency.NewExecutor(store, cfg, zap.NewNop())
}

func TestExecuteReplaysSuccessWithoutReinvoking(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, exec := setupExecutor(t, 30)

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"taskId":"t-1"}`), nil
	}

	resp, replayed, err := exec.Execute(context.Background(), "tenant-1", "key-1", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.JSONEq(t, `{"taskId":"t-1"}`, string(resp))

	resp, replayed, err = exec.Execute(context.Background(), "tenant-1", "key-1", fn)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"taskId":"t-1"}`, string(resp))
	assert.Equal(t, 1, calls)
}

func TestExecuteKeysAreTenantScoped(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, exec := setupExecutor(t, 30)

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	}

	_, _, err := exec.Execute(context.Background(), "tenant-1", "shared-key", fn)
	require.NoError(t, err)
	_, replayed, err := exec.Execute(context.Background(), "tenant-2", "shared-key", fn)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithoutKeyAlwaysRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, exec := setupExecutor(t, 30)

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return nil, nil
	}

	for i := 0; i < 3; i++ {
		_, replayed, err := exec.Execute(context.Background(), "tenant-1", "", fn)
		require.NoError(t, err)
		assert.False(t, replayed)
	}
	assert.Equal(t, 3, calls)
}

func TestExecuteFailureTTL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	_, exec := setupExecutor(t, 1)

	calls := 0
	fn := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"error":"oven on fire"}`), errors.New("oven on fire")
	}

	_, replayed, err := exec.Execute(context.Background(), "tenant-1", "key-f", fn)
	require.Error(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 1, calls)

	// Within the failure TTL the cached failure is replayed.
	resp, replayed, err := exec.Execute(context.Background(), "tenant-1", "key-f", fn)
	assert.ErrorIs(t, err, idempotency.ErrReplayedFailure)
	assert.True(t, replayed)
	assert.JSONEq(t, `{"error":"oven on fire"}`, string(resp))
	assert.Equal(t, 1, calls)

	// After expiry the operation runs again.
	time.Sleep(1100 * time.Millisecond)
	_, replayed, err = exec.Execute(context.Background(), "tenant-1", "key-f", fn)
	require.Error(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 2, calls)
}

func TestStoreDeletesExpiredRecordOnRead(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := testhelper.SetupPostgres(t)
	store := idempotency.NewStore(db)

	expired := &idempotency.Record{
		TenantID:  "tenant-1",
		Key:       "old-key",
		Succeeded: true,
		Response:  json.RawMessage(`{}`),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(expired).Error)

	rec, err := store.Get(context.Background(), "tenant-1", "old-key")
	require.NoError(t, err)
	assert.Nil(t, rec)

	var count int64
	require.NoError(t, db.Model(&idempotency.Record{}).Where("key = ?", "old-key").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
