package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "history", "results.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	in := result("01HZX", dragonpilot.PlanAborted, time.Now())
	in.CancelledAt = 0
	in.Code = dragonpilot.ErrCodeCancelled
	in.Steps[0].Status = dragonpilot.StepAborted
	in.Steps[0].Telemetry = &dragonpilot.TelemetrySnapshot{Seq: 42, FlightMode: "HOLD"}
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Get(ctx, "01HZX")
	require.NoError(t, err)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, 0, out.CancelledAt)
	assert.Equal(t, -1, out.FailedStep)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, 4*time.Second, out.Steps[0].Elapsed)
	assert.Equal(t, "reached 9.6 m of 10.0 m", out.Steps[0].Reason)
	require.NotNil(t, out.Steps[0].Telemetry)
	assert.Equal(t, uint64(42), out.Steps[0].Telemetry.Seq)
	assert.Equal(t, in.Elapsed, out.Elapsed)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, dragonpilot.ErrNotFound)
}

func TestSQLiteStore_ListAndPrune(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Save(ctx, result(id, dragonpilot.PlanCompleted, now.Add(time.Duration(i)*time.Second))))
	}
	// Replacing keeps one row per plan.
	require.NoError(t, s.Save(ctx, result("a", dragonpilot.PlanFailed, now.Add(-time.Hour))))

	list, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids(list))
	assert.Equal(t, dragonpilot.PlanFailed, list[3].Status)

	removed, err := s.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	list, err = s.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, ids(list))
}

func TestTiered_FallsBackToHistory(t *testing.T) {
	durable, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	cache := NewMemoryStore(time.Minute, nil)
	tiered := NewTiered(cache, durable, nil)
	defer tiered.Close()
	ctx := context.Background()

	require.NoError(t, tiered.Save(ctx, result("p1", dragonpilot.PlanCompleted, time.Now())))
	cache.Delete("p1")

	got, err := tiered.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PlanID)
	assert.Equal(t, 1, cache.Len(), "a history hit refills the cache")

	_, err = tiered.Get(ctx, "nope")
	assert.ErrorIs(t, err, dragonpilot.ErrNotFound)
}

func ids(results []*dragonpilot.ExecutionResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.PlanID
	}
	return out
}
