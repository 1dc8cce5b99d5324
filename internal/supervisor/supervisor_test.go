package supervisor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coder-Upsilon/little-kb/internal/store"
)

func newTestMeta(t *testing.T) *store.SQLiteMetaStore {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.NewSQLiteMetaStore(filepath.Join(dir, "meta.db"), filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })
	return meta
}

// sleeperSpawner spawns a real short-lived `sleep` process so cmd.Wait()
// behaves like a genuine child rather than a mock.
func sleeperSpawner(seconds string) Spawner {
	return func(_ *store.ToolServerRecord, _ int) *exec.Cmd {
		return exec.Command("sleep", seconds)
	}
}

func exitImmediatelySpawner() Spawner {
	return func(_ *store.ToolServerRecord, _ int) *exec.Cmd {
		return exec.Command("true")
	}
}

func waitForStatus(t *testing.T, meta store.MetadataStore, id string, want store.ToolServerStatus, timeout time.Duration) *store.ToolServerRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *store.ToolServerRecord
	for time.Now().Before(deadline) {
		rec, err := meta.GetToolServer(context.Background(), id)
		require.NoError(t, err)
		last = rec
		if rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s never reached status %s, last status %s", id, want, last.Status)
	return nil
}

func TestSupervisor_CreateAllocatesPortAndStarts(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, sleeperSpawner("5"), PortRange{Start: 9000, Max: 9010})

	rec := &store.ToolServerRecord{ID: "s1", Name: "kb1", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec, 0))

	assert.GreaterOrEqual(t, rec.Port, 9000)
	assert.LessOrEqual(t, rec.Port, 9010)

	got := waitForStatus(t, meta, "s1", store.ServerRunning, time.Second)
	assert.Equal(t, rec.Port, got.Port)

	require.NoError(t, sup.Stop(context.Background(), "s1"))
	stopped, err := meta.GetToolServer(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.ServerStopped, stopped.Status)
}

func TestSupervisor_TwoServersNeverShareAPort(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, sleeperSpawner("5"), PortRange{Start: 9100, Max: 9101})

	rec1 := &store.ToolServerRecord{ID: "s1", Enabled: true}
	rec2 := &store.ToolServerRecord{ID: "s2", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec1, 0))
	require.NoError(t, sup.Create(context.Background(), rec2, 0))

	assert.NotEqual(t, rec1.Port, rec2.Port)

	t.Cleanup(func() {
		_ = sup.Stop(context.Background(), "s1")
		_ = sup.Stop(context.Background(), "s2")
	})
}

func TestSupervisor_CreateFailsWhenRangeExhausted(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, sleeperSpawner("5"), PortRange{Start: 9200, Max: 9200})

	rec1 := &store.ToolServerRecord{ID: "s1", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec1, 0))
	t.Cleanup(func() { _ = sup.Stop(context.Background(), "s1") })

	rec2 := &store.ToolServerRecord{ID: "s2", Enabled: true}
	err := sup.Create(context.Background(), rec2, 0)
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestSupervisor_DisabledRecordIsNotStarted(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, sleeperSpawner("5"), PortRange{Start: 9300, Max: 9310})

	rec := &store.ToolServerRecord{ID: "s1", Enabled: false}
	require.NoError(t, sup.Create(context.Background(), rec, 0))

	time.Sleep(50 * time.Millisecond)
	got, err := meta.GetToolServer(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.ServerStopped, got.Status)
}

func TestSupervisor_RestartsOnCrashWithinBudget(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, exitImmediatelySpawner(), PortRange{Start: 9400, Max: 9410})

	rec := &store.ToolServerRecord{ID: "s1", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec, 0))

	// A server whose child exits immediately should get restarted up to the
	// attempt budget rather than being pinned crashed on the very first exit.
	deadline := time.Now().Add(2 * time.Second)
	sawRestartAttempt := false
	for time.Now().Before(deadline) {
		got, err := meta.GetToolServer(context.Background(), "s1")
		require.NoError(t, err)
		if got.Status == store.ServerCrashed || got.Status == store.ServerRunning || got.Status == store.ServerStarting {
			sawRestartAttempt = true
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, sawRestartAttempt)

	// Eventually the budget is exceeded and the record pins at crashed.
	final := waitForStatus(t, meta, "s1", store.ServerCrashed, 2*time.Second)
	assert.NotEmpty(t, final.LastError)
}

func TestSupervisor_DeleteReleasesPort(t *testing.T) {
	meta := newTestMeta(t)
	sup := New(meta, sleeperSpawner("5"), PortRange{Start: 9500, Max: 9500})

	rec := &store.ToolServerRecord{ID: "s1", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec, 0))
	waitForStatus(t, meta, "s1", store.ServerRunning, time.Second)

	require.NoError(t, sup.Delete(context.Background(), "s1"))

	rec2 := &store.ToolServerRecord{ID: "s2", Enabled: true}
	require.NoError(t, sup.Create(context.Background(), rec2, 0))
	t.Cleanup(func() { _ = sup.Stop(context.Background(), "s2") })
	assert.Equal(t, 9500, rec2.Port)
}

func TestPortAllocator_AcquireRequestedPortWhenFree(t *testing.T) {
	a := newPortAllocator(PortRange{Start: 9600, Max: 9610})
	port, err := a.acquire("s1", 9605)
	require.NoError(t, err)
	assert.Equal(t, 9605, port)
}
