package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/graph/nodes"
	"github.com/vsavkov/maestro/internal/workflow"
)

func testRegistry(t *testing.T) (*Registry, *FileStore, string) {
	t.Helper()
	dataDir := t.TempDir()

	nodeReg := graph.NewRegistry(zerolog.Nop())
	nodes.RegisterBuiltins(nodeReg)

	wfStore, err := workflow.NewFileStore(filepath.Join(dataDir, "workflows"))
	require.NoError(t, err)
	_, err = workflow.InstallTemplates(wfStore)
	require.NoError(t, err)

	persist, err := NewFileStore(dataDir)
	require.NoError(t, err)

	reg, err := NewRegistry(RegistryConfig{
		DataDir:     dataDir,
		Workflows:   wfStore,
		Nodes:       nodeReg,
		Persistence: persist,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(reg.StopAll)
	return reg, persist, dataDir
}

func TestRegistryCreate(t *testing.T) {
	reg, persist, dataDir := testRegistry(t)

	sess, err := reg.Create(CreateRequest{SessionName: "alpha"})
	require.NoError(t, err)
	rec := sess.Info()

	assert.NotEmpty(t, rec.SessionID)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Equal(t, RoleManager, rec.Role)
	// Non-autonomous sessions get the simple template.
	assert.Equal(t, "template-simple", rec.WorkflowID)
	assert.Equal(t, filepath.Join(dataDir, "sessions", rec.SessionID), rec.StoragePath)
	assert.DirExists(t, rec.StoragePath)

	stored, err := persist.Get(rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", stored.Record.SessionName)
	assert.False(t, stored.IsDeleted)
}

func TestRegistryCreateAutonomousWorkflow(t *testing.T) {
	reg, _, _ := testRegistry(t)
	sess, err := reg.Create(CreateRequest{SessionName: "auto", Autonomous: true})
	require.NoError(t, err)
	assert.Equal(t, "template-autonomous", sess.Info().WorkflowID)
}

func TestRegistryCreateUnknownWorkflow(t *testing.T) {
	reg, _, _ := testRegistry(t)
	_, err := reg.Create(CreateRequest{SessionName: "x", WorkflowID: "no-such-workflow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestRegistryCreateDuplicateID(t *testing.T) {
	reg, _, _ := testRegistry(t)
	_, err := reg.Create(CreateRequest{SessionID: "fixed", SessionName: "one"})
	require.NoError(t, err)
	_, err = reg.Create(CreateRequest{SessionID: "fixed", SessionName: "two"})
	assert.Error(t, err)
}

func TestRegistryCreateConcurrentDuplicateID(t *testing.T) {
	reg, _, _ := testRegistry(t)

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := reg.Create(CreateRequest{SessionID: "pinned", SessionName: fmt.Sprintf("racer-%d", n)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// Exactly one creation wins; every other attempt reports a duplicate.
	assert.Equal(t, 1, succeeded)
	require.Len(t, reg.List(), 1)
}

func TestRegistryGetAndList(t *testing.T) {
	reg, _, _ := testRegistry(t)
	a, err := reg.Create(CreateRequest{SessionName: "a"})
	require.NoError(t, err)
	_, err = reg.Create(CreateRequest{SessionName: "b"})
	require.NoError(t, err)

	got, err := reg.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	recs := reg.List()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].SessionName)
	assert.Equal(t, "b", recs[1].SessionName)
}

func TestRegistryManagerWorkerTopology(t *testing.T) {
	reg, _, _ := testRegistry(t)
	mgr, err := reg.Create(CreateRequest{SessionName: "mgr"})
	require.NoError(t, err)
	_, err = reg.Create(CreateRequest{SessionName: "w1", Role: RoleWorker, ManagerID: mgr.ID()})
	require.NoError(t, err)
	_, err = reg.Create(CreateRequest{SessionName: "w2", Role: RoleWorker, ManagerID: mgr.ID()})
	require.NoError(t, err)
	_, err = reg.Create(CreateRequest{SessionName: "stray", Role: RoleWorker, ManagerID: "other"})
	require.NoError(t, err)

	managers := reg.ListManagers()
	require.Len(t, managers, 1)
	assert.Equal(t, "mgr", managers[0].SessionName)

	workers := reg.WorkersOf(mgr.ID())
	require.Len(t, workers, 2)
	assert.Equal(t, "w1", workers[0].SessionName)
	assert.Equal(t, "w2", workers[1].SessionName)
}

func TestRegistryDeleteIsSoftAndWorkersSurvive(t *testing.T) {
	reg, persist, _ := testRegistry(t)
	mgr, err := reg.Create(CreateRequest{SessionName: "mgr"})
	require.NoError(t, err)
	worker, err := reg.Create(CreateRequest{SessionName: "w", Role: RoleWorker, ManagerID: mgr.ID()})
	require.NoError(t, err)
	storage := mgr.Info().StoragePath

	require.NoError(t, reg.Delete(mgr.ID(), false))

	_, err = reg.Get(mgr.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	// Manager deletion does not cascade to workers.
	_, err = reg.Get(worker.ID())
	assert.NoError(t, err)

	// Storage survives a soft delete.
	assert.DirExists(t, storage)
	deleted, err := persist.ListDeleted()
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, mgr.ID(), deleted[0].Record.SessionID)

	assert.ErrorIs(t, reg.Delete(mgr.ID(), false), ErrNotFound)
}

func TestRegistryDeleteWithStorageCleanup(t *testing.T) {
	reg, _, _ := testRegistry(t)
	sess, err := reg.Create(CreateRequest{SessionName: "x"})
	require.NoError(t, err)
	storage := sess.Info().StoragePath

	require.NoError(t, reg.Delete(sess.ID(), true))
	_, statErr := os.Stat(storage)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRegistryRestoreKeepsIdentity(t *testing.T) {
	reg, persist, _ := testRegistry(t)
	sess, err := reg.Create(CreateRequest{SessionName: "phoenix", Autonomous: true, MaxIterations: 42})
	require.NoError(t, err)
	id := sess.ID()
	storage := sess.Info().StoragePath

	marker := filepath.Join(storage, "notes", "keep.md")
	require.NoError(t, os.WriteFile(marker, []byte("remember"), 0o644))

	require.NoError(t, reg.Delete(id, false))

	restored, err := reg.Restore(id)
	require.NoError(t, err)
	rec := restored.Info()
	assert.Equal(t, id, rec.SessionID)
	assert.Equal(t, storage, rec.StoragePath)
	assert.Equal(t, "phoenix", rec.SessionName)
	assert.True(t, rec.Autonomous)
	assert.Equal(t, 42, rec.MaxIterations)
	assert.FileExists(t, marker)

	stored, err := persist.Get(id)
	require.NoError(t, err)
	assert.False(t, stored.IsDeleted)
}

func TestRegistryPermanentDelete(t *testing.T) {
	reg, persist, _ := testRegistry(t)
	sess, err := reg.Create(CreateRequest{SessionName: "gone"})
	require.NoError(t, err)
	id := sess.ID()
	storage := sess.Info().StoragePath

	require.NoError(t, reg.PermanentDelete(id))
	_, err = persist.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(storage)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRegistryUpgrade(t *testing.T) {
	reg, persist, _ := testRegistry(t)
	sess, err := reg.Create(CreateRequest{SessionName: "up"})
	require.NoError(t, err)
	require.Equal(t, "template-simple", sess.Info().WorkflowID)

	require.NoError(t, reg.Upgrade(sess.ID(), "", 25))

	rec := sess.Info()
	assert.Equal(t, "template-autonomous", rec.WorkflowID)
	assert.True(t, rec.Autonomous)
	assert.Equal(t, 25, rec.MaxIterations)

	stored, err := persist.Get(sess.ID())
	require.NoError(t, err)
	assert.Equal(t, "template-autonomous", stored.Record.WorkflowID)
}

func TestRegistryCleanupDead(t *testing.T) {
	reg, _, _ := testRegistry(t)
	alive, err := reg.Create(CreateRequest{SessionName: "alive"})
	require.NoError(t, err)
	dead, err := reg.Create(CreateRequest{SessionName: "dead"})
	require.NoError(t, err)
	require.NoError(t, dead.Stop())

	assert.Equal(t, 1, reg.CleanupDead())

	_, err = reg.Get(dead.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.Get(alive.ID())
	assert.NoError(t, err)
	assert.Equal(t, 0, reg.CleanupDead())
}
