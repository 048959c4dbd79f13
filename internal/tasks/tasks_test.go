package tasks

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/runner"
	"commissioner/internal/storage"
	"commissioner/internal/store"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRunner struct {
	mu       sync.Mutex
	commands []runner.Command
	respond  func(cmd runner.Command) runner.Response
}

func (r *fakeRunner) Run(ctx context.Context, cmd runner.Command) (runner.Response, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.respond == nil {
		return runner.Response{Output: `{"ok":true}`}, nil
	}
	return r.respond(cmd), nil
}

func (r *fakeRunner) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c.Name)
	}
	return out
}

func (r *fakeRunner) nodes(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.commands {
		if c.Name == name {
			out = append(out, arg(c, "--node"))
		}
	}
	return out
}

func arg(cmd runner.Command, flag string) string {
	for i := 0; i+1 < len(cmd.Args); i++ {
		if cmd.Args[i] == flag {
			return cmd.Args[i+1]
		}
	}
	return ""
}

type fakeStorage struct {
	mu        sync.Mutex
	objects   map[string]int64
	removeErr error
}

func (s *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	s.mu.Lock()
	var infos []storage.ObjectInfo
	for k, size := range s.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, storage.ObjectInfo{Key: k, Size: size})
		}
	}
	s.mu.Unlock()
	objCh := make(chan storage.ObjectInfo, len(infos))
	errCh := make(chan error)
	for _, info := range infos {
		objCh <- info
	}
	close(objCh)
	close(errCh)
	return objCh, errCh
}

func (s *fakeStorage) RemoveObject(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.objects, key)
	return nil
}

func (s *fakeStorage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type env struct {
	exec    *executor.Executor
	store   *store.SQLiteStore
	runner  *fakeRunner
	storage *fakeStorage
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := &fakeRunner{}
	objects := &fakeStorage{objects: make(map[string]int64)}

	registry := executor.NewRegistry()
	require.NoError(t, Register(registry, Deps{
		Store:    s,
		Runner:   r,
		Versions: s,
		Storage:  objects,
		Bucket:   "backups",
		Logger:   logger,
	}))
	assert.Empty(t, registry.Missing())

	exec := executor.New(executor.Config{PoolSize: 2, QueueSize: 4}, registry, s, lock.NewLocker(s, logger), nil, nil, logger)
	exec.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
	})

	require.NoError(t, s.UpsertResource(context.Background(), &store.Resource{ID: "u1", Name: "universe-1", TakeBackups: true}))
	return &env{exec: exec, store: s, runner: r, storage: objects}
}

func (e *env) submit(t *testing.T, taskType task.Type, params interface{}) *task.Task {
	t.Helper()
	data, err := json.Marshal(params)
	require.NoError(t, err)
	id, err := e.exec.Submit(context.Background(), taskType, data)
	require.NoError(t, err)
	tk, err := e.exec.WaitFor(context.Background(), id, 500, 10*time.Millisecond)
	require.NoError(t, err)
	return tk
}

func (e *env) backups(t *testing.T, taskID uuid.UUID) map[store.BackupState]int {
	t.Helper()
	list, err := e.store.ListBackupsByTask(context.Background(), taskID)
	require.NoError(t, err)
	out := make(map[store.BackupState]int)
	for _, b := range list {
		out[b.State]++
	}
	return out
}

func TestMultiTableBackupIgnoresFailedTable(t *testing.T) {
	e := newEnv(t)
	e.runner.respond = func(cmd runner.Command) runner.Response {
		if cmd.Name == "create_backup" && arg(cmd, "--table") == "orders" {
			return runner.Response{ExitCode: 1, Output: "snapshot of orders timed out"}
		}
		return runner.Response{Output: `{"snapshot_url":"s3://backups/x","backup_size_in_bytes":100}`}
	}

	tk := e.submit(t, task.TypeMultiTableBackup, BackupParams{
		Universe:          "u1",
		Customer:          "c1",
		Keyspace:          "shop",
		Tables:            []string{"users", "orders", "items"},
		AlterLoadBalancer: true,
	})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 4, tk.TotalGroups)

	states := e.backups(t, tk.ID)
	assert.Equal(t, 2, states[store.BackupCompleted])
	assert.Equal(t, 1, states[store.BackupFailed])

	names := e.runner.names()
	require.Len(t, names, 5)
	assert.Equal(t, "set_load_balancer", names[0])
	assert.Equal(t, "set_load_balancer", names[4])

	r, err := e.store.GetResource(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version)
	assert.False(t, r.UpdateInProgress)
	assert.False(t, r.BackupInProgress)
}

func TestTransactionalBackupRecordsSubSizes(t *testing.T) {
	e := newEnv(t)
	sizes := map[string]int{"users": 10, "orders": 20}
	e.runner.respond = func(cmd runner.Command) runner.Response {
		out, _ := json.Marshal(map[string]interface{}{
			"snapshot_url":         "s3://backups/" + arg(cmd, "--table"),
			"backup_size_in_bytes": sizes[arg(cmd, "--table")],
		})
		return runner.Response{Output: "starting snapshot\n" + string(out)}
	}

	tk := e.submit(t, task.TypeMultiTableBackup, BackupParams{
		Universe:      "u1",
		Keyspace:      "shop",
		Tables:        []string{"users", "orders"},
		Transactional: true,
	})
	require.Equal(t, task.StateSuccess, tk.State)

	list, err := e.store.ListBackupsByTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.BackupCompleted, list[0].State)
	assert.Equal(t, []int64{10, 20}, list[0].SubSizes)
	assert.Equal(t, int64(30), list[0].TotalSize)
	assert.Equal(t, BackupLocation("u1", list[0].ID), list[0].Location)
	assert.NotNil(t, list[0].CompletedAt)
}

func TestBackupSkippedWhenDisabled(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.UpsertResource(context.Background(), &store.Resource{ID: "u1", TakeBackups: false}))

	tk := e.submit(t, task.TypeMultiTableBackup, BackupParams{Universe: "u1", Keyspace: "shop", Tables: []string{"users"}})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 1, e.backups(t, tk.ID)[store.BackupSkipped])
	assert.NotContains(t, e.runner.names(), "create_backup")
}

func TestAbortedBackupFailsPendingRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	e.runner.respond = func(cmd runner.Command) runner.Response {
		if cmd.Name == "set_load_balancer" && arg(cmd, "--universe") == "u1" && cmd.Args[2] == "--enable=false" {
			close(started)
			<-release
		}
		return runner.Response{Output: `{"ok":true}`}
	}

	data, err := json.Marshal(BackupParams{Universe: "u1", Keyspace: "shop", Tables: []string{"users", "orders"}, AlterLoadBalancer: true})
	require.NoError(t, err)
	id, err := e.exec.Submit(ctx, task.TypeMultiTableBackup, data)
	require.NoError(t, err)
	<-started
	require.True(t, e.exec.Abort(id))
	close(release)

	tk, err := e.exec.WaitFor(ctx, id, 500, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StateAborted, tk.State)
	assert.Equal(t, map[store.BackupState]int{store.BackupFailed: 2}, e.backups(t, id))
	assert.NotContains(t, e.runner.names(), "create_backup")
	assert.Equal(t, []string{"set_load_balancer", "set_load_balancer"}, e.runner.names())
}

func TestFailedLoadBalancerStepFailsPendingRecords(t *testing.T) {
	e := newEnv(t)
	e.runner.respond = func(cmd runner.Command) runner.Response {
		if cmd.Name == "set_load_balancer" && cmd.Args[2] == "--enable=false" {
			return runner.Response{ExitCode: 1, Output: "master unreachable"}
		}
		return runner.Response{Output: `{"ok":true}`}
	}

	tk := e.submit(t, task.TypeMultiTableBackup, BackupParams{Universe: "u1", Keyspace: "shop", Tables: []string{"users"}, AlterLoadBalancer: true})
	assert.Equal(t, task.StateFailure, tk.State)
	assert.Contains(t, tk.ErrorMessage, "master unreachable")
	assert.Equal(t, map[store.BackupState]int{store.BackupFailed: 1}, e.backups(t, tk.ID))
}

func TestBackupErrorKeyFailsTable(t *testing.T) {
	e := newEnv(t)
	e.runner.respond = func(cmd runner.Command) runner.Response {
		return runner.Response{Output: `{"error":"keyspace shop does not exist"}`}
	}
	tk := e.submit(t, task.TypeMultiTableBackup, BackupParams{Universe: "u1", Keyspace: "shop", Tables: []string{"users"}})
	// the backup group ignores table failures
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 1, e.backups(t, tk.ID)[store.BackupFailed])
}

func TestBackupValidation(t *testing.T) {
	e := newEnv(t)
	for _, params := range []BackupParams{
		{Universe: "u1", Keyspace: "shop"},
		{Keyspace: "shop", Tables: []string{"users"}},
		{Universe: "u1", Tables: []string{"users"}},
	} {
		data, _ := json.Marshal(params)
		id, err := e.exec.Submit(context.Background(), task.TypeMultiTableBackup, data)
		assert.True(t, errors.Is(err, task.ErrValidation), "params %+v", params)
		assert.Equal(t, uuid.Nil, id)
	}
}

func completedBackup(t *testing.T, e *env) *store.Backup {
	t.Helper()
	ctx := context.Background()
	b := &store.Backup{ID: uuid.New(), TaskID: uuid.New(), CustomerID: "c1", ResourceID: "u1"}
	b.Location = BackupLocation("u1", b.ID)
	require.NoError(t, e.store.CreateBackup(ctx, b))
	require.NoError(t, e.store.CompleteBackup(ctx, b.ID, []int64{5, 7}))
	return b
}

func TestRestoreBackup(t *testing.T) {
	e := newEnv(t)
	b := completedBackup(t, e)
	e.storage.objects[b.Location+"/manifest.json"] = 12

	tk := e.submit(t, task.TypeRestoreBackup, RestoreParams{Universe: "u1", BackupID: b.ID})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, []string{"restore_backup"}, e.runner.names())
}

func TestRestoreWithoutArtifactsFails(t *testing.T) {
	e := newEnv(t)
	b := completedBackup(t, e)

	tk := e.submit(t, task.TypeRestoreBackup, RestoreParams{Universe: "u1", BackupID: b.ID})
	assert.Equal(t, task.StateFailure, tk.State)
	assert.Contains(t, tk.ErrorMessage, "no artifacts")
	assert.Empty(t, e.runner.names())
}

func TestDeleteBackup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := completedBackup(t, e)
	e.storage.objects[b.Location+"/a"] = 1
	e.storage.objects[b.Location+"/b"] = 2
	e.storage.objects["univ-u1/other/c"] = 3
	require.NoError(t, e.store.TransitionBackup(ctx, b.ID, store.BackupQueuedForDeletion))

	tk := e.submit(t, task.TypeDeleteBackup, DeleteParams{Customer: "c1", BackupID: b.ID})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, b.ID.String(), tk.ResourceID)

	got, err := e.store.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackupDeleted, got.State)
	assert.Equal(t, 1, e.storage.count())
}

func TestDeleteBackupStorageFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := completedBackup(t, e)
	e.storage.objects[b.Location+"/a"] = 1
	e.storage.removeErr = errors.New("access denied")
	require.NoError(t, e.store.TransitionBackup(ctx, b.ID, store.BackupQueuedForDeletion))

	tk := e.submit(t, task.TypeDeleteBackup, DeleteParams{BackupID: b.ID})
	assert.Equal(t, task.StateFailure, tk.State)

	got, err := e.store.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackupFailedToDelete, got.State)
}

func TestRetryFailedDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := completedBackup(t, e)
	e.storage.objects[b.Location+"/a"] = 1
	e.storage.removeErr = errors.New("access denied")
	require.NoError(t, e.store.TransitionBackup(ctx, b.ID, store.BackupQueuedForDeletion))

	first := e.submit(t, task.TypeDeleteBackup, DeleteParams{BackupID: b.ID})
	require.Equal(t, task.StateFailure, first.State)

	e.storage.mu.Lock()
	e.storage.removeErr = nil
	e.storage.mu.Unlock()

	id, err := e.exec.Retry(ctx, first.ID)
	require.NoError(t, err)
	retried, err := e.exec.WaitFor(ctx, id, 500, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, retried.State, retried.ErrorMessage)

	got, err := e.store.GetBackup(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BackupDeleted, got.State)
	assert.Equal(t, 0, e.storage.count())
}

func TestRollingUpgradeHaltsAtFailedNode(t *testing.T) {
	e := newEnv(t)
	e.runner.respond = func(cmd runner.Command) runner.Response {
		if arg(cmd, "--node") == "n2" {
			return runner.Response{ExitCode: 3, Output: "tserver did not come back"}
		}
		return runner.Response{}
	}

	tk := e.submit(t, task.TypeUpgradeSoftware, UpgradeParams{
		Universe:        "u1",
		Nodes:           []string{"n1", "n2", "n3"},
		Rolling:         true,
		SoftwareVersion: "2.20.1",
	})
	assert.Equal(t, task.StateFailure, tk.State)
	assert.Contains(t, tk.ErrorMessage, "UpgradingSoftware:n2")
	assert.Contains(t, tk.ErrorMessage, "tserver did not come back")
	assert.Equal(t, []string{"n1", "n2"}, e.runner.nodes("upgrade_software"))

	r, err := e.store.GetResource(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Version)
	assert.False(t, r.UpdateInProgress)
}

func TestNonRollingGFlagsUpgrade(t *testing.T) {
	e := newEnv(t)
	tk := e.submit(t, task.TypeUpgradeGFlags, UpgradeParams{
		Universe: "u1",
		Nodes:    []string{"n1", "n2", "n3"},
		GFlags:   map[string]string{"b": "2", "a": "1"},
	})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 2, tk.TotalGroups)

	nodes := e.runner.nodes("upgrade_gflags")
	sort.Strings(nodes)
	assert.Equal(t, []string{"n1", "n2", "n3"}, nodes)

	e.runner.mu.Lock()
	args := e.runner.commands[0].Args
	e.runner.mu.Unlock()
	assert.Equal(t, []string{"--gflag", "a=1", "--gflag", "b=2"}, args[4:])
}

func TestUpgradeValidation(t *testing.T) {
	e := newEnv(t)
	cases := map[task.Type]UpgradeParams{
		task.TypeUpgradeSoftware: {Universe: "u1", Nodes: []string{"n1"}},
		task.TypeUpgradeGFlags:   {Universe: "u1", Nodes: []string{"n1"}},
		task.TypeRestartUniverse: {Universe: "u1"},
	}
	for taskType, params := range cases {
		data, _ := json.Marshal(params)
		_, err := e.exec.Submit(context.Background(), taskType, data)
		assert.True(t, errors.Is(err, task.ErrValidation), "type %s", taskType)
	}
}

func TestRestartUniverse(t *testing.T) {
	e := newEnv(t)
	tk := e.submit(t, task.TypeRestartUniverse, UpgradeParams{Universe: "u1", Nodes: []string{"n1", "n2"}, Rolling: true})
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 3, tk.TotalGroups)
	assert.Equal(t, []string{"n1", "n2"}, e.runner.nodes("restart_node"))
}
