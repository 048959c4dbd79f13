package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"commissioner/internal/config"
	"commissioner/internal/task"
	"commissioner/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "actions.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"running $1\"\necho '{\"ok\":true}'\n"), 0o755))

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "commissioner.db")
	cfg.Lock.Provider = config.LockProviderMemory
	cfg.Metrics.Addr = ""
	cfg.Scheduler.Enabled = false
	cfg.Executor.WaitDelayMs = 10
	cfg.Executor.WaitRetries = 500
	cfg.Runner.BackupScript = script
	return cfg
}

func TestAppRunsTasks(t *testing.T) {
	a, err := New(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.Start(ctx, true))

	params, _ := json.Marshal(tasks.UpgradeParams{Universe: "u1", Nodes: []string{"n1", "n2"}})
	id, err := a.Executor().Submit(ctx, task.TypeRestartUniverse, params)
	require.NoError(t, err)

	tk, err := a.Executor().WaitFor(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, task.StateSuccess, tk.State)
	assert.Equal(t, 2, tk.CompletedGroups)
}

func TestAppRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lock.Provider = config.LockProviderRedis
	cfg.Lock.Redis.Addr = "127.0.0.1:1"

	_, err := New(cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestAppRunStopsOnCancel(t *testing.T) {
	a, err := New(testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NoError(t, a.Close())
}
