package progress

import (
	"bytes"
	"context"
	"testing"
	"time"

	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	id := uuid.New()

	tr.Start(id, task.TypeMultiTableBackup, 4)
	tr.Update(subtask.Progress{TaskID: id, Group: "ConfigureUniverse", CompletedGroups: 1, TotalGroups: 4, CompletedActions: 1, TotalActions: 6})
	tr.Update(subtask.Progress{TaskID: uuid.New(), CompletedGroups: 9})

	s, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, "ConfigureUniverse", s.CurrentGroup)
	assert.Equal(t, 1, s.CompletedGroups)
	assert.Equal(t, 6, s.TotalActions)
	assert.InDelta(t, 25.0, s.Percent(), 0.001)
	assert.Len(t, tr.Snapshot(), 1)

	tr.Finish(id)
	_, ok = tr.Get(id)
	assert.False(t, ok)
	assert.Empty(t, tr.Snapshot())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 GB", FormatBytes(2*1024*1024*1024))
	assert.Equal(t, "-", FormatDuration(0))
	assert.Equal(t, "1m5s", FormatDuration(65*time.Second))
	assert.Equal(t, "2h0m1s", FormatDuration(2*time.Hour+time.Second))
}

func TestDisplayRunsUntilTerminal(t *testing.T) {
	id := uuid.New()
	calls := 0
	fetch := func(ctx context.Context) (*task.Task, error) {
		calls++
		tk := &task.Task{ID: id, Type: task.TypeUpgradeSoftware, State: task.StateRunning, TotalGroups: 2, CreatedAt: time.Now()}
		if calls >= 3 {
			done := time.Now()
			tk.State = task.StateFailure
			tk.CompletedGroups = 1
			tk.ErrorMessage = "group UpgradingSoftware: node n2 failed"
			tk.CompletedAt = &done
		}
		return tk, nil
	}

	var out bytes.Buffer
	final, err := NewDisplay(fetch, time.Millisecond, &out).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.StateFailure, final.State)
	assert.Equal(t, 3, calls)
	assert.Contains(t, out.String(), "0/2 groups")
	assert.Contains(t, out.String(), "finished: Failure")
	assert.Contains(t, out.String(), "node n2 failed")
}
