package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/google/uuid"
)

// Status is the live progress of one running task
type Status struct {
	TaskID           uuid.UUID
	TaskType         task.Type
	CurrentGroup     string
	TotalGroups      int
	CompletedGroups  int
	TotalActions     int
	CompletedActions int
	StartTime        time.Time
	LastUpdateTime   time.Time
	ETA              time.Duration
}

// Percent returns the group completion percentage
func (s Status) Percent() float64 {
	if s.TotalGroups == 0 {
		return 0
	}
	return float64(s.CompletedGroups) / float64(s.TotalGroups) * 100
}

// Tracker tracks progress of running tasks
type Tracker struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*Status
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[uuid.UUID]*Status)}
}

// Start begins tracking a task
func (t *Tracker) Start(id uuid.UUID, taskType task.Type, totalGroups int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.tasks[id] = &Status{
		TaskID:         id,
		TaskType:       taskType,
		TotalGroups:    totalGroups,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update applies a queue progress report
func (t *Tracker) Update(p subtask.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.tasks[p.TaskID]
	if !ok {
		return
	}
	now := time.Now()
	s.CurrentGroup = p.Group
	s.TotalGroups = p.TotalGroups
	s.CompletedGroups = p.CompletedGroups
	s.TotalActions = p.TotalActions
	s.CompletedActions = p.CompletedActions
	s.LastUpdateTime = now
	s.ETA = estimate(s, now)
}

// estimate projects remaining time from the average group duration (must be called with lock held)
func estimate(s *Status, now time.Time) time.Duration {
	if s.CompletedGroups == 0 || s.CompletedGroups >= s.TotalGroups {
		return 0
	}
	perGroup := now.Sub(s.StartTime) / time.Duration(s.CompletedGroups)
	return perGroup * time.Duration(s.TotalGroups-s.CompletedGroups)
}

// Finish stops tracking a task
func (t *Tracker) Finish(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, id)
}

// Get returns the status of a tracked task (thread-safe)
func (t *Tracker) Get(id uuid.UUID) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.tasks[id]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Snapshot returns every tracked task, oldest first
func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Status, 0, len(t.tasks))
	for _, s := range t.tasks {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	} else if bytes < 1024*1024*1024 {
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	} else {
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}
