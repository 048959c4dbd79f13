package subtask

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Mode is the execution policy of a group
type Mode int

const (
	Sequential Mode = iota
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

// ErrGroupSealed is returned when a group is modified or run after it has already run
var ErrGroupSealed = errors.New("subtask group already executed")

// Group is a bundle of actions forming one phase of a task
type Group struct {
	Name         string
	Mode         Mode
	IgnoreErrors bool
	// Parallelism limits concurrent actions of a parallel group, 0 means unlimited
	Parallelism int

	mu      sync.Mutex
	actions []*Action
	sealed  bool
}

// NewGroup creates an empty group
func NewGroup(name string, mode Mode) *Group {
	return &Group{Name: name, Mode: mode}
}

// Add appends actions to the group
func (g *Group) Add(actions ...*Action) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return ErrGroupSealed
	}
	g.actions = append(g.actions, actions...)
	return nil
}

// Actions returns the actions in append order
func (g *Group) Actions() []*Action {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Action, len(g.actions))
	copy(out, g.actions)
	return out
}

// Len returns the number of actions
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.actions)
}

// GroupResult is the outcome of running a group
type GroupResult struct {
	Name     string
	Results  []Result
	Ran      int
	Degraded bool
	Err      error
}

func (g *Group) seal() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed {
		return ErrGroupSealed
	}
	g.sealed = true
	return nil
}

// run executes the group. onAction is called after each finished action.
func (g *Group) run(ctx context.Context, onAction func()) GroupResult {
	out := GroupResult{Name: g.Name}
	if err := g.seal(); err != nil {
		out.Err = errors.Wrapf(err, "group %s", g.Name)
		return out
	}

	actions := g.actions
	out.Results = make([]Result, len(actions))

	if g.Mode == Parallel {
		var eg errgroup.Group
		if g.Parallelism > 0 {
			eg.SetLimit(g.Parallelism)
		}
		for i, a := range actions {
			i, a := i, a
			eg.Go(func() error {
				out.Results[i] = a.Run(ctx)
				if onAction != nil {
					onAction()
				}
				return nil
			})
		}
		_ = eg.Wait()
		out.Ran = len(actions)
		for i, res := range out.Results {
			if res.Status != StatusFailure {
				continue
			}
			if g.IgnoreErrors {
				out.Degraded = true
				continue
			}
			if out.Err == nil {
				out.Err = errors.Wrapf(res.Err, "action %s", actions[i].Name())
			}
		}
		return out
	}

	for i, a := range actions {
		res := a.Run(ctx)
		out.Results[i] = res
		out.Ran++
		if onAction != nil {
			onAction()
		}
		if res.Status != StatusFailure {
			continue
		}
		if g.IgnoreErrors {
			out.Degraded = true
			continue
		}
		out.Err = errors.Wrapf(res.Err, "action %s", a.Name())
		break
	}
	return out
}
